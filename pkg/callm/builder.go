package callm

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MistApproach/callm/internal/backend"
	"github.com/MistApproach/callm/internal/chat"
	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/logits"
	"github.com/MistApproach/callm/internal/metrics"
)

const (
	DefaultTemperature  = 0.7
	DefaultMaxNewTokens = 1000
)

// Builder collects pipeline options. Values are checked together in Build.
type Builder struct {
	location     string
	hint         backend.Hint
	temperature  float64
	topK         *int
	topP         *float64
	seed         *int64
	maxNewTokens int
	maxContext   int
	fallback     Fallback
	template     *string
	log          logger.Logger
	registerer   prometheus.Registerer
	progress     func(done, total int)
	onToken      func(string)
	autoload     bool
}

func NewBuilder() *Builder {
	return &Builder{
		hint:         backend.Hint{Device: backend.Auto, Precision: backend.PrecisionAuto},
		temperature:  DefaultTemperature,
		maxNewTokens: DefaultMaxNewTokens,
		fallback:     FallbackConcat,
		autoload:     true,
	}
}

// WithLocation sets the model path: a checkpoint directory, a .safetensors
// file or a .gguf file. It is required.
func (b *Builder) WithLocation(path string) *Builder {
	b.location = path
	return b
}

// WithDevice selects auto, cpu, cuda or metal.
func (b *Builder) WithDevice(device string) *Builder {
	b.hint.Device = device
	return b
}

// WithPrecision selects the weight precision: auto, f32, f16 or bf16.
func (b *Builder) WithPrecision(precision string) *Builder {
	b.hint.Precision = precision
	return b
}

func (b *Builder) WithThreads(n int) *Builder {
	b.hint.Threads = n
	return b
}

func (b *Builder) WithTemperature(t float64) *Builder {
	b.temperature = t
	return b
}

func (b *Builder) WithTopK(k int) *Builder {
	b.topK = &k
	return b
}

func (b *Builder) WithTopP(p float64) *Builder {
	b.topP = &p
	return b
}

func (b *Builder) WithSeed(seed int64) *Builder {
	b.seed = &seed
	return b
}

func (b *Builder) WithMaxNewTokens(n int) *Builder {
	b.maxNewTokens = n
	return b
}

// WithMaxContext caps the context window below the model limit.
func (b *Builder) WithMaxContext(n int) *Builder {
	b.maxContext = n
	return b
}

// WithTemplateFallback sets what RunChat does when the model has no chat
// template.
func (b *Builder) WithTemplateFallback(f Fallback) *Builder {
	b.fallback = f
	return b
}

// WithChatTemplate replaces the template shipped with the model.
func (b *Builder) WithChatTemplate(source string) *Builder {
	b.template = &source
	return b
}

func (b *Builder) WithLogger(l logger.Logger) *Builder {
	b.log = l
	return b
}

// WithMetrics registers the pipeline collectors on reg.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	b.registerer = reg
	return b
}

// WithProgress is called while tensors are loaded.
func (b *Builder) WithProgress(fn func(done, total int)) *Builder {
	b.progress = fn
	return b
}

// WithTokenCallback receives generated text as it is produced. Chunks
// always end on a UTF-8 boundary.
func (b *Builder) WithTokenCallback(fn func(string)) *Builder {
	b.onToken = fn
	return b
}

// WithAutoload controls whether Build loads the model. Without it the
// caller must call Pipeline.Load.
func (b *Builder) WithAutoload(on bool) *Builder {
	b.autoload = on
	return b
}

func (b *Builder) sampling() (logits.Config, error) {
	cfg := logits.Config{Temperature: b.temperature}
	if b.topK != nil {
		if err := checkTopK(*b.topK); err != nil {
			return cfg, err
		}
		cfg.TopK = *b.topK
	}
	if b.topP != nil {
		if err := checkTopP(*b.topP); err != nil {
			return cfg, err
		}
		cfg.TopP = *b.topP
	}
	return cfg, cfg.Validate()
}

func checkTopK(k int) error {
	if k < 1 {
		return errs.Errorf(errs.KindInvalidConfig, "callm", "top_k must be >= 1, got %d", k)
	}
	return nil
}

func checkTopP(p float64) error {
	if math.IsNaN(p) || p <= 0 || p > 1 {
		return errs.Errorf(errs.KindInvalidConfig, "callm", "top_p must be in (0, 1], got %v", p)
	}
	return nil
}

func (b *Builder) validate() error {
	const op = "callm.Build"
	var problems []error
	if b.location == "" {
		problems = append(problems, errs.Errorf(errs.KindInvalidConfig, op, "model location is required"))
	}
	if _, err := b.sampling(); err != nil {
		problems = append(problems, err)
	}
	if b.maxNewTokens <= 0 {
		problems = append(problems, errs.Errorf(errs.KindInvalidConfig, op, "max new tokens must be > 0, got %d", b.maxNewTokens))
	}
	if b.maxContext < 0 {
		problems = append(problems, errs.Errorf(errs.KindInvalidConfig, op, "max context must be >= 0, got %d", b.maxContext))
	}
	if b.fallback > FallbackError {
		problems = append(problems, errs.Errorf(errs.KindInvalidConfig, op, "unknown template fallback %s", b.fallback))
	}
	if b.template != nil {
		if _, err := chat.New(*b.template, chat.Options{}); err != nil {
			problems = append(problems, err)
		}
	}
	return errors.Join(problems...)
}

// Build checks every option, selects the device and, unless autoload was
// turned off, loads the model. All option errors are reported together as
// InvalidConfig errors.
func (b *Builder) Build(ctx context.Context) (*Pipeline, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	be, err := backend.Select(b.hint)
	if err != nil {
		return nil, err
	}
	p := b.newPipeline(ctx, be)
	p.log.Info("device selected", "device", be.Device().String(), "features", be.Device().Features)

	if b.autoload {
		if err := p.Load(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

func (b *Builder) newPipeline(ctx context.Context, be *backend.Backend) *Pipeline {
	log := b.log
	if log == nil {
		log = logger.FromContext(ctx)
	}
	seed := rand.Int63()
	if b.seed != nil {
		seed = *b.seed
	}
	cfg, _ := b.sampling()
	p := &Pipeline{
		location:   b.location,
		backend:    be,
		maxContext: b.maxContext,
		fallback:   b.fallback,
		template:   b.template,
		progress:   b.progress,
		onToken:    b.onToken,
		log:        log,
		metrics:    metrics.New(b.registerer),
		sampling:   cfg,
		seed:       seed,
		maxNew:     b.maxNewTokens,
	}
	if be != nil {
		p.device = be.Device()
	}
	p.state.Store(int32(StateIdle))
	return p
}

package callm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MistApproach/callm/internal/backend"
	"github.com/MistApproach/callm/internal/chat"
	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/kvcache"
	"github.com/MistApproach/callm/internal/loader"
	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/logits"
	"github.com/MistApproach/callm/internal/metrics"
	"github.com/MistApproach/callm/internal/model"
	"github.com/MistApproach/callm/internal/tokenizer"
)

// Pipeline owns a loaded model and runs one generation at a time. A second
// concurrent call fails with ErrBusy. Methods are safe to call from several
// goroutines.
type Pipeline struct {
	location   string
	backend    *backend.Backend
	device     Device
	maxContext int
	fallback   Fallback
	template   *string
	progress   func(done, total int)
	onToken    func(string)
	log        logger.Logger
	metrics    *metrics.Metrics

	busy  atomic.Bool
	state atomic.Int32

	// mu guards everything below.
	mu       sync.Mutex
	rt       *runtime
	sampling logits.Config
	seed     int64
	maxNew   int
	stats    Stats
}

// runtime is the loaded half of a pipeline.
type runtime struct {
	loc   loader.Location
	model model.Model
	tok   tokenizer.Tokenizer
	tpl   *chat.Template
	cache *kvcache.Cache
	stops []int
}

func (rt *runtime) close() {
	if rt != nil && rt.model != nil {
		rt.model.Close()
	}
}

// acquire claims the pipeline for one call.
func (p *Pipeline) acquire(op string) error {
	if !p.busy.CompareAndSwap(false, true) {
		return errs.E(errs.KindRuntime, op, errs.ErrBusy)
	}
	return nil
}

func (p *Pipeline) release() { p.busy.Store(false) }

// Load reads the model, tokenizer and chat template. Loading again replaces
// the current model once the new one is ready.
func (p *Pipeline) Load(ctx context.Context) error {
	const op = "callm.Load"
	if err := p.acquire(op); err != nil {
		return err
	}
	defer p.release()
	if p.backend == nil {
		return errs.E(errs.KindDevice, op, errClosed)
	}

	start := time.Now()
	loc, err := loader.Resolve(p.location)
	if err != nil {
		return err
	}
	bundle, err := loader.Load(ctx, loc, p.backend, loader.Options{
		MaxContext: p.maxContext,
		Progress:   p.progress,
		Logger:     p.log,
	})
	if err != nil {
		return err
	}
	m, err := model.New(bundle.Config, bundle.Params, p.backend.Ops())
	if err != nil {
		return err
	}
	// An override was already compiled by the Builder and stays fatal. A
	// checkpoint template that gonja cannot parse degrades to the fallback.
	opts := chat.Options{BOS: bundle.BOSToken, EOS: bundle.EOSToken, Fallback: p.fallback}
	var tpl *chat.Template
	if p.template != nil {
		tpl, err = chat.New(*p.template, opts)
	} else {
		tpl, err = chat.NewLenient(bundle.ChatTemplate, opts)
	}
	if err != nil {
		m.Close()
		return err
	}
	if cerr := tpl.Err(); cerr != nil {
		p.log.Warn("chat template does not compile, using fallback",
			"fallback", p.fallback.String(),
			"err", cerr,
		)
	}
	rt := &runtime{
		loc:   bundle.Location,
		model: m,
		tok:   bundle.Tokenizer,
		tpl:   tpl,
		cache: m.NewCache(),
		stops: bundle.StopTokens,
	}

	p.mu.Lock()
	old := p.rt
	p.rt = rt
	p.mu.Unlock()
	old.close()

	took := time.Since(start)
	p.metrics.ObserveLoad(took)
	p.log.Info("pipeline ready",
		"model", rt.loc.String(),
		"device", p.backend.Device().String(),
		"chat_template", tpl.HasTemplate(),
		"stop_tokens", rt.stops,
		"took", took,
	)
	return nil
}

// Close releases the model and the device. It fails with ErrBusy while a
// call is running.
func (p *Pipeline) Close() error {
	if err := p.acquire("callm.Close"); err != nil {
		return err
	}
	defer p.release()
	p.mu.Lock()
	rt := p.rt
	p.rt = nil
	p.mu.Unlock()
	rt.close()
	p.backend.Close()
	p.backend = nil
	return nil
}

// Loaded reports whether a model is ready.
func (p *Pipeline) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rt != nil
}

func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) { p.state.Store(int32(s)) }

// Stats describes the last finished call.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Location is the resolved model path. It is zero before Load.
func (p *Pipeline) Location() Location {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rt == nil {
		return Location{}
	}
	return p.rt.loc
}

// Device is the device chosen at build time.
func (p *Pipeline) Device() Device { return p.device }

// The setters below apply from the next call. Invalid values leave the
// pipeline unchanged.

func (p *Pipeline) SetSeed(seed int64) {
	p.mu.Lock()
	p.seed = seed
	p.mu.Unlock()
}

func (p *Pipeline) SetTemperature(t float64) error {
	return p.updateSampling(func(c *logits.Config) error {
		c.Temperature = t
		return nil
	})
}

func (p *Pipeline) SetTopK(k int) error {
	return p.updateSampling(func(c *logits.Config) error {
		c.TopK = k
		return checkTopK(k)
	})
}

func (p *Pipeline) SetTopP(v float64) error {
	return p.updateSampling(func(c *logits.Config) error {
		c.TopP = v
		return checkTopP(v)
	})
}

func (p *Pipeline) ClearTopK() {
	_ = p.updateSampling(func(c *logits.Config) error {
		c.TopK = 0
		return nil
	})
}

func (p *Pipeline) ClearTopP() {
	_ = p.updateSampling(func(c *logits.Config) error {
		c.TopP = 0
		return nil
	})
}

func (p *Pipeline) SetMaxNewTokens(n int) error {
	if n <= 0 {
		return errs.Errorf(errs.KindInvalidConfig, "callm", "max new tokens must be > 0, got %d", n)
	}
	p.mu.Lock()
	p.maxNew = n
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) updateSampling(fn func(*logits.Config) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.sampling
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	p.sampling = next
	return nil
}

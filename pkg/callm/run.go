package callm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/logits"
	"github.com/MistApproach/callm/internal/metrics"
	"github.com/MistApproach/callm/internal/tokenizer"
)

var errClosed = errors.New("pipeline is closed")

// Run generates a continuation of prompt. The prompt is encoded with the
// special tokens the tokenizer asks for (usually BOS).
func (p *Pipeline) Run(ctx context.Context, prompt string) (string, error) {
	return p.run(ctx, "callm.Run", func(rt *runtime) ([]int, error) {
		return encode(rt.tok, prompt, true)
	})
}

// RunChat renders msgs with the model's chat template and generates the
// assistant reply. The rendered prompt carries its own special tokens and
// is encoded without adding more.
func (p *Pipeline) RunChat(ctx context.Context, msgs []Message) (string, error) {
	return p.run(ctx, "callm.RunChat", func(rt *runtime) ([]int, error) {
		prompt, err := render(rt, msgs)
		if err != nil {
			return nil, err
		}
		return encode(rt.tok, prompt, false)
	})
}

// RenderChat returns the prompt RunChat would encode for msgs.
func (p *Pipeline) RenderChat(msgs []Message) (string, error) {
	p.mu.Lock()
	rt := p.rt
	p.mu.Unlock()
	if rt == nil {
		return "", errs.E(errs.KindRuntime, "callm.RenderChat", errs.ErrNotLoaded)
	}
	return render(rt, msgs)
}

// settings is the per-call snapshot of the mutable options.
type settings struct {
	sampling logits.Config
	seed     int64
	maxNew   int
}

func (p *Pipeline) run(ctx context.Context, op string, prompt func(*runtime) ([]int, error)) (string, error) {
	if err := p.acquire(op); err != nil {
		p.metrics.ObserveRun(metrics.Run{Outcome: metrics.OutcomeBusy})
		return "", err
	}
	defer p.release()

	p.mu.Lock()
	rt := p.rt
	set := settings{sampling: p.sampling, seed: p.seed, maxNew: p.maxNew}
	p.mu.Unlock()
	if rt == nil {
		return "", errs.E(errs.KindRuntime, op, errs.ErrNotLoaded)
	}

	runID := uuid.NewString()
	log := p.log.With("run_id", runID)
	start := time.Now()
	g := generation{rt: rt, set: set, onToken: p.onToken, setState: p.setState}
	g.stats.RunID = runID

	p.setState(StatePrompting)
	text, err := g.run(ctx, prompt)
	if err == nil {
		// A model can leave the layers skewed and still return scores.
		err = rt.cache.Check()
	}
	g.stats.Duration = time.Since(start)
	if secs := g.stats.Duration.Seconds(); secs > 0 {
		g.stats.TokensPerSecond = float64(g.stats.GeneratedTokens) / secs
	}
	if err != nil {
		rt.cache.Reset()
	}
	// Len panics on skewed layers; the cache is consistent or empty here.
	g.stats.CacheTokens = rt.cache.Len()

	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeFailed
		g.stats.Result = StateFailed
		log.Warn("run failed", "error", err, "prompt_tokens", g.stats.PromptTokens, "generated", g.stats.GeneratedTokens)
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.E(errs.KindRuntime, op, err)
		}
	} else {
		g.stats.Result = StateFinished
		log.Info("run finished",
			"prompt_tokens", g.stats.PromptTokens,
			"generated", g.stats.GeneratedTokens,
			"stop", g.stats.Stop.String(),
			"took", g.stats.Duration,
			"tokens_per_second", g.stats.TokensPerSecond,
		)
	}
	p.setState(g.stats.Result)
	p.metrics.ObserveRun(metrics.Run{
		Outcome:         outcome,
		PromptTokens:    g.stats.PromptTokens,
		GeneratedTokens: g.stats.GeneratedTokens,
		Duration:        g.stats.Duration,
		FirstToken:      g.stats.FirstToken,
		CacheTokens:     g.stats.CacheTokens,
	})

	p.mu.Lock()
	p.stats = g.stats
	p.mu.Unlock()
	p.setState(StateIdle)
	if err != nil {
		return "", err
	}
	return text, nil
}

// generation is the state of one call. It never outlives run.
type generation struct {
	rt       *runtime
	set      settings
	onToken  func(string)
	setState func(State)
	stats    Stats
}

func (g *generation) run(ctx context.Context, prompt func(*runtime) ([]int, error)) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Errorf(errs.KindRuntime, "callm.generate", "panic: %v", rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return "", errs.E(errs.KindRuntime, "callm.generate", err)
	}

	ids, err := prompt(g.rt)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", errs.Errorf(errs.KindRuntime, "callm.generate", "prompt encodes to no tokens")
	}
	g.stats.PromptTokens = len(ids)

	sampler, err := logits.NewSampler(g.set.sampling, g.set.seed)
	if err != nil {
		return "", err
	}
	cache := g.rt.cache
	cache.Reset()
	limit := min(g.rt.model.Config().MaxContext, cache.Capacity())

	start := time.Now()
	scores, err := forward(g.rt, ids, 0)
	if err != nil {
		return "", err
	}

	g.setState(StateDecoding)
	out := newStreamer(g.rt.tok, g.onToken)
	for {
		if err := ctx.Err(); err != nil {
			return "", errs.E(errs.KindRuntime, "callm.generate", err)
		}
		next, err := sampler.Sample(scores)
		if err != nil {
			return "", err
		}
		if g.stats.FirstToken == 0 {
			g.stats.FirstToken = time.Since(start)
		}
		if slices.Contains(g.rt.stops, next) {
			g.stats.Stop = StopEOS
			break
		}
		g.stats.GeneratedTokens++
		if err := out.push(next); err != nil {
			return "", err
		}
		if g.stats.GeneratedTokens >= g.set.maxNew {
			g.stats.Stop = StopMaxTokens
			break
		}
		if cache.Len() >= limit {
			g.stats.Stop = StopContextFull
			break
		}
		if scores, err = forward(g.rt, []int{next}, cache.Len()); err != nil {
			return "", err
		}
		g.stats.DecodeSteps++
	}
	return out.finish()
}

func encode(tok tokenizer.Tokenizer, text string, addSpecial bool) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Errorf(errs.KindTokenizer, "callm.encode", "panic in Encode: %v", rec)
		}
	}()
	ids, err = tok.Encode(text, addSpecial)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	return ids, nil
}

func decode(tok tokenizer.Tokenizer, ids []int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Errorf(errs.KindTokenizer, "callm.decode", "panic in Decode: %v", rec)
		}
	}()
	return tok.Decode(ids, true)
}

func render(rt *runtime, msgs []Message) (prompt string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Errorf(errs.KindTemplate, "callm.render", "panic in template: %v", rec)
		}
	}()
	return rt.tpl.Render(msgs)
}

func forward(rt *runtime, ids []int, pos int) (scores []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Errorf(errs.KindRuntime, "callm.forward", "panic in Forward: %v", rec)
		}
	}()
	scores, err = rt.model.Forward(ids, pos, rt.cache)
	if err != nil {
		return nil, fmt.Errorf("forward at position %d: %w", pos, err)
	}
	return scores, nil
}

// streamer decodes generated ids and hands out text deltas that end on a
// rune boundary. Bytes of an incomplete UTF-8 sequence are held back until
// a later token completes them.
type streamer struct {
	tok     tokenizer.Tokenizer
	emit    func(string)
	ids     []int
	emitted int
}

func newStreamer(tok tokenizer.Tokenizer, emit func(string)) *streamer {
	return &streamer{tok: tok, emit: emit}
}

func (s *streamer) push(id int) error {
	s.ids = append(s.ids, id)
	if s.emit == nil {
		return nil
	}
	text, err := decode(s.tok, s.ids)
	if err != nil {
		return err
	}
	s.flush(text[:completeLen(text)])
	return nil
}

func (s *streamer) flush(text string) {
	// A tokenizer may rewrite earlier text once more ids arrive; only
	// growth past what was already sent is emitted.
	if len(text) > s.emitted {
		s.emit(text[s.emitted:])
		s.emitted = len(text)
	}
}

// finish decodes the whole output and sends any held back tail.
func (s *streamer) finish() (string, error) {
	text, err := decode(s.tok, s.ids)
	if err != nil {
		return "", err
	}
	if s.emit != nil {
		s.flush(text)
	}
	return text, nil
}

// completeLen is the length of s without a trailing partial UTF-8
// sequence.
func completeLen(s string) int {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if !utf8.FullRuneInString(s[i:]) {
				return i
			}
			break
		}
	}
	return len(s)
}

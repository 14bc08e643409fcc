package model

import (
	"fmt"
	"math"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/kvcache"
	"github.com/MistApproach/callm/internal/tensor"
)

type scratchBuffers struct {
	x, tmp   []float32
	q, k, v  []float32
	attnOut  []float32
	attnProj []float32
	scores   []float32
	ffnGate  []float32
	ffnUp    []float32
	ffnOut   []float32
	logits   []float32
}

// decoder is the block shared by every variant: RMSNorm, GQA attention with
// RoPE, residual, RMSNorm, gated FFN, residual; then a final RMSNorm and the
// output head.
type decoder struct {
	cfg     Config
	p       *Params
	ops     Ops
	invFreq []float64
	// qkScale multiplies attention scores; it folds in the yarn factor.
	qkScale float32
	window  int
	// embedScale multiplies the embedding row when non-zero.
	embedScale float32
	// act combines the gate and up projections in place.
	act     func(gate, up []float32)
	scratch scratchBuffers
	pool    *attnPool
}

func newDecoder(cfg Config, p *Params, ops Ops) *decoder {
	invFreq, attnFactor := ropeFrequencies(cfg)
	if len(p.RopeFreqs) == len(invFreq) {
		for i, f := range p.RopeFreqs {
			if f != 0 {
				invFreq[i] /= float64(f)
			}
		}
	}
	d := &decoder{
		cfg:     cfg,
		p:       p,
		ops:     ops,
		invFreq: invFreq,
		act:     tensor.SwiGLU,
		qkScale: float32(attnFactor * attnFactor / math.Sqrt(float64(cfg.HeadDim))),
	}
	threads := 0
	if t, ok := ops.(threaded); ok {
		threads = t.Threads()
	}
	d.pool = newAttnPool(workerCount(threads, cfg.Heads), cfg.MaxContext)
	d.scratch = scratchBuffers{
		x:        make([]float32, cfg.HiddenSize),
		tmp:      make([]float32, cfg.HiddenSize),
		q:        make([]float32, cfg.QDim()),
		k:        make([]float32, cfg.KVDim()),
		v:        make([]float32, cfg.KVDim()),
		attnOut:  make([]float32, cfg.QDim()),
		attnProj: make([]float32, cfg.HiddenSize),
		scores:   make([]float32, cfg.MaxContext),
		ffnGate:  make([]float32, cfg.IntermediateSize),
		ffnUp:    make([]float32, cfg.IntermediateSize),
		ffnOut:   make([]float32, cfg.HiddenSize),
		logits:   make([]float32, cfg.VocabSize),
	}
	return d
}

func (d *decoder) Config() Config { return d.cfg }

func (d *decoder) NewCache() *kvcache.Cache {
	c, err := kvcache.New(d.cfg.Layers, d.cfg.KVDim(), d.cfg.MaxContext)
	if err != nil {
		// The config was validated in New.
		panic(err)
	}
	return c
}

// Close stops the attention workers.
func (d *decoder) Close() { d.pool.close() }

// Forward runs tokens through the model one position at a time.
func (d *decoder) Forward(tokens []int, pos int, cache *kvcache.Cache) ([]float32, error) {
	const op = "model.Forward"
	if len(tokens) == 0 {
		return nil, errs.Errorf(errs.KindRuntime, op, "no tokens")
	}
	if cache == nil || cache.Layers() != d.cfg.Layers || cache.KVDim() != d.cfg.KVDim() {
		return nil, errs.Errorf(errs.KindRuntime, op, "cache does not match model shape")
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= d.cfg.VocabSize {
			return nil, errs.Errorf(errs.KindRuntime, op, "token id %d out of range [0,%d)", tok, d.cfg.VocabSize)
		}
	}
	if err := cache.Check(); err != nil {
		return nil, err
	}
	if n := cache.Len(); pos != n {
		return nil, errs.Errorf(errs.KindRuntime, op, "position %d does not follow cache length %d", pos, n)
	}
	limit := min(d.cfg.MaxContext, cache.Capacity())
	if pos+len(tokens) > limit {
		return nil, errs.E(errs.KindRuntime, op,
			fmt.Errorf("%w: %d+%d positions > %d", errs.ErrContextOverflow, pos, len(tokens), limit))
	}

	for i, tok := range tokens {
		if err := d.step(tok, pos+i, cache); err != nil {
			return nil, err
		}
	}
	if err := cache.Check(); err != nil {
		return nil, err
	}

	s := &d.scratch
	tensor.RMSNorm(s.tmp, s.x, d.p.Norm, float32(d.cfg.RMSNormEps))
	d.ops.MatVec(s.logits, d.p.Output, s.tmp)
	return s.logits, nil
}

// step advances the residual stream in scratch.x by one position.
func (d *decoder) step(tok, pos int, cache *kvcache.Cache) error {
	s := &d.scratch
	eps := float32(d.cfg.RMSNormEps)
	d.p.Embedding.RowTo(s.x, tok)
	if d.embedScale != 0 {
		tensor.Scale(s.x, d.embedScale)
	}

	for l := range d.p.Layers {
		layer := &d.p.Layers[l]

		tensor.RMSNorm(s.tmp, s.x, layer.AttnNorm, eps)
		out, err := d.attention(l, layer, s.tmp, pos, cache)
		if err != nil {
			return err
		}
		tensor.Add(s.x, out)

		tensor.RMSNorm(s.tmp, s.x, layer.FFNNorm, eps)
		tensor.Add(s.x, d.ffn(layer, s.tmp))
	}
	return nil
}

func (d *decoder) attention(l int, layer *Layer, x []float32, pos int, cache *kvcache.Cache) ([]float32, error) {
	s := &d.scratch
	cfg := d.cfg

	d.ops.MatVec(s.q, layer.Wq, x)
	d.ops.MatVec(s.k, layer.Wk, x)
	d.ops.MatVec(s.v, layer.Wv, x)
	if layer.Bq != nil {
		tensor.Add(s.q, layer.Bq)
	}
	if layer.Bk != nil {
		tensor.Add(s.k, layer.Bk)
	}
	if layer.Bv != nil {
		tensor.Add(s.v, layer.Bv)
	}

	tensor.ApplyRoPE(s.q, cfg.Heads, cfg.HeadDim, pos, d.invFreq, cfg.RopeStyle)
	tensor.ApplyRoPE(s.k, cfg.KVHeads, cfg.HeadDim, pos, d.invFreq, cfg.RopeStyle)

	if err := cache.Append(l, s.k, s.v); err != nil {
		return nil, err
	}

	start := 0
	if d.window > 0 {
		start = max(pos-d.window+1, 0)
	}
	ctx := attnContext{
		q:        s.q,
		cacheK:   cache.Keys(l),
		cacheV:   cache.Values(l),
		attnOut:  s.attnOut,
		pos:      pos,
		start:    start,
		kvStride: cfg.KVDim(),
		headDim:  cfg.HeadDim,
		nHead:    cfg.Heads,
		kvHeads:  cfg.KVHeads,
		scale:    d.qkScale,
	}
	d.pool.run(&ctx, s.scores)

	d.ops.MatVec(s.attnProj, layer.Wo, s.attnOut)
	return s.attnProj, nil
}

func (d *decoder) ffn(layer *Layer, x []float32) []float32 {
	s := &d.scratch
	d.ops.MatVec(s.ffnGate, layer.Gate, x)
	d.ops.MatVec(s.ffnUp, layer.Up, x)
	d.act(s.ffnGate, s.ffnUp)
	d.ops.MatVec(s.ffnOut, layer.Down, s.ffnGate)
	return s.ffnOut
}

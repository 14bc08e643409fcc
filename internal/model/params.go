package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/tensor"
)

// Layer holds the weights of one decoder block. Matrices are stored
// row-major as [out, in].
type Layer struct {
	AttnNorm []float32
	Wq       *tensor.Mat
	Wk       *tensor.Mat
	Wv       *tensor.Mat
	Wo       *tensor.Mat
	// Bq, Bk and Bv are nil unless the checkpoint has projection biases.
	Bq []float32
	Bk []float32
	Bv []float32

	FFNNorm []float32
	Gate    *tensor.Mat
	Up      *tensor.Mat
	Down    *tensor.Mat
}

// Params is the full parameter bundle of a model. It is read-only once
// loaded and may back several model instances.
type Params struct {
	Embedding *tensor.Mat
	Layers    []Layer
	Norm      []float32
	// Output aliases Embedding when the checkpoint ties them.
	Output *tensor.Mat
	// RopeFreqs, when set, divides the rotary inverse frequencies.
	RopeFreqs []float32
}

// Bytes is the memory held by the weight matrices.
func (p *Params) Bytes() int {
	total := p.Embedding.Bytes()
	if p.Output != p.Embedding {
		total += p.Output.Bytes()
	}
	for i := range p.Layers {
		l := &p.Layers[i]
		for _, m := range []*tensor.Mat{l.Wq, l.Wk, l.Wv, l.Wo, l.Gate, l.Up, l.Down} {
			total += m.Bytes()
		}
	}
	return total
}

// ErrTensorNotFound is returned by a Source for a name it does not hold.
var ErrTensorNotFound = errors.New("tensor not found")

// Source reads named tensors from a checkpoint.
type Source interface {
	// Mat returns a 2-D tensor as [rows, cols] stored in dtype.
	Mat(name string, dtype tensor.DType) (*tensor.Mat, error)
	// Vec returns a 1-D tensor decoded to float32.
	Vec(name string) ([]float32, error)
	Has(name string) bool
}

// LoadOptions controls LoadParams.
type LoadOptions struct {
	// DType is the storage precision of weight matrices.
	DType tensor.DType
	// Progress is called after every tensor with the number done so far.
	Progress func(done, total int)
}

// LoadParams reads every parameter cfg needs from src and checks its shape.
// ctx is checked between tensors.
func LoadParams(ctx context.Context, cfg Config, src Source, opts LoadOptions) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	names := NamesFor(cfg.Format)
	l := &paramLoader{ctx: ctx, cfg: cfg, src: src, opts: opts, names: names}
	tied := cfg.TieEmbeddings || !src.Has(names.Output)
	hasFreqs := names.RopeFreqs != "" && src.Has(names.RopeFreqs)
	l.total = 2 + cfg.Layers*9
	if !tied {
		l.total++
	}
	if hasFreqs {
		l.total++
	}
	for i := range cfg.Layers {
		for _, b := range []string{names.QBias, names.KBias, names.VBias} {
			if src.Has(names.Layer(b, i)) {
				l.total++
			}
		}
	}

	p := &Params{Layers: make([]Layer, cfg.Layers)}
	p.Embedding = l.mat(names.Embedding, cfg.VocabSize, cfg.HiddenSize)
	p.Norm = l.vec(names.Norm, cfg.HiddenSize)
	if tied {
		p.Output = p.Embedding
	} else {
		p.Output = l.mat(names.Output, cfg.VocabSize, cfg.HiddenSize)
	}
	if hasFreqs {
		p.RopeFreqs = l.vec(names.RopeFreqs, cfg.HeadDim/2)
	}

	for i := range p.Layers {
		l.layer(&p.Layers[i], i)
		if l.err != nil {
			break
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	if cfg.Arch == ArchGemma && cfg.Format == FormatSafetensors {
		// GGUF converters already fold the 1 into the stored weights.
		p.Norm = unitOffset(p.Norm)
		for i := range p.Layers {
			p.Layers[i].AttnNorm = unitOffset(p.Layers[i].AttnNorm)
			p.Layers[i].FFNNorm = unitOffset(p.Layers[i].FFNNorm)
		}
	}
	return p, nil
}

// unitOffset returns 1+w. Gemma stores RMSNorm weights as offsets from 1.
func unitOffset(w []float32) []float32 {
	out := make([]float32, len(w))
	for i, v := range w {
		out[i] = 1 + v
	}
	return out
}

// paramLoader keeps the first error so the load sequence reads straight.
type paramLoader struct {
	ctx   context.Context
	cfg   Config
	src   Source
	opts  LoadOptions
	names TensorNames
	done  int
	total int
	err   error
}

func (l *paramLoader) step() bool {
	if l.err != nil {
		return false
	}
	if err := l.ctx.Err(); err != nil {
		l.err = errs.E(errs.KindLoad, "model.LoadParams", err)
		return false
	}
	return true
}

func (l *paramLoader) progress() {
	l.done++
	if l.opts.Progress != nil {
		l.opts.Progress(l.done, l.total)
	}
}

func (l *paramLoader) fail(name string, err error) {
	l.err = errs.E(errs.KindLoad, "model.LoadParams", fmt.Errorf("%s: %w", name, err))
}

func (l *paramLoader) mat(name string, rows, cols int) *tensor.Mat {
	if !l.step() {
		return nil
	}
	m, err := l.src.Mat(name, l.opts.DType)
	if err != nil {
		l.fail(name, err)
		return nil
	}
	if m.R != rows || m.C != cols {
		l.fail(name, fmt.Errorf("shape [%d %d], want [%d %d]", m.R, m.C, rows, cols))
		return nil
	}
	l.progress()
	return m
}

func (l *paramLoader) vec(name string, n int) []float32 {
	if !l.step() {
		return nil
	}
	v, err := l.src.Vec(name)
	if err != nil {
		l.fail(name, err)
		return nil
	}
	if len(v) != n {
		l.fail(name, fmt.Errorf("length %d, want %d", len(v), n))
		return nil
	}
	l.progress()
	return v
}

func (l *paramLoader) optionalVec(name string, n int) []float32 {
	if l.err != nil || !l.src.Has(name) {
		return nil
	}
	return l.vec(name, n)
}

func (l *paramLoader) layer(dst *Layer, i int) {
	cfg, n := l.cfg, l.names
	hidden, qDim, kvDim, ff := cfg.HiddenSize, cfg.QDim(), cfg.KVDim(), cfg.IntermediateSize

	dst.AttnNorm = l.vec(n.Layer(n.AttnNorm, i), hidden)
	if cfg.Arch == ArchPhi3 {
		qkv := l.mat(n.Layer(n.QKV, i), qDim+2*kvDim, hidden)
		if qkv != nil {
			dst.Wq, dst.Wk, dst.Wv = SplitQKV(qkv, qDim, kvDim)
			l.progress()
			l.progress()
		}
	} else {
		dst.Wq = l.mat(n.Layer(n.Q, i), qDim, hidden)
		dst.Wk = l.mat(n.Layer(n.K, i), kvDim, hidden)
		dst.Wv = l.mat(n.Layer(n.V, i), kvDim, hidden)
	}
	dst.Wo = l.mat(n.Layer(n.O, i), hidden, qDim)

	dst.Bq = l.optionalVec(n.Layer(n.QBias, i), qDim)
	dst.Bk = l.optionalVec(n.Layer(n.KBias, i), kvDim)
	dst.Bv = l.optionalVec(n.Layer(n.VBias, i), kvDim)
	if l.err == nil && cfg.Arch == ArchQwen2 && (dst.Bq == nil || dst.Bk == nil || dst.Bv == nil) {
		l.fail(n.Layer(n.QBias, i), errors.New("qwen2 requires q/k/v projection biases"))
	}

	dst.FFNNorm = l.vec(n.Layer(n.FFNNorm, i), hidden)
	if cfg.Arch == ArchPhi3 {
		gateUp := l.mat(n.Layer(n.GateUp, i), 2*ff, hidden)
		if gateUp != nil {
			dst.Gate, dst.Up = SplitGateUp(gateUp, ff)
			l.progress()
		}
	} else {
		dst.Gate = l.mat(n.Layer(n.Gate, i), ff, hidden)
		dst.Up = l.mat(n.Layer(n.Up, i), ff, hidden)
	}
	dst.Down = l.mat(n.Layer(n.Down, i), hidden, ff)
}

// SplitQKV splits a fused [q; k; v] projection into row views.
func SplitQKV(qkv *tensor.Mat, qDim, kvDim int) (q, k, v *tensor.Mat) {
	qm := qkv.Rows(0, qDim)
	km := qkv.Rows(qDim, qDim+kvDim)
	vm := qkv.Rows(qDim+kvDim, qDim+2*kvDim)
	return &qm, &km, &vm
}

// SplitGateUp splits a fused [gate; up] projection into row views.
func SplitGateUp(gateUp *tensor.Mat, ff int) (gate, up *tensor.Mat) {
	g := gateUp.Rows(0, ff)
	u := gateUp.Rows(ff, 2*ff)
	return &g, &u
}

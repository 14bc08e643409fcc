// Package model runs decoder-only transformers (Llama, Mistral, Phi3,
// Qwen2, Gemma) one position at a time against an explicit KV cache.
package model

import (
	"math"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/kvcache"
	"github.com/MistApproach/callm/internal/tensor"
)

// Ops is the compute capability a backend provides to the forward pass.
type Ops interface {
	MatVec(dst []float32, w *tensor.Mat, x []float32)
}

// threaded is implemented by Ops that run on a fixed number of workers.
// The attention heads are split across the same count.
type threaded interface {
	Threads() int
}

type defaultOps struct{}

func (defaultOps) MatVec(dst []float32, w *tensor.Mat, x []float32) {
	tensor.MatVec(dst, w, x)
}

// Model represents a generative language model capable of autoregressive
// inference. Implementations keep scratch buffers and must not be driven by
// two goroutines at once.
type Model interface {
	// Forward appends tokens at positions pos, pos+1, ... to cache and
	// returns the logits after the last one. pos must equal cache.Len().
	// The returned slice is overwritten by the next call.
	Forward(tokens []int, pos int, cache *kvcache.Cache) ([]float32, error)
	Config() Config
	// NewCache returns an empty cache sized for Config().MaxContext.
	NewCache() *kvcache.Cache
	Close()
}

// Llama is the plain pre-norm decoder.
type Llama struct{ *decoder }

// Mistral restricts attention to the last SlidingWindow positions when the
// checkpoint declares a window.
type Mistral struct{ *decoder }

// Phi3 loads fused qkv and gate_up projections, split into row views by
// LoadParams.
type Phi3 struct{ *decoder }

// Qwen2 adds biases to the q, k and v projections.
type Qwen2 struct{ *decoder }

// Gemma scales embeddings by sqrt(hidden) and gates the FFN with tanh
// GELU. Its norm weights are stored as offsets from 1 in safetensors;
// LoadParams adds the 1 back. Gemma2 checkpoints run through the same
// block without the post-norms and logit soft-capping.
type Gemma struct{ *decoder }

// New builds the variant for cfg.Arch over params. A nil ops uses the
// package worker pool.
func New(cfg Config, params *Params, ops Ops) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ops == nil {
		ops = defaultOps{}
	}
	if err := checkParams(cfg, params); err != nil {
		return nil, err
	}
	d := newDecoder(cfg, params, ops)
	switch cfg.Arch {
	case ArchMistral:
		d.window = cfg.SlidingWindow
		return Mistral{d}, nil
	case ArchPhi3:
		return Phi3{d}, nil
	case ArchQwen2:
		if missingBias(params) {
			d.Close()
			return nil, errs.Errorf(errs.KindRuntime, "model.New", "qwen2 requires q/k/v projection biases")
		}
		return Qwen2{d}, nil
	case ArchGemma:
		d.embedScale = float32(math.Sqrt(float64(cfg.HiddenSize)))
		d.act = tensor.GeGLU
		return Gemma{d}, nil
	default:
		return Llama{d}, nil
	}
}

func missingBias(p *Params) bool {
	for i := range p.Layers {
		l := &p.Layers[i]
		if l.Bq == nil || l.Bk == nil || l.Bv == nil {
			return true
		}
	}
	return false
}

func checkParams(cfg Config, p *Params) error {
	const op = "model.New"
	if p == nil || p.Embedding == nil || p.Output == nil {
		return errs.Errorf(errs.KindRuntime, op, "incomplete parameter bundle")
	}
	if len(p.Layers) != cfg.Layers {
		return errs.Errorf(errs.KindRuntime, op, "%d layers, config wants %d", len(p.Layers), cfg.Layers)
	}
	hidden, qDim, kvDim, ff := cfg.HiddenSize, cfg.QDim(), cfg.KVDim(), cfg.IntermediateSize
	shape := func(name string, m *tensor.Mat, r, c int) error {
		if m == nil || m.R != r || m.C != c {
			return errs.Errorf(errs.KindRuntime, op, "%s: shape mismatch, want [%d %d]", name, r, c)
		}
		return nil
	}
	length := func(name string, v []float32, n int) error {
		if v != nil && len(v) != n {
			return errs.Errorf(errs.KindRuntime, op, "%s: length %d, want %d", name, len(v), n)
		}
		return nil
	}
	checks := []error{
		shape("embedding", p.Embedding, cfg.VocabSize, hidden),
		shape("output", p.Output, cfg.VocabSize, hidden),
		length("norm", p.Norm, hidden),
		length("rope_freqs", p.RopeFreqs, cfg.HeadDim/2),
	}
	if p.Norm == nil {
		checks = append(checks, errs.Errorf(errs.KindRuntime, op, "missing final norm"))
	}
	for i := range p.Layers {
		l := &p.Layers[i]
		checks = append(checks,
			shape("wq", l.Wq, qDim, hidden),
			shape("wk", l.Wk, kvDim, hidden),
			shape("wv", l.Wv, kvDim, hidden),
			shape("wo", l.Wo, hidden, qDim),
			shape("gate", l.Gate, ff, hidden),
			shape("up", l.Up, ff, hidden),
			shape("down", l.Down, hidden, ff),
			length("bq", l.Bq, qDim),
			length("bk", l.Bk, kvDim),
			length("bv", l.Bv, kvDim),
		)
		if len(l.AttnNorm) != hidden || len(l.FFNNorm) != hidden {
			checks = append(checks, errs.Errorf(errs.KindRuntime, op, "layer %d: norm length mismatch", i))
		}
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

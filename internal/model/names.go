package model

import "fmt"

// TensorNames maps parameters to checkpoint tensor names. Per-layer entries
// are format strings taking the layer index.
type TensorNames struct {
	Embedding string
	Norm      string
	Output    string
	// RopeFreqs holds per-dimension frequency divisors baked in by llama.cpp
	// for llama3 scaling. Optional.
	RopeFreqs string

	AttnNorm string
	Q        string
	K        string
	V        string
	O        string
	QBias    string
	KBias    string
	VBias    string
	// QKV and GateUp are the fused projections of Phi3.
	QKV    string
	GateUp string

	FFNNorm string
	Gate    string
	Up      string
	Down    string
}

var hfNames = TensorNames{
	Embedding: "model.embed_tokens.weight",
	Norm:      "model.norm.weight",
	Output:    "lm_head.weight",

	AttnNorm: "model.layers.%d.input_layernorm.weight",
	Q:        "model.layers.%d.self_attn.q_proj.weight",
	K:        "model.layers.%d.self_attn.k_proj.weight",
	V:        "model.layers.%d.self_attn.v_proj.weight",
	O:        "model.layers.%d.self_attn.o_proj.weight",
	QBias:    "model.layers.%d.self_attn.q_proj.bias",
	KBias:    "model.layers.%d.self_attn.k_proj.bias",
	VBias:    "model.layers.%d.self_attn.v_proj.bias",
	QKV:      "model.layers.%d.self_attn.qkv_proj.weight",
	GateUp:   "model.layers.%d.mlp.gate_up_proj.weight",

	FFNNorm: "model.layers.%d.post_attention_layernorm.weight",
	Gate:    "model.layers.%d.mlp.gate_proj.weight",
	Up:      "model.layers.%d.mlp.up_proj.weight",
	Down:    "model.layers.%d.mlp.down_proj.weight",
}

var ggufNames = TensorNames{
	Embedding: "token_embd.weight",
	Norm:      "output_norm.weight",
	Output:    "output.weight",
	RopeFreqs: "rope_freqs.weight",

	AttnNorm: "blk.%d.attn_norm.weight",
	Q:        "blk.%d.attn_q.weight",
	K:        "blk.%d.attn_k.weight",
	V:        "blk.%d.attn_v.weight",
	O:        "blk.%d.attn_output.weight",
	QBias:    "blk.%d.attn_q.bias",
	KBias:    "blk.%d.attn_k.bias",
	VBias:    "blk.%d.attn_v.bias",
	QKV:      "blk.%d.attn_qkv.weight",
	// llama.cpp stores the fused Phi3 gate/up projection under ffn_up.
	GateUp: "blk.%d.ffn_up.weight",

	FFNNorm: "blk.%d.ffn_norm.weight",
	Gate:    "blk.%d.ffn_gate.weight",
	Up:      "blk.%d.ffn_up.weight",
	Down:    "blk.%d.ffn_down.weight",
}

// NamesFor returns the tensor names used by checkpoints in format f.
func NamesFor(f Format) TensorNames {
	if f == FormatGGUF {
		return ggufNames
	}
	return hfNames
}

// Layer formats a per-layer pattern.
func (TensorNames) Layer(pattern string, layer int) string {
	return fmt.Sprintf(pattern, layer)
}

package fixture

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

// TinyModel describes a small checkpoint with seeded random weights and a
// byte-level BPE tokenizer. It can be written as a Hugging Face directory or
// as a single GGUF file carrying the same weights.
type TinyModel struct {
	// Arch is the HF model_type: llama, mistral, phi3, qwen2 or gemma.
	Arch       string
	Hidden     int
	FF         int
	Layers     int
	Heads      int
	KVHeads    int
	MaxContext int
	// HeadDim overrides Hidden/Heads when > 0 and is written to the config.
	HeadDim int
	// SlidingWindow is written for mistral when > 0.
	SlidingWindow int
	Tied          bool
	Seed          int64

	Merges   [][2]string
	Specials []string
	BOS      string
	EOS      string
	// ExtraEOS go to generation_config.json as further eos ids.
	ExtraEOS     []string
	AddBOS       bool
	ChatTemplate string
}

// NewTinyModel returns a two-layer GQA model of the given architecture.
func NewTinyModel(arch string) TinyModel {
	m := TinyModel{
		Arch:       arch,
		Hidden:     16,
		FF:         24,
		Layers:     2,
		Heads:      4,
		KVHeads:    2,
		MaxContext: 64,
		Seed:       1,
		Merges:     [][2]string{{"h", "e"}, {"l", "l"}, {"o", "Ġ"}, {"he", "ll"}},
		Specials:   []string{"<s>", "</s>", "<|eot|>"},
		BOS:        "<s>",
		EOS:        "</s>",
		AddBOS:     true,
	}
	if arch == "gemma" {
		m.HeadDim = 8
		m.Tied = true
	}
	return m
}

// Tokens lists the vocabulary in id order.
func (m TinyModel) Tokens() []string { return ByteLevelVocab(m.Merges, m.Specials) }

// VocabSize is the number of tokens and the number of embedding rows.
func (m TinyModel) VocabSize() int { return len(m.Tokens()) }

// TokenID returns the id of tok, or -1.
func (m TinyModel) TokenID(tok string) int { return slices.Index(m.Tokens(), tok) }

func (m TinyModel) headDim() int {
	if m.HeadDim > 0 {
		return m.HeadDim
	}
	return m.Hidden / m.Heads
}

var hfArchNames = map[string]string{
	"llama":   "LlamaForCausalLM",
	"mistral": "MistralForCausalLM",
	"phi3":    "Phi3ForCausalLM",
	"qwen2":   "Qwen2ForCausalLM",
	"gemma":   "Gemma2ForCausalLM",
}

type tinyTensor struct {
	hf, gguf string
	shape    []int
	data     []float32
	// ropeHeads is set on q and k projections, which GGUF llama stores
	// with interleaved rotary rows.
	ropeHeads int
}

// weights generates every tensor in a fixed order so both formats carry
// identical values.
func (m TinyModel) weights() []tinyTensor {
	rng := rand.New(rand.NewSource(m.Seed))
	vocab, hidden, ff := m.VocabSize(), m.Hidden, m.FF
	qDim, kvDim := m.Heads*m.headDim(), m.KVHeads*m.headDim()
	mat := func(hf, gguf string, r, c int) tinyTensor {
		data := make([]float32, r*c)
		for i := range data {
			data[i] = (rng.Float32() - 0.5) * 0.5
		}
		return tinyTensor{hf: hf, gguf: gguf, shape: []int{r, c}, data: data}
	}
	vec := func(hf, gguf string, n int, base float32) tinyTensor {
		data := make([]float32, n)
		for i := range data {
			data[i] = base + (rng.Float32()-0.5)*0.1
		}
		return tinyTensor{hf: hf, gguf: gguf, shape: []int{n}, data: data}
	}

	// Gemma safetensors store norm weights as offsets from 1.
	var norm float32 = 1
	if m.Arch == "gemma" {
		norm = 0
	}
	out := []tinyTensor{
		mat("model.embed_tokens.weight", "token_embd.weight", vocab, hidden),
		vec("model.norm.weight", "output_norm.weight", hidden, norm),
	}
	if !m.Tied {
		out = append(out, mat("lm_head.weight", "output.weight", vocab, hidden))
	}
	for l := range m.Layers {
		hf := func(s string) string { return fmt.Sprintf("model.layers.%d.%s", l, s) }
		gg := func(s string) string { return fmt.Sprintf("blk.%d.%s", l, s) }
		out = append(out,
			vec(hf("input_layernorm.weight"), gg("attn_norm.weight"), hidden, norm),
			vec(hf("post_attention_layernorm.weight"), gg("ffn_norm.weight"), hidden, norm),
			mat(hf("self_attn.o_proj.weight"), gg("attn_output.weight"), hidden, qDim),
			mat(hf("mlp.down_proj.weight"), gg("ffn_down.weight"), hidden, ff),
		)
		if m.Arch == "phi3" {
			out = append(out,
				mat(hf("self_attn.qkv_proj.weight"), gg("attn_qkv.weight"), qDim+2*kvDim, hidden),
				mat(hf("mlp.gate_up_proj.weight"), gg("ffn_up.weight"), 2*ff, hidden),
			)
			continue
		}
		q := mat(hf("self_attn.q_proj.weight"), gg("attn_q.weight"), qDim, hidden)
		k := mat(hf("self_attn.k_proj.weight"), gg("attn_k.weight"), kvDim, hidden)
		q.ropeHeads, k.ropeHeads = m.Heads, m.KVHeads
		out = append(out, q, k,
			mat(hf("self_attn.v_proj.weight"), gg("attn_v.weight"), kvDim, hidden),
			mat(hf("mlp.gate_proj.weight"), gg("ffn_gate.weight"), ff, hidden),
			mat(hf("mlp.up_proj.weight"), gg("ffn_up.weight"), ff, hidden),
		)
		if m.Arch == "qwen2" {
			out = append(out,
				vec(hf("self_attn.q_proj.bias"), gg("attn_q.bias"), qDim, 0),
				vec(hf("self_attn.k_proj.bias"), gg("attn_k.bias"), kvDim, 0),
				vec(hf("self_attn.v_proj.bias"), gg("attn_v.bias"), kvDim, 0),
			)
		}
	}
	return out
}

// WriteHF writes config.json, tokenizer files and the weights to dir in
// dtype (F32, F16 or BF16). With shards > 1 the weights are split across
// that many files plus model.safetensors.index.json.
func (m TinyModel) WriteHF(dir, dtype string, shards int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := map[string][]byte{
		"config.json":           m.configJSON(),
		"tokenizer.json":        ByteLevelTokenizerJSON(m.Merges, m.Specials, ""),
		"tokenizer_config.json": TokenizerConfigJSON(m.AddBOS, m.BOS, m.EOS, m.ChatTemplate),
	}
	if len(m.ExtraEOS) > 0 {
		ids := []int{m.TokenID(m.EOS)}
		for _, tok := range m.ExtraEOS {
			ids = append(ids, m.TokenID(tok))
		}
		files["generation_config.json"] = mustJSON(map[string]any{"eos_token_id": ids})
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}

	encode := map[string]func([]float32) []byte{"F32": F32Bytes, "F16": F16Bytes, "BF16": BF16Bytes}[dtype]
	if encode == nil {
		return fmt.Errorf("unsupported dtype %q", dtype)
	}
	weights := m.weights()
	shards = max(shards, 1)
	if shards == 1 {
		sts := make([]STTensor, len(weights))
		for i, w := range weights {
			sts[i] = STTensor{Name: w.hf, DType: dtype, Shape: w.shape, Data: encode(w.data)}
		}
		return WriteSafetensors(filepath.Join(dir, "model.safetensors"), sts)
	}

	weightMap := make(map[string]string, len(weights))
	per := (len(weights) + shards - 1) / shards
	for s := range shards {
		name := fmt.Sprintf("model-%05d-of-%05d.safetensors", s+1, shards)
		var sts []STTensor
		for _, w := range weights[min(s*per, len(weights)):min((s+1)*per, len(weights))] {
			sts = append(sts, STTensor{Name: w.hf, DType: dtype, Shape: w.shape, Data: encode(w.data)})
			weightMap[w.hf] = name
		}
		if err := WriteSafetensors(filepath.Join(dir, name), sts); err != nil {
			return err
		}
	}
	index := mustJSON(map[string]any{"metadata": map[string]any{}, "weight_map": weightMap})
	return os.WriteFile(filepath.Join(dir, "model.safetensors.index.json"), index, 0o644)
}

func (m TinyModel) configJSON() []byte {
	cfg := map[string]any{
		"architectures":           []string{hfArchNames[m.Arch]},
		"model_type":              m.Arch,
		"vocab_size":              m.VocabSize(),
		"hidden_size":             m.Hidden,
		"intermediate_size":       m.FF,
		"num_hidden_layers":       m.Layers,
		"num_attention_heads":     m.Heads,
		"num_key_value_heads":     m.KVHeads,
		"max_position_embeddings": m.MaxContext,
		"rms_norm_eps":            1e-5,
		"rope_theta":              10000.0,
		"tie_word_embeddings":     m.Tied,
		"bos_token_id":            m.TokenID(m.BOS),
		"eos_token_id":            m.TokenID(m.EOS),
	}
	if m.Arch == "mistral" && m.SlidingWindow > 0 {
		cfg["sliding_window"] = m.SlidingWindow
	}
	if m.HeadDim > 0 {
		cfg["head_dim"] = m.HeadDim
	}
	if m.Arch == "gemma" {
		cfg["hidden_activation"] = "gelu_pytorch_tanh"
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

// WriteGGUF writes the model as one GGUF file. Matrices are stored as
// ttype (GGMLF32, GGMLF16, GGMLQ8_0 or GGMLQ4_0); vectors, and matrices
// whose rows are not a multiple of 32 under a block format, stay F32.
// For llama and mistral the q and k rows are permuted the way llama.cpp's
// converter does, so the file runs with interleaved RoPE. Gemma norm weights
// are written with the 1 folded in, as llama.cpp does.
func (m TinyModel) WriteGGUF(path string, ttype uint32) error {
	encode := map[uint32]func([]float32) []byte{
		GGMLF32: F32Bytes, GGMLF16: F16Bytes, GGMLQ8_0: Q80Bytes, GGMLQ4_0: Q40Bytes,
	}[ttype]
	if encode == nil {
		return fmt.Errorf("unsupported tensor type %d", ttype)
	}
	arch := m.Arch
	tokens := m.Tokens()
	types := make([]int32, len(tokens))
	for i := range types {
		types[i] = 1
	}
	for _, s := range m.Specials {
		types[m.TokenID(s)] = 3
	}
	kvs := []KV{
		{Key: "general.architecture", Value: arch},
		{Key: "general.name", Value: "tiny-" + arch},
		{Key: arch + ".vocab_size", Value: uint32(len(tokens))},
		{Key: arch + ".embedding_length", Value: uint32(m.Hidden)},
		{Key: arch + ".feed_forward_length", Value: uint32(m.FF)},
		{Key: arch + ".block_count", Value: uint32(m.Layers)},
		{Key: arch + ".attention.head_count", Value: uint32(m.Heads)},
		{Key: arch + ".attention.head_count_kv", Value: uint32(m.KVHeads)},
		{Key: arch + ".context_length", Value: uint32(m.MaxContext)},
		{Key: arch + ".attention.layer_norm_rms_epsilon", Value: float32(1e-5)},
		{Key: arch + ".rope.freq_base", Value: float32(10000)},
		{Key: "tokenizer.ggml.model", Value: "gpt2"},
		{Key: "tokenizer.ggml.tokens", Value: tokens},
		{Key: "tokenizer.ggml.merges", Value: mergeStrings(m.Merges)},
		{Key: "tokenizer.ggml.token_type", Value: types},
		{Key: "tokenizer.ggml.bos_token_id", Value: uint32(m.TokenID(m.BOS))},
		{Key: "tokenizer.ggml.eos_token_id", Value: uint32(m.TokenID(m.EOS))},
		{Key: "tokenizer.ggml.add_bos_token", Value: m.AddBOS},
	}
	if arch == "mistral" && m.SlidingWindow > 0 {
		kvs = append(kvs, KV{Key: arch + ".attention.sliding_window", Value: uint32(m.SlidingWindow)})
	}
	if m.HeadDim > 0 {
		kvs = append(kvs,
			KV{Key: arch + ".attention.key_length", Value: uint32(m.HeadDim)},
			KV{Key: arch + ".attention.value_length", Value: uint32(m.HeadDim)},
		)
	}
	if m.ChatTemplate != "" {
		kvs = append(kvs, KV{Key: "tokenizer.chat_template", Value: m.ChatTemplate})
	}

	interleave := arch == "llama" || arch == "mistral"
	var tensors []GGUFTensor
	for _, w := range m.weights() {
		data := w.data
		if interleave && w.ropeHeads > 0 {
			data = permuteRotary(data, w.ropeHeads, m.headDim(), m.Hidden)
		}
		if arch == "gemma" && strings.HasSuffix(w.gguf, "norm.weight") {
			data = make([]float32, len(w.data))
			for i, v := range w.data {
				data[i] = 1 + v
			}
		}
		t := GGUFTensor{Name: w.gguf, Type: GGMLF32, Data: F32Bytes(data)}
		if len(w.shape) == 2 {
			t.Dims = []uint64{uint64(w.shape[1]), uint64(w.shape[0])}
			// Block formats quantize whole rows of 32.
			if ttype == GGMLF16 || w.shape[1]%32 == 0 {
				t.Type, t.Data = ttype, encode(data)
			}
		} else {
			t.Dims = []uint64{uint64(w.shape[0])}
		}
		tensors = append(tensors, t)
	}
	return WriteGGUF(path, kvs, tensors)
}

// permuteRotary reorders each head's rows from rotate-half layout (first
// half, second half) to interleaved pairs.
func permuteRotary(data []float32, heads, headDim, cols int) []float32 {
	out := make([]float32, len(data))
	half := headDim / 2
	for h := range heads {
		for i := range half {
			for j := range 2 {
				src := h*headDim + j*half + i
				dst := h*headDim + 2*i + j
				copy(out[dst*cols:(dst+1)*cols], data[src*cols:(src+1)*cols])
			}
		}
	}
	return out
}

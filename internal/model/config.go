package model

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/internal/tensor"
)

// Arch names a supported decoder variant.
type Arch string

const (
	ArchLlama   Arch = "llama"
	ArchMistral Arch = "mistral"
	ArchPhi3    Arch = "phi3"
	ArchQwen2   Arch = "qwen2"
	ArchGemma   Arch = "gemma"
)

// Format records where the weights came from. It decides tensor names and
// the default RoPE layout.
type Format uint8

const (
	FormatSafetensors Format = iota
	FormatGGUF
)

func (f Format) String() string {
	if f == FormatGGUF {
		return "gguf"
	}
	return "safetensors"
}

// Config is the shape and hyperparameters of a model.
type Config struct {
	Arch   Arch
	Format Format

	VocabSize        int
	HiddenSize       int
	IntermediateSize int
	Layers           int
	Heads            int
	KVHeads          int
	HeadDim          int
	// MaxContext is the number of positions a run may use.
	MaxContext int

	RMSNormEps  float64
	RopeTheta   float64
	RopeStyle   tensor.RoPEStyle
	RopeScaling *RopeScaling
	// SlidingWindow limits attention to the last n positions. Only Mistral
	// applies it.
	SlidingWindow int
	TieEmbeddings bool

	// BOS and EOS as declared by the checkpoint, -1 when absent. EOS may
	// list several ids; the first is the primary one.
	BOS int
	EOS []int
}

// KVDim is the width of one cached key or value row.
func (c Config) KVDim() int { return c.KVHeads * c.HeadDim }

// QDim is the width of the concatenated query heads.
func (c Config) QDim() int { return c.Heads * c.HeadDim }

// Validate checks the values every variant relies on.
func (c Config) Validate() error {
	const op = "model.Config"
	switch c.Arch {
	case ArchLlama, ArchMistral, ArchPhi3, ArchQwen2, ArchGemma:
	default:
		return errs.Errorf(errs.KindLoad, op, "unsupported architecture %q", c.Arch)
	}
	positive := []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"hidden_size", c.HiddenSize},
		{"intermediate_size", c.IntermediateSize},
		{"num_hidden_layers", c.Layers},
		{"num_attention_heads", c.Heads},
		{"num_key_value_heads", c.KVHeads},
		{"head_dim", c.HeadDim},
		{"max_context", c.MaxContext},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errs.Errorf(errs.KindLoad, op, "%s must be > 0, got %d", p.name, p.v)
		}
	}
	if c.Heads%c.KVHeads != 0 {
		return errs.Errorf(errs.KindLoad, op, "num_attention_heads %d not divisible by num_key_value_heads %d", c.Heads, c.KVHeads)
	}
	if c.HeadDim%2 != 0 {
		return errs.Errorf(errs.KindLoad, op, "head_dim %d must be even for RoPE", c.HeadDim)
	}
	if c.RMSNormEps <= 0 || c.RopeTheta <= 0 {
		return errs.Errorf(errs.KindLoad, op, "rms_norm_eps and rope_theta must be > 0")
	}
	if c.SlidingWindow < 0 {
		return errs.Errorf(errs.KindLoad, op, "sliding_window must be >= 0, got %d", c.SlidingWindow)
	}
	return nil
}

type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	VocabSize         int     `json:"vocab_size"`
	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDim           int     `json:"head_dim"`
	MaxPosition       int     `json:"max_position_embeddings"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`
	SlidingWindow     *int    `json:"sliding_window"`
	TieWordEmbeddings bool    `json:"tie_word_embeddings"`

	RopeScaling *hfRopeScaling `json:"rope_scaling"`

	BOSTokenID json.RawMessage `json:"bos_token_id"`
	EOSTokenID json.RawMessage `json:"eos_token_id"`
}

type hfRopeScaling struct {
	Type                          string  `json:"type"`
	RopeType                      string  `json:"rope_type"`
	Factor                        float64 `json:"factor"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings"`
	LowFreqFactor                 float64 `json:"low_freq_factor"`
	HighFreqFactor                float64 `json:"high_freq_factor"`
	AttentionFactor               float64 `json:"attention_factor"`
	BetaFast                      float64 `json:"beta_fast"`
	BetaSlow                      float64 `json:"beta_slow"`
	MScale                        float64 `json:"mscale"`
	MScaleAllDim                  float64 `json:"mscale_all_dim"`
}

var hfArchitectures = map[string]Arch{
	"LlamaForCausalLM":   ArchLlama,
	"MistralForCausalLM": ArchMistral,
	"Phi3ForCausalLM":    ArchPhi3,
	"Qwen2ForCausalLM":   ArchQwen2,
	"GemmaForCausalLM":   ArchGemma,
	"Gemma2ForCausalLM":  ArchGemma,
}

// ParseHFConfig reads a Hugging Face config.json.
func ParseHFConfig(raw []byte) (Config, error) {
	const op = "model.ParseHFConfig"
	var hc hfConfig
	if err := json.Unmarshal(raw, &hc); err != nil {
		return Config{}, errs.E(errs.KindLoad, op, fmt.Errorf("parse config.json: %w", err))
	}

	arch, err := detectHFArch(&hc)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Arch:             arch,
		Format:           FormatSafetensors,
		VocabSize:        hc.VocabSize,
		HiddenSize:       hc.HiddenSize,
		IntermediateSize: hc.IntermediateSize,
		Layers:           hc.NumHiddenLayers,
		Heads:            hc.NumAttentionHeads,
		KVHeads:          hc.NumKeyValueHeads,
		HeadDim:          hc.HeadDim,
		MaxContext:       hc.MaxPosition,
		RMSNormEps:       hc.RMSNormEps,
		RopeTheta:        hc.RopeTheta,
		RopeStyle:        tensor.RoPENeoX,
		TieEmbeddings:    hc.TieWordEmbeddings,
		BOS:              -1,
	}
	if cfg.KVHeads == 0 {
		cfg.KVHeads = cfg.Heads
	}
	if cfg.HeadDim == 0 && cfg.Heads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.Heads
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = 1e-6
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10000
	}
	if arch == ArchGemma {
		// Gemma has no lm_head; the embedding is the output head.
		cfg.TieEmbeddings = true
	}
	if hc.SlidingWindow != nil && arch == ArchMistral {
		cfg.SlidingWindow = *hc.SlidingWindow
	}
	if rs := hc.RopeScaling; rs != nil {
		cfg.RopeScaling, err = newRopeScaling(cfg.MaxContext, RopeScaling{
			Type:            firstNonEmpty(rs.RopeType, rs.Type),
			Factor:          rs.Factor,
			OrigMaxCtx:      rs.OriginalMaxPositionEmbeddings,
			LowFactor:       rs.LowFreqFactor,
			HighFactor:      rs.HighFreqFactor,
			AttentionFactor: rs.AttentionFactor,
			BetaFast:        rs.BetaFast,
			BetaSlow:        rs.BetaSlow,
			MScale:          rs.MScale,
			MScaleAllDim:    rs.MScaleAllDim,
		})
		if err != nil {
			return Config{}, err
		}
	}

	if len(hc.BOSTokenID) > 0 {
		ids, err := parseTokenIDs(hc.BOSTokenID)
		if err != nil {
			return Config{}, errs.E(errs.KindLoad, op, fmt.Errorf("bos_token_id: %w", err))
		}
		if len(ids) > 0 {
			cfg.BOS = ids[0]
		}
	}
	if len(hc.EOSTokenID) > 0 {
		cfg.EOS, err = parseTokenIDs(hc.EOSTokenID)
		if err != nil {
			return Config{}, errs.E(errs.KindLoad, op, fmt.Errorf("eos_token_id: %w", err))
		}
	}
	return cfg, cfg.Validate()
}

func detectHFArch(hc *hfConfig) (Arch, error) {
	for _, a := range hc.Architectures {
		if arch, ok := hfArchitectures[a]; ok {
			return arch, nil
		}
	}
	switch Arch(strings.ToLower(hc.ModelType)) {
	case ArchLlama:
		return ArchLlama, nil
	case ArchMistral:
		return ArchMistral, nil
	case ArchPhi3:
		return ArchPhi3, nil
	case ArchQwen2:
		return ArchQwen2, nil
	case ArchGemma, "gemma2":
		return ArchGemma, nil
	}
	return "", errs.Errorf(errs.KindLoad, "model.ParseHFConfig",
		"unsupported architecture (architectures=%v model_type=%q)", hc.Architectures, hc.ModelType)
}

// parseTokenIDs accepts null, a number or a list of numbers.
func parseTokenIDs(raw json.RawMessage) ([]int, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var ids []int
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, err
		}
		return ids, nil
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, err
	}
	return []int{id}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ggufArchitectures maps general.architecture to a variant. llama.cpp
// converts Mistral checkpoints to the llama layout, so both share it.
var ggufArchitectures = map[string]Arch{
	"llama":   ArchLlama,
	"mistral": ArchMistral,
	"phi3":    ArchPhi3,
	"qwen2":   ArchQwen2,
	"gemma":   ArchGemma,
}

// ConfigFromGGUF reads the model hyperparameters from GGUF metadata.
func ConfigFromGGUF(f *gguf.File) (Config, error) {
	const op = "model.ConfigFromGGUF"
	name := f.Architecture()
	arch, ok := ggufArchitectures[name]
	if !ok {
		return Config{}, errs.Errorf(errs.KindLoad, op, "unsupported architecture %q", name)
	}

	get := func(suffix string) int {
		v, _ := f.ArchInt(suffix)
		return v
	}
	cfg := Config{
		Arch:             arch,
		Format:           FormatGGUF,
		VocabSize:        get("vocab_size"),
		HiddenSize:       get("embedding_length"),
		IntermediateSize: get("feed_forward_length"),
		Layers:           get("block_count"),
		Heads:            get("attention.head_count"),
		KVHeads:          get("attention.head_count_kv"),
		HeadDim:          get("attention.key_length"),
		MaxContext:       get("context_length"),
		RopeStyle:        tensor.RoPENeoX,
		BOS:              -1,
	}
	if arch == ArchLlama || arch == ArchMistral {
		cfg.RopeStyle = tensor.RoPEInterleaved
	}
	if arch == ArchMistral {
		cfg.SlidingWindow = get("attention.sliding_window")
	}
	if cfg.VocabSize == 0 {
		if tokens, ok := f.KV["tokenizer.ggml.tokens"].Value.(gguf.ArrayValue); ok {
			cfg.VocabSize = len(tokens.Values)
		}
	}
	if cfg.KVHeads == 0 {
		cfg.KVHeads = cfg.Heads
	}
	if cfg.HeadDim == 0 && cfg.Heads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.Heads
	}
	cfg.RMSNormEps, _ = f.ArchFloat("attention.layer_norm_rms_epsilon")
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = 1e-5
	}
	cfg.RopeTheta, _ = f.ArchFloat("rope.freq_base")
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10000
	}
	if _, ok := f.TensorByName(ggufNames.Output); !ok {
		cfg.TieEmbeddings = true
	}

	if typ, ok := gguf.GetString(f.KV, name+".rope.scaling.type"); ok && typ != "none" {
		factor, _ := f.ArchFloat("rope.scaling.factor")
		rs, err := newRopeScaling(cfg.MaxContext, RopeScaling{
			Type:       typ,
			Factor:     factor,
			OrigMaxCtx: get("rope.scaling.original_context_length"),
		})
		if err != nil {
			return Config{}, err
		}
		cfg.RopeScaling = rs
	}

	if id, ok := gguf.GetInt64(f.KV, "tokenizer.ggml.bos_token_id"); ok {
		cfg.BOS = int(id)
	}
	if id, ok := gguf.GetInt64(f.KV, "tokenizer.ggml.eos_token_id"); ok {
		cfg.EOS = []int{int(id)}
	}
	return cfg, cfg.Validate()
}

package tokenizer

import (
	"strings"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/gguf"
)

// GGUF token types that affect matching.
const (
	ggufTokenControl     = 3
	ggufTokenUserDefined = 4
)

// ParseGGUF builds a Config from tokenizer.ggml.* metadata. The "gpt2"
// model is byte-level BPE with ranked merges; "llama" is SentencePiece
// merged by score.
func ParseGGUF(kv map[string]gguf.Value) (Config, error) {
	const op = "tokenizer.ParseGGUF"
	model, ok := gguf.GetString(kv, "tokenizer.ggml.model")
	if !ok {
		return Config{}, errs.Errorf(errs.KindTokenizer, op, "missing tokenizer.ggml.model")
	}
	tokens, ok := gguf.GetArray[string](kv, "tokenizer.ggml.tokens")
	if !ok || len(tokens) == 0 {
		return Config{}, errs.Errorf(errs.KindTokenizer, op, "missing tokenizer.ggml.tokens")
	}

	cfg := Config{
		Tokens: tokens,
		BOS:    ggufTokenID(kv, "tokenizer.ggml.bos_token_id"),
		EOS:    ggufTokenID(kv, "tokenizer.ggml.eos_token_id"),
		UNK:    ggufTokenID(kv, "tokenizer.ggml.unknown_token_id"),
	}
	switch model {
	case "gpt2":
		cfg.Kind = ByteLevel
		pre, _ := gguf.GetString(kv, "tokenizer.ggml.pre")
		cfg.Pattern = PatternFor(pre)
		if pre == "qwen2" {
			cfg.Normalization = NormNFC
		}
		merges, _ := gguf.GetArray[string](kv, "tokenizer.ggml.merges")
		cfg.Merges = make([]Pair, 0, len(merges))
		for i, m := range merges {
			a, b, ok := strings.Cut(m, " ")
			if !ok {
				return Config{}, errs.Errorf(errs.KindTokenizer, op, "merge %d: malformed %q", i, m)
			}
			cfg.Merges = append(cfg.Merges, Pair{A: a, B: b})
		}
		cfg.AddBOS = boolOr(kv, "tokenizer.ggml.add_bos_token", false)
		cfg.AddPrefixSpace = boolOr(kv, "tokenizer.ggml.add_space_prefix", false)
	case "llama":
		cfg.Kind = SentencePiece
		cfg.ByteFallback = true
		if scores, ok := gguf.GetFloats(kv, "tokenizer.ggml.scores"); ok {
			cfg.Scores = scores
		}
		cfg.AddBOS = boolOr(kv, "tokenizer.ggml.add_bos_token", true)
		cfg.AddPrefixSpace = boolOr(kv, "tokenizer.ggml.add_space_prefix", true)
	default:
		return Config{}, errs.Errorf(errs.KindTokenizer, op, "unsupported tokenizer model %q", model)
	}

	if types, ok := gguf.GetInts(kv, "tokenizer.ggml.token_type"); ok {
		if len(types) != len(tokens) {
			return Config{}, errs.Errorf(errs.KindTokenizer, op, "%d token types for %d tokens", len(types), len(tokens))
		}
		for id, tt := range types {
			switch tt {
			case ggufTokenControl:
				cfg.Special = append(cfg.Special, id)
			case ggufTokenUserDefined:
				cfg.Added = append(cfg.Added, id)
			}
		}
	}
	return cfg, nil
}

func ggufTokenID(kv map[string]gguf.Value, key string) int {
	if v, ok := gguf.GetInt64(kv, key); ok {
		return int(v)
	}
	return -1
}

func boolOr(kv map[string]gguf.Value, key string, def bool) bool {
	if v, ok := gguf.GetBool(kv, key); ok {
		return v
	}
	return def
}

package fixture

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ByteRunes returns the GPT-2 byte-to-rune table: entry b is the printable
// string byte b is mapped to before BPE.
func ByteRunes() [256]string {
	var table [256]string
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			table[b] = string(rune(b))
			continue
		}
		table[b] = string(rune(256 + n))
		n++
	}
	return table
}

// ByteLevelVocab lists byte-level tokens in id order: the 256 byte runes,
// then one token per merge, then specials.
func ByteLevelVocab(merges [][2]string, specials []string) []string {
	table := ByteRunes()
	tokens := append([]string(nil), table[:]...)
	for _, m := range merges {
		tokens = append(tokens, m[0]+m[1])
	}
	return append(tokens, specials...)
}

// ByteLevelTokenizerJSON renders a byte-level BPE tokenizer.json over
// ByteLevelVocab. pattern, when set, becomes a Split pre-tokenizer.
func ByteLevelTokenizerJSON(merges [][2]string, specials []string, pattern string) []byte {
	tokens := ByteLevelVocab(merges, specials)
	nonSpecial := len(tokens) - len(specials)
	pre := map[string]any{"type": "ByteLevel", "add_prefix_space": false, "use_regex": true}
	if pattern != "" {
		pre = map[string]any{
			"type": "Sequence",
			"pretokenizers": []any{
				map[string]any{"type": "Split", "pattern": map[string]string{"Regex": pattern}, "behavior": "Isolated"},
				map[string]any{"type": "ByteLevel", "add_prefix_space": false, "use_regex": false},
			},
		}
	}
	doc := map[string]any{
		"added_tokens":  addedTokens(tokens, nonSpecial),
		"pre_tokenizer": pre,
		"decoder":       map[string]any{"type": "ByteLevel"},
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocabMap(tokens[:nonSpecial]),
			"merges": mergeStrings(merges),
		},
	}
	return mustJSON(doc)
}

// SentencePieceVocab lists SentencePiece tokens in id order: <unk>, <s>,
// </s>, the 256 <0xNN> byte tokens, then pieces.
func SentencePieceVocab(pieces []string) []string {
	tokens := []string{"<unk>", "<s>", "</s>"}
	for b := 0; b < 256; b++ {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", b))
	}
	return append(tokens, pieces...)
}

// SentencePieceTokenizerJSON renders a Llama 2 style tokenizer.json with
// byte fallback over SentencePieceVocab.
func SentencePieceTokenizerJSON(pieces []string, merges [][2]string) []byte {
	tokens := SentencePieceVocab(pieces)
	doc := map[string]any{
		"added_tokens": []any{
			map[string]any{"id": 0, "content": "<unk>", "special": true},
			map[string]any{"id": 1, "content": "<s>", "special": true},
			map[string]any{"id": 2, "content": "</s>", "special": true},
		},
		"normalizer": map[string]any{
			"type": "Sequence",
			"normalizers": []any{
				map[string]any{"type": "Prepend", "prepend": "▁"},
				map[string]any{"type": "Replace", "pattern": map[string]string{"String": " "}, "content": "▁"},
			},
		},
		"pre_tokenizer": nil,
		"decoder": map[string]any{
			"type": "Sequence",
			"decoders": []any{
				map[string]any{"type": "Replace", "pattern": map[string]string{"String": "▁"}, "content": " "},
				map[string]any{"type": "ByteFallback"},
				map[string]any{"type": "Fuse"},
				map[string]any{"type": "Strip", "content": " ", "start": 1, "stop": 0},
			},
		},
		"model": map[string]any{
			"type":          "BPE",
			"vocab":         vocabMap(tokens),
			"merges":        mergeStrings(merges),
			"unk_token":     "<unk>",
			"byte_fallback": true,
		},
	}
	return mustJSON(doc)
}

// TokenizerConfigJSON renders a minimal tokenizer_config.json.
func TokenizerConfigJSON(addBOS bool, bos, eos, chatTemplate string) []byte {
	doc := map[string]any{
		"add_bos_token": addBOS,
		"bos_token":     bos,
		"eos_token":     eos,
	}
	if chatTemplate != "" {
		doc["chat_template"] = chatTemplate
	}
	return mustJSON(doc)
}

func addedTokens(tokens []string, from int) []any {
	out := make([]any, 0, len(tokens)-from)
	for id := from; id < len(tokens); id++ {
		out = append(out, map[string]any{"id": id, "content": tokens[id], "special": true})
	}
	return out
}

func vocabMap(tokens []string) map[string]int {
	out := make(map[string]int, len(tokens))
	for id, tok := range tokens {
		out[tok] = id
	}
	return out
}

func mergeStrings(merges [][2]string) []string {
	out := make([]string, len(merges))
	for i, m := range merges {
		out[i] = m[0] + " " + m[1]
	}
	return out
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

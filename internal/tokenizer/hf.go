package tokenizer

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/MistApproach/callm/internal/errs"
)

// hfComponent covers the normalizer, pre_tokenizer, post_processor and
// decoder objects of tokenizer.json. Sequence variants nest children.
type hfComponent struct {
	Type    string `json:"type"`
	Pattern struct {
		String string `json:"String"`
		Regex  string `json:"Regex"`
	} `json:"pattern"`
	Content        string `json:"content"`
	Prepend        string `json:"prepend"`
	Replacement    string `json:"replacement"`
	AddPrefixSpace *bool  `json:"add_prefix_space"`
	PrependScheme  string `json:"prepend_scheme"`

	Normalizers   []hfComponent `json:"normalizers"`
	Pretokenizers []hfComponent `json:"pretokenizers"`
	Decoders      []hfComponent `json:"decoders"`
	Processors    []hfComponent `json:"processors"`

	Single        []map[string]hfTemplatePiece `json:"single"`
	SpecialTokens map[string]hfSpecialIDs      `json:"special_tokens"`
}

type hfTemplatePiece struct {
	ID string `json:"id"`
}

type hfSpecialIDs struct {
	IDs []int `json:"ids"`
}

// flatten returns c and every nested child, depth first.
func (c *hfComponent) flatten() []hfComponent {
	if c == nil {
		return nil
	}
	out := []hfComponent{*c}
	for _, list := range [][]hfComponent{c.Normalizers, c.Pretokenizers, c.Decoders, c.Processors} {
		for i := range list {
			out = append(out, list[i].flatten()...)
		}
	}
	return out
}

type hfTokenizerJSON struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Normalizer    *hfComponent `json:"normalizer"`
	PreTokenizer  *hfComponent `json:"pre_tokenizer"`
	PostProcessor *hfComponent `json:"post_processor"`
	Decoder       *hfComponent `json:"decoder"`
	Model         struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		UnkToken     string         `json:"unk_token"`
		ByteFallback bool           `json:"byte_fallback"`
	} `json:"model"`
}

// TokenizerConfig is the subset of tokenizer_config.json callm reads.
type TokenizerConfig struct {
	// AddBOS is nil when the file does not say.
	AddBOS       *bool
	BOS          string
	EOS          string
	UNK          string
	ChatTemplate string
}

// ParseTokenizerConfig reads tokenizer_config.json. Token fields may be
// plain strings or AddedToken objects; chat_template may be a string or a
// list of named templates, in which case "default" is used.
func ParseTokenizerConfig(data []byte) (TokenizerConfig, error) {
	const op = "tokenizer.ParseTokenizerConfig"
	var raw struct {
		AddBOS       *bool           `json:"add_bos_token"`
		BOS          json.RawMessage `json:"bos_token"`
		EOS          json.RawMessage `json:"eos_token"`
		UNK          json.RawMessage `json:"unk_token"`
		ChatTemplate json.RawMessage `json:"chat_template"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return TokenizerConfig{}, errs.E(errs.KindTokenizer, op, err)
	}
	cfg := TokenizerConfig{AddBOS: raw.AddBOS}
	var err error
	if cfg.BOS, err = tokenContent(raw.BOS); err != nil {
		return TokenizerConfig{}, errs.E(errs.KindTokenizer, op, fmt.Errorf("bos_token: %w", err))
	}
	if cfg.EOS, err = tokenContent(raw.EOS); err != nil {
		return TokenizerConfig{}, errs.E(errs.KindTokenizer, op, fmt.Errorf("eos_token: %w", err))
	}
	if cfg.UNK, err = tokenContent(raw.UNK); err != nil {
		return TokenizerConfig{}, errs.E(errs.KindTokenizer, op, fmt.Errorf("unk_token: %w", err))
	}
	if cfg.ChatTemplate, err = chatTemplate(raw.ChatTemplate); err != nil {
		return TokenizerConfig{}, errs.E(errs.KindTokenizer, op, fmt.Errorf("chat_template: %w", err))
	}
	return cfg, nil
}

func tokenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.Content, nil
}

func chatTemplate(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var named []struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return "", err
	}
	for _, t := range named {
		if t.Name == "default" {
			return t.Template, nil
		}
	}
	if len(named) > 0 {
		return named[0].Template, nil
	}
	return "", nil
}

// ParseHF builds a Config from tokenizer.json and the parsed
// tokenizer_config.json. Only BPE models are supported.
func ParseHF(tokJSON []byte, tc TokenizerConfig) (Config, error) {
	const op = "tokenizer.ParseHF"
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return Config{}, errs.E(errs.KindTokenizer, op, err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return Config{}, errs.Errorf(errs.KindTokenizer, op, "unsupported tokenizer model %q", tj.Model.Type)
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	if maxID < 0 {
		return Config{}, errs.Errorf(errs.KindTokenizer, op, "empty vocabulary")
	}
	tokens := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return Config{}, errs.Errorf(errs.KindTokenizer, op, "negative id %d for %q", id, tok)
		}
		tokens[id] = tok
	}

	cfg := Config{
		Tokens:       tokens,
		BOS:          -1,
		EOS:          -1,
		UNK:          -1,
		ByteFallback: tj.Model.ByteFallback,
	}
	for _, at := range tj.AddedTokens {
		if at.ID < 0 {
			return Config{}, errs.Errorf(errs.KindTokenizer, op, "negative id %d for %q", at.ID, at.Content)
		}
		tokens[at.ID] = at.Content
		if at.Special {
			cfg.Special = append(cfg.Special, at.ID)
		} else {
			cfg.Added = append(cfg.Added, at.ID)
		}
	}

	merges, err := parseMerges(tj.Model.Merges)
	if err != nil {
		return Config{}, errs.E(errs.KindTokenizer, op, err)
	}
	cfg.Merges = merges

	lookup := func(s string) int {
		if s == "" {
			return -1
		}
		for id, tok := range tokens {
			if tok == s {
				return id
			}
		}
		return -1
	}
	cfg.BOS = lookup(tc.BOS)
	cfg.EOS = lookup(tc.EOS)
	unk := tc.UNK
	if tj.Model.UnkToken != "" {
		unk = tj.Model.UnkToken
	}
	cfg.UNK = lookup(unk)

	procBOS := -1
	for _, proc := range tj.PostProcessor.flatten() {
		if proc.Type != "TemplateProcessing" || len(proc.Single) == 0 {
			continue
		}
		first, ok := proc.Single[0]["SpecialToken"]
		if !ok {
			continue
		}
		if spec, ok := proc.SpecialTokens[first.ID]; ok && len(spec.IDs) > 0 {
			procBOS = spec.IDs[0]
		} else {
			procBOS = lookup(first.ID)
		}
	}
	if cfg.BOS < 0 {
		cfg.BOS = procBOS
	}
	switch {
	case tc.AddBOS != nil:
		cfg.AddBOS = *tc.AddBOS
	case procBOS >= 0:
		cfg.AddBOS = true
	}

	cfg.Kind = ByteLevel
	for _, n := range tj.Normalizer.flatten() {
		switch n.Type {
		case "NFC":
			cfg.Normalization = NormNFC
		case "NFKC":
			cfg.Normalization = NormNFKC
		case "Prepend":
			if n.Prepend == metaspace {
				cfg.Kind = SentencePiece
				cfg.AddPrefixSpace = true
			}
		case "Replace":
			if n.Pattern.String == " " && n.Content == metaspace {
				cfg.Kind = SentencePiece
			}
		}
	}
	for _, p := range tj.PreTokenizer.flatten() {
		switch p.Type {
		case "Metaspace":
			cfg.Kind = SentencePiece
			if p.PrependScheme != "never" && (p.AddPrefixSpace == nil || *p.AddPrefixSpace) {
				cfg.AddPrefixSpace = true
			}
		case "Split":
			if p.Pattern.Regex != "" && cfg.Pattern == "" {
				cfg.Pattern = p.Pattern.Regex
			}
		case "ByteLevel":
			if p.AddPrefixSpace != nil && *p.AddPrefixSpace {
				cfg.AddPrefixSpace = true
			}
		}
	}
	for _, d := range tj.Decoder.flatten() {
		if d.Type == "ByteFallback" || (d.Type == "Replace" && d.Pattern.String == metaspace) {
			cfg.Kind = SentencePiece
		}
	}
	if cfg.ByteFallback {
		cfg.Kind = SentencePiece
	}
	return cfg, nil
}

func parseMerges(raw []any) ([]Pair, error) {
	out := make([]Pair, 0, len(raw))
	for i, m := range raw {
		switch v := m.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			a, b, ok := strings.Cut(line, " ")
			if !ok || strings.Contains(b, " ") {
				return nil, fmt.Errorf("merge %d: malformed %q", i, v)
			}
			out = append(out, Pair{A: a, B: b})
		case []any:
			if len(v) != 2 {
				return nil, fmt.Errorf("merge %d: want 2 parts, got %d", i, len(v))
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				return nil, fmt.Errorf("merge %d: non-string part", i)
			}
			out = append(out, Pair{A: a, B: b})
		default:
			return nil, fmt.Errorf("merge %d: unexpected %T", i, m)
		}
	}
	return out, nil
}

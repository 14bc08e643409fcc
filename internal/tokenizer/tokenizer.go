// Package tokenizer implements the byte-level and SentencePiece-style BPE
// tokenizers used by Llama, Mistral, Phi3 and Qwen2 checkpoints.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/MistApproach/callm/internal/errs"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	// Encode converts text to ids. With addSpecial the BOS token is
	// prepended when the model asks for it.
	Encode(text string, addSpecial bool) ([]int, error)
	// Decode converts ids back to text, dropping control tokens when
	// skipSpecial is set.
	Decode(ids []int, skipSpecial bool) (string, error)
	TokenID(s string) (int, bool)
	TokenString(id int) string
	BOS() int
	EOS() int
	VocabSize() int
}

// Kind selects the pre-tokenization and byte handling scheme.
type Kind uint8

const (
	// ByteLevel is GPT-2 style BPE: regex pre-split, bytes mapped to
	// printable runes before merging.
	ByteLevel Kind = iota
	// SentencePiece is BPE over text where spaces become "▁" and unknown
	// bytes fall back to <0xNN> tokens.
	SentencePiece
)

func (k Kind) String() string {
	switch k {
	case ByteLevel:
		return "byte-level"
	case SentencePiece:
		return "sentencepiece"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Normalization applied to plain text before tokenization.
type Normalization uint8

const (
	NormNone Normalization = iota
	NormNFC
	NormNFKC
)

// Config fully describes a tokenizer. Loaders produce a Config from
// tokenizer.json or GGUF metadata; New turns it into a Tokenizer.
type Config struct {
	Kind Kind
	// Tokens maps id to token text. Holes are empty strings.
	Tokens []string
	// Merges in rank order. When empty, pairs merge by Scores.
	Merges []Pair
	Scores []float32
	// Special ids are control tokens: matched atomically in input and
	// skipped by Decode(ids, true).
	Special []int
	// Added ids are matched atomically but decoded as plain text.
	Added []int

	BOS, EOS, UNK int
	AddBOS        bool

	// Pattern is the byte-level pre-tokenizer regex. Empty means GPT-2.
	Pattern string
	// AddPrefixSpace prepends "▁" to the first plain segment of the input
	// (SentencePiece) or a space when it does not start with one
	// (byte-level).
	AddPrefixSpace bool
	ByteFallback   bool
	Normalization  Normalization
}

// BPE is the Tokenizer built from a Config. It is safe for concurrent use.
type BPE struct {
	kind    Kind
	tokens  []string
	vocab   map[string]int
	ranks   map[Pair]int
	scores  []float32
	special map[int]bool
	atomic  map[int]bool
	splits  []string

	bos, eos, unk  int
	addBOS         bool
	addPrefixSpace bool
	byteFallback   bool
	normalization  Normalization

	pre     *pretokenizer
	bytes   *byteLevel

	mu    sync.Mutex
	cache map[string][]string
}

const maxCacheEntries = 1 << 16

// New validates cfg and builds a tokenizer.
func New(cfg Config) (*BPE, error) {
	const op = "tokenizer.New"
	if len(cfg.Tokens) == 0 {
		return nil, errs.Errorf(errs.KindTokenizer, op, "empty vocabulary")
	}
	if cfg.Kind != ByteLevel && cfg.Kind != SentencePiece {
		return nil, errs.Errorf(errs.KindTokenizer, op, "unsupported tokenizer kind %v", cfg.Kind)
	}
	n := len(cfg.Tokens)
	for _, id := range []int{cfg.BOS, cfg.EOS, cfg.UNK} {
		if id >= n {
			return nil, errs.Errorf(errs.KindTokenizer, op, "token id %d out of range (vocab %d)", id, n)
		}
	}
	if len(cfg.Scores) != 0 && len(cfg.Scores) != n {
		return nil, errs.Errorf(errs.KindTokenizer, op, "%d scores for %d tokens", len(cfg.Scores), n)
	}

	t := &BPE{
		kind:           cfg.Kind,
		tokens:         cfg.Tokens,
		vocab:          make(map[string]int, n),
		ranks:          make(map[Pair]int, len(cfg.Merges)),
		scores:         cfg.Scores,
		special:        make(map[int]bool, len(cfg.Special)),
		atomic:         make(map[int]bool, len(cfg.Special)+len(cfg.Added)),
		bos:            cfg.BOS,
		eos:            cfg.EOS,
		unk:            cfg.UNK,
		addBOS:         cfg.AddBOS && cfg.BOS >= 0,
		addPrefixSpace: cfg.AddPrefixSpace,
		byteFallback:   cfg.ByteFallback,
		normalization:  cfg.Normalization,
		cache:          make(map[string][]string),
	}
	for id, tok := range cfg.Tokens {
		if tok == "" {
			continue
		}
		// First id wins for duplicated strings.
		if _, ok := t.vocab[tok]; !ok {
			t.vocab[tok] = id
		}
	}
	for rank, p := range cfg.Merges {
		if _, ok := t.ranks[p]; !ok {
			t.ranks[p] = rank
		}
	}

	var splits []string
	for _, list := range [][]int{cfg.Special, cfg.Added} {
		for _, id := range list {
			if id < 0 || id >= n {
				return nil, errs.Errorf(errs.KindTokenizer, op, "atomic token id %d out of range (vocab %d)", id, n)
			}
			if cfg.Tokens[id] == "" || t.atomic[id] {
				continue
			}
			t.atomic[id] = true
			splits = append(splits, cfg.Tokens[id])
		}
	}
	for _, id := range cfg.Special {
		t.special[id] = true
	}
	t.splits = sortSpecials(splits)

	if cfg.Kind == ByteLevel {
		pre, err := newPretokenizer(cfg.Pattern)
		if err != nil {
			return nil, errs.E(errs.KindTokenizer, op, err)
		}
		t.pre = pre
		t.bytes = byteTable()
	}
	return t, nil
}

func (t *BPE) Kind() Kind            { return t.kind }
func (t *BPE) BOS() int              { return t.bos }
func (t *BPE) EOS() int              { return t.eos }
func (t *BPE) VocabSize() int        { return len(t.tokens) }
func (t *BPE) AddsBOS() bool         { return t.addBOS }
func (t *BPE) IsSpecial(id int) bool { return t.special[id] }

func (t *BPE) TokenID(s string) (int, bool) {
	id, ok := t.vocab[s]
	return id, ok
}

func (t *BPE) TokenString(id int) string {
	if id < 0 || id >= len(t.tokens) {
		return ""
	}
	return t.tokens[id]
}

func (t *BPE) Encode(text string, addSpecial bool) ([]int, error) {
	var ids []int
	if addSpecial && t.addBOS {
		ids = append(ids, t.bos)
	}
	first := true
	for _, part := range splitSpecials(text, t.splits) {
		if part.atomic {
			ids = append(ids, t.vocab[part.text])
			first = false
			continue
		}
		var err error
		ids, err = t.encodePlain(ids, part.text, first)
		if err != nil {
			return nil, err
		}
		first = false
	}
	return ids, nil
}

func (t *BPE) encodePlain(ids []int, text string, first bool) ([]int, error) {
	if text == "" {
		return ids, nil
	}
	switch t.normalization {
	case NormNFC:
		text = norm.NFC.String(text)
	case NormNFKC:
		text = norm.NFKC.String(text)
	}
	if t.kind == SentencePiece {
		return t.encodeSentencePiece(ids, text, first)
	}
	if first && t.addPrefixSpace && !strings.HasPrefix(text, " ") {
		text = " " + text
	}
	for _, piece := range t.pre.split(text) {
		for _, sym := range t.bpe(t.bytes.encode(piece)) {
			id, err := t.lookup(sym)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

const metaspace = "▁"

func (t *BPE) encodeSentencePiece(ids []int, text string, first bool) ([]int, error) {
	text = strings.ReplaceAll(text, " ", metaspace)
	if first && t.addPrefixSpace {
		text = metaspace + text
	}
	for _, word := range splitMetaspace(text) {
		for _, sym := range t.bpe(word) {
			if id, ok := t.vocab[sym]; ok {
				ids = append(ids, id)
				continue
			}
			if t.byteFallback {
				var err error
				if ids, err = t.appendBytes(ids, sym); err != nil {
					return nil, err
				}
				continue
			}
			id, err := t.lookup(sym)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *BPE) appendBytes(ids []int, sym string) ([]int, error) {
	start := len(ids)
	for i := 0; i < len(sym); i++ {
		id, ok := t.vocab[fmt.Sprintf("<0x%02X>", sym[i])]
		if !ok {
			unk, err := t.lookup(sym)
			if err != nil {
				return nil, err
			}
			return append(ids[:start], unk), nil
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *BPE) lookup(sym string) (int, error) {
	if id, ok := t.vocab[sym]; ok {
		return id, nil
	}
	if t.unk >= 0 {
		return t.unk, nil
	}
	return 0, errs.Errorf(errs.KindTokenizer, "encode", "unknown token %q and no <unk>", sym)
}

// splitMetaspace cuts text before every "▁" that follows another rune, so
// runs of spaces stay attached to the word after them.
func splitMetaspace(text string) []string {
	var out []string
	start := 0
	prevMeta := true
	for i, r := range text {
		isMeta := r == '▁'
		if isMeta && !prevMeta && i > start {
			out = append(out, text[start:i])
			start = i
		}
		prevMeta = isMeta
	}
	return append(out, text[start:])
}

func (t *BPE) Decode(ids []int, skipSpecial bool) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.tokens) {
			return "", errs.Errorf(errs.KindTokenizer, "decode", "token id %d out of range (vocab %d)", id, len(t.tokens))
		}
		tok := t.tokens[id]
		switch {
		case t.special[id]:
			if !skipSpecial {
				b.WriteString(tok)
			}
		case t.atomic[id]:
			b.WriteString(tok)
		case t.kind == SentencePiece:
			if by, ok := parseByteToken(tok); ok {
				b.WriteByte(by)
				continue
			}
			b.WriteString(strings.ReplaceAll(tok, metaspace, " "))
		default:
			for _, r := range tok {
				if by, ok := t.bytes.dec[r]; ok {
					b.WriteByte(by)
				} else {
					b.WriteRune(r)
				}
			}
		}
	}
	out := b.String()
	if t.kind == SentencePiece && t.addPrefixSpace {
		out = strings.TrimPrefix(out, " ")
	}
	return out, nil
}

// parseByteToken recognizes SentencePiece byte tokens such as "<0x0A>".
func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	hi, ok1 := hexVal(tok[3])
	lo, ok2 := hexVal(tok[4])
	if !ok1 || !ok2 {
		return 0, false
	}
	return hi<<4 | lo, true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// rank returns the merge priority of a pair; lower merges first.
func (t *BPE) rank(a, b string) (float64, bool) {
	if len(t.ranks) > 0 {
		r, ok := t.ranks[Pair{A: a, B: b}]
		return float64(r), ok
	}
	id, ok := t.vocab[a+b]
	if !ok {
		return 0, false
	}
	if len(t.scores) > 0 {
		return -float64(t.scores[id]), true
	}
	return float64(id), true
}

func (t *BPE) bpe(token string) []string {
	t.mu.Lock()
	if v, ok := t.cache[token]; ok {
		t.mu.Unlock()
		return v
	}
	t.mu.Unlock()

	word := splitRunes(token)
	for len(word) > 1 {
		best := -1
		var bestRank float64
		for i := 0; i+1 < len(word); i++ {
			r, ok := t.rank(word[i], word[i+1])
			if ok && (best < 0 || r < bestRank) {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		word = mergePair(word, Pair{A: word[best], B: word[best+1]})
	}

	t.mu.Lock()
	if len(t.cache) >= maxCacheEntries {
		clear(t.cache)
	}
	t.cache[token] = word
	t.mu.Unlock()
	return word
}

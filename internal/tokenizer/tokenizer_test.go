package tokenizer

import (
	"errors"
	"slices"
	"testing"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/fixture"
)

var (
	testByteMerges = [][2]string{{"h", "e"}, {"l", "l"}, {"he", "ll"}, {"hell", "o"}, {"Ġ", "w"}}
	testSpecials   = []string{"<|begin_of_text|>", "<|eot_id|>"}
)

const (
	testHello = 256 + 3 // "hello"
	testGW    = 256 + 4 // "Ġw"
	testBOS   = 256 + 5
	testEOT   = 256 + 6
)

func newByteLevel(t *testing.T, pattern string) *BPE {
	t.Helper()
	tc := TokenizerConfig{BOS: "<|begin_of_text|>", EOS: "<|eot_id|>"}
	addBOS := true
	tc.AddBOS = &addBOS
	cfg, err := ParseHF(fixture.ByteLevelTokenizerJSON(testByteMerges, testSpecials, pattern), tc)
	if err != nil {
		t.Fatalf("ParseHF: %v", err)
	}
	tok, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tok
}

func TestByteLevelEncode(t *testing.T) {
	t.Parallel()
	tok := newByteLevel(t, "")

	if tok.Kind() != ByteLevel {
		t.Fatalf("kind = %v", tok.Kind())
	}
	if tok.BOS() != testBOS || tok.EOS() != testEOT {
		t.Fatalf("bos/eos = %d/%d", tok.BOS(), tok.EOS())
	}
	ids, err := tok.Encode("hello world", true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []int{testBOS, testHello, testGW, 'o', 'r', 'l', 'd'}
	if !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}

	text, err := tok.Decode(ids, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("decoded %q", text)
	}
	text, err = tok.Decode(ids, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "<|begin_of_text|>hello world" {
		t.Fatalf("decoded with specials %q", text)
	}
}

func TestSpecialTokensAreAtomic(t *testing.T) {
	t.Parallel()
	tok := newByteLevel(t, "")

	ids, err := tok.Encode("hi<|eot_id|>", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []int{'h', 'i', testEOT}; !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if !tok.IsSpecial(testEOT) {
		t.Fatal("eot should be special")
	}
	if id, ok := tok.TokenID("<|eot_id|>"); !ok || id != testEOT {
		t.Fatalf("TokenID = %d, %v", id, ok)
	}
	if s := tok.TokenString(testHello); s != "hello" {
		t.Fatalf("TokenString = %q", s)
	}
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()
	tok := newByteLevel(t, "")

	ids, err := tok.Encode("", true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !slices.Equal(ids, []int{testBOS}) {
		t.Fatalf("with specials: %v", ids)
	}
	ids, err = tok.Encode("", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("without specials: %v", ids)
	}
}

var asciiInputs = []string{
	"Hello, World!",
	"  leading spaces",
	"trailing   ",
	"tabs\tand\nnewlines\n\n",
	"numbers 12345 and symbols #$%^&*()",
	"don't stop, it's fine",
	"a  b   c    d",
	"~`!@#[]{}|\\;:'\",.<>/?",
}

func TestByteLevelASCIIRoundTrip(t *testing.T) {
	t.Parallel()

	for _, pattern := range []string{"", llama3Pattern, qwen2Pattern} {
		tok := newByteLevel(t, pattern)
		for _, in := range asciiInputs {
			ids, err := tok.Encode(in, false)
			if err != nil {
				t.Fatalf("Encode(%q): %v", in, err)
			}
			out, err := tok.Decode(ids, true)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if out != in {
				t.Fatalf("round trip %q -> %v -> %q", in, ids, out)
			}
		}
	}
}

func TestPretokenizerTrailingSpace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		in      string
		want    []string
	}{
		{gpt2Pattern, "hello world", []string{"hello", " world"}},
		{gpt2Pattern, "a   b", []string{"a", "  ", " b"}},
		{gpt2Pattern, "a  ", []string{"a", "  "}},
		{gpt2Pattern, "it's", []string{"it", "'s"}},
		{llama3Pattern, "x\n\n  y", []string{"x", "\n\n", " ", " y"}},
		{llama3Pattern, "12345", []string{"123", "45"}},
		{qwen2Pattern, "123", []string{"1", "2", "3"}},
	}
	for _, tt := range tests {
		p, err := newPretokenizer(tt.pattern)
		if err != nil {
			t.Fatalf("newPretokenizer: %v", err)
		}
		if got := p.split(tt.in); !slices.Equal(got, tt.want) {
			t.Fatalf("split(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPretokenizerUnsupportedLookaround(t *testing.T) {
	t.Parallel()

	p, err := newPretokenizer(`(?=x)\w+|\s+`)
	if err != nil {
		t.Fatalf("newPretokenizer: %v", err)
	}
	if got := p.split("ab cd"); !slices.Equal(got, []string{"ab", " cd"}) {
		t.Fatalf("fallback split = %q", got)
	}
}

var (
	testPieces = []string{
		"▁", "h", "e", "l", "o", "w", "r", "d",
		"▁h", "▁he", "ll", "▁hell", "▁hello", "▁w", "or", "ld", "▁wor", "▁world",
	}
	testPieceMerges = [][2]string{
		{"▁", "h"}, {"▁h", "e"}, {"l", "l"}, {"▁he", "ll"}, {"▁hell", "o"},
		{"▁", "w"}, {"o", "r"}, {"l", "d"}, {"▁w", "or"}, {"▁wor", "ld"},
	}
)

func pieceID(piece string) int {
	return 3 + 256 + slices.Index(testPieces, piece)
}

func newSentencePiece(t *testing.T) *BPE {
	t.Helper()
	tc, err := ParseTokenizerConfig(fixture.TokenizerConfigJSON(true, "<s>", "</s>", ""))
	if err != nil {
		t.Fatalf("ParseTokenizerConfig: %v", err)
	}
	cfg, err := ParseHF(fixture.SentencePieceTokenizerJSON(testPieces, testPieceMerges), tc)
	if err != nil {
		t.Fatalf("ParseHF: %v", err)
	}
	tok, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tok
}

func TestSentencePieceEncode(t *testing.T) {
	t.Parallel()
	tok := newSentencePiece(t)

	if tok.Kind() != SentencePiece {
		t.Fatalf("kind = %v", tok.Kind())
	}
	ids, err := tok.Encode("hello world", true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []int{1, pieceID("▁hello"), pieceID("▁world")}
	if !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	text, err := tok.Decode(ids, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("decoded %q", text)
	}
}

func TestSentencePieceByteFallback(t *testing.T) {
	t.Parallel()
	tok := newSentencePiece(t)

	ids, err := tok.Encode("hé", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []int{pieceID("▁h"), 3 + 0xC3, 3 + 0xA9}
	if !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	text, err := tok.Decode(ids, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "hé" {
		t.Fatalf("decoded %q", text)
	}
}

func TestSentencePieceASCIIRoundTrip(t *testing.T) {
	t.Parallel()
	tok := newSentencePiece(t)

	for _, in := range append(asciiInputs, " one leading space") {
		ids, err := tok.Encode(in, true)
		if err != nil {
			t.Fatalf("Encode(%q): %v", in, err)
		}
		out, err := tok.Decode(ids, true)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if out != in {
			t.Fatalf("round trip %q -> %v -> %q", in, ids, out)
		}
	}
}

func TestTokenizerErrors(t *testing.T) {
	t.Parallel()

	tok, err := New(Config{Tokens: []string{"a"}, BOS: -1, EOS: -1, UNK: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tok.Encode("b", false); !errors.Is(err, errs.ErrTokenizer) {
		t.Fatalf("unknown token: %v", err)
	}
	if _, err := tok.Decode([]int{5}, false); !errors.Is(err, errs.ErrTokenizer) {
		t.Fatalf("out of range: %v", err)
	}

	withUnk, err := New(Config{Tokens: []string{"<unk>", "a"}, BOS: -1, EOS: -1, UNK: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids, err := withUnk.Encode("ab", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !slices.Equal(ids, []int{1, 0}) {
		t.Fatalf("ids = %v", ids)
	}

	bad := []Config{
		{},
		{Tokens: []string{"a"}, BOS: 3, EOS: -1, UNK: -1},
		{Tokens: []string{"a"}, BOS: -1, EOS: -1, UNK: -1, Special: []int{4}},
		{Tokens: []string{"a"}, BOS: -1, EOS: -1, UNK: -1, Scores: []float32{1, 2}},
		{Tokens: []string{"a"}, BOS: -1, EOS: -1, UNK: -1, Kind: Kind(9)},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); !errors.Is(err, errs.ErrTokenizer) {
			t.Fatalf("config %d: expected tokenizer error, got %v", i, err)
		}
	}
}

func TestConcurrentEncode(t *testing.T) {
	t.Parallel()
	tok := newByteLevel(t, "")

	done := make(chan []int, 8)
	for range 8 {
		go func() {
			ids, _ := tok.Encode("hello world hello", false)
			done <- ids
		}()
	}
	first := <-done
	for range 7 {
		if ids := <-done; !slices.Equal(ids, first) {
			t.Fatalf("concurrent encodes differ: %v vs %v", ids, first)
		}
	}
}

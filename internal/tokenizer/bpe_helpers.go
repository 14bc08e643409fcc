package tokenizer

import (
	"slices"
	"strings"
	"sync"
)

// Pair is two adjacent symbols a merge rule joins.
type Pair struct {
	A string
	B string
}

// segment is a run of input text; atomic segments are a single added token
// that bypasses the merge step.
type segment struct {
	text   string
	atomic bool
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// mergePair joins every non-overlapping occurrence of pair, left to right,
// reusing word's backing array.
func mergePair(word []string, pair Pair) []string {
	out := word[:0]
	for i := 0; i < len(word); i++ {
		if i+1 < len(word) && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, pair.A+pair.B)
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// sortSpecials orders strings longest first and drops empty ones.
func sortSpecials(tokens []string) []string {
	out := slices.DeleteFunc(slices.Clone(tokens), func(s string) bool { return s == "" })
	slices.SortStableFunc(out, func(a, b string) int { return len(b) - len(a) })
	return out
}

// splitSpecials cuts text around atomic tokens. At each position the
// earliest match wins and, among matches at the same offset, the longest;
// specials must be sorted longest first.
func splitSpecials(text string, specials []string) []segment {
	var parts []segment
	for text != "" {
		at, match := -1, ""
		for _, sp := range specials {
			i := strings.Index(text, sp)
			if i >= 0 && (at < 0 || i < at) {
				at, match = i, sp
			}
		}
		if at < 0 {
			break
		}
		if at > 0 {
			parts = append(parts, segment{text: text[:at]})
		}
		parts = append(parts, segment{text: match, atomic: true})
		text = text[at+len(match):]
	}
	if text != "" {
		parts = append(parts, segment{text: text})
	}
	return parts
}

// byteLevel is the reversible byte-to-rune table of byte-level BPE:
// printable Latin-1 bytes map to themselves, the rest to runes from U+0100
// upwards in byte order.
type byteLevel struct {
	enc [256]rune
	dec map[rune]byte
}

var byteTable = sync.OnceValue(func() *byteLevel {
	t := &byteLevel{dec: make(map[rune]byte, 256)}
	next := rune(256)
	for b := range 256 {
		r := rune(b)
		if !keepsByte(r) {
			r = next
			next++
		}
		t.enc[b] = r
		t.dec[r] = byte(b)
	}
	return t
})

func keepsByte(r rune) bool {
	switch {
	case r >= '!' && r <= '~', r >= '¡' && r <= '¬', r >= '®' && r <= 'ÿ':
		return true
	}
	return false
}

// encode maps every byte of s to its rune.
func (t *byteLevel) encode(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		b.WriteRune(t.enc[s[i]])
	}
	return b.String()
}

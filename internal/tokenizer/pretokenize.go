package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Pre-tokenizer patterns by name, as referenced by GGUF tokenizer.ggml.pre.
const (
	gpt2Pattern   = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`
	llama3Pattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
	qwen2Pattern  = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
)

// PatternFor maps a GGUF pre-tokenizer name to its split regex.
func PatternFor(pre string) string {
	switch pre {
	case "llama3", "llama-bpe", "llama-v3", "smaug-bpe":
		return llama3Pattern
	case "qwen2", "qwen", "deepseek-r1-qwen":
		return qwen2Pattern
	default:
		return gpt2Pattern
	}
}

// trailingSpace is the one lookahead construct every GPT-2 family pattern
// uses. RE2 cannot express it, so it is rewritten into a named group and
// the lookahead is applied after matching.
const (
	trailingSpace      = `\s+(?!\S)`
	trailingSpaceGroup = `(?P<ws>\s+)`
)

type pretokenizer struct {
	re *regexp.Regexp
	ws int // submatch index of the trailing-space group, or -1
}

func newPretokenizer(pattern string) (*pretokenizer, error) {
	if pattern == "" {
		pattern = gpt2Pattern
	}
	p, err := compilePattern(pattern)
	if err == nil {
		return p, nil
	}
	if pattern == llama3Pattern {
		return nil, err
	}
	// Lookarounds other than the trailing-space form have no RE2
	// translation; the llama3 split is the closest general pattern.
	return compilePattern(llama3Pattern)
}

func compilePattern(pattern string) (*pretokenizer, error) {
	translated := strings.ReplaceAll(pattern, trailingSpace, trailingSpaceGroup)
	for _, look := range []string{"(?!", "(?=", "(?<=", "(?<!"} {
		if strings.Contains(translated, look) {
			return nil, fmt.Errorf("pre-tokenizer pattern uses unsupported lookaround %q", look)
		}
	}
	re, err := regexp.Compile(translated)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}
	return &pretokenizer{re: re, ws: re.SubexpIndex("ws")}, nil
}

// split cuts text into pieces. Text the pattern does not cover is kept as
// its own piece, so the pieces always concatenate back to text.
func (p *pretokenizer) split(text string) []string {
	var out []string
	pos := 0
	for pos < len(text) {
		loc := p.re.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			out = append(out, text[pos:])
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if end == start {
			_, size := utf8.DecodeRuneInString(text[start:])
			if start > pos {
				out = append(out, text[pos:start])
			}
			out = append(out, text[start:start+size])
			pos = start + size
			continue
		}
		if p.ws >= 0 && loc[2*p.ws] >= 0 {
			end = trimTrailingSpace(text, start, end)
		}
		if start > pos {
			out = append(out, text[pos:start])
		}
		out = append(out, text[start:end])
		pos = end
	}
	return out
}

// trimTrailingSpace applies \s+(?!\S) to a whitespace run text[start:end]:
// when a non-space follows, the run gives up its last rune so that rune can
// prefix the next word.
func trimTrailingSpace(text string, start, end int) int {
	if end >= len(text) {
		return end
	}
	next, _ := utf8.DecodeRuneInString(text[end:])
	if unicode.IsSpace(next) {
		return end
	}
	_, size := utf8.DecodeLastRuneInString(text[start:end])
	if end-size <= start {
		return end
	}
	return end - size
}

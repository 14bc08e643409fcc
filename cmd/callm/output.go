package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MistApproach/callm/pkg/callm"
)

type streamMode string

const (
	streamInstant streamMode = "instant"
	streamQuiet   streamMode = "quiet"
)

func parseStreamMode(s string) (streamMode, error) {
	switch m := streamMode(strings.ToLower(s)); m {
	case streamInstant, streamQuiet:
		return m, nil
	}
	return "", fmt.Errorf("unknown stream mode %q (want instant or quiet)", s)
}

// streamWriter prints generated text as the pipeline emits it. Quiet mode
// holds everything back until flush.
type streamWriter struct {
	mode   streamMode
	raw    bool
	buffer *bufio.Writer

	mu  sync.Mutex
	acc strings.Builder
}

func newStreamWriter(w io.Writer, mode streamMode, raw bool) *streamWriter {
	return &streamWriter{mode: mode, raw: raw, buffer: bufio.NewWriterSize(w, 4096)}
}

// write is the pipeline token callback.
func (w *streamWriter) write(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acc.WriteString(text)
	if w.mode == streamQuiet {
		return
	}
	_, _ = w.buffer.WriteString(w.escape(text))
	_ = w.buffer.Flush()
}

// flush prints held-back text and returns everything written so far.
func (w *streamWriter) flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.acc.String()
	if w.mode == streamQuiet {
		_, _ = w.buffer.WriteString(w.escape(out))
	}
	_ = w.buffer.Flush()
	return out
}

// reset drops accumulated text between chat turns.
func (w *streamWriter) reset() {
	w.mu.Lock()
	w.acc.Reset()
	w.mu.Unlock()
}

func (w *streamWriter) escape(s string) string {
	if !w.raw {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRune(r))
	}
	return b.String()
}

func escapeRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	}
	if strconv.IsPrint(r) {
		return string(r)
	}
	return fmt.Sprintf(`\u%04x`, r)
}

// printStats writes a one-line summary of the last run.
func printStats(w io.Writer, st callm.Stats) {
	_, _ = fmt.Fprintf(w, "\n[%s] prompt=%d generated=%d cache=%d first=%s total=%s (%.2f tok/s)\n",
		st.Stop, st.PromptTokens, st.GeneratedTokens, st.CacheTokens,
		st.FirstToken.Round(time.Millisecond), st.Duration.Round(time.Millisecond), st.TokensPerSecond)
}

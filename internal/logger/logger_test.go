package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// decode parses the single JSON line written to buf.
func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output %q is not one JSON object: %v", buf.String(), err)
	}
	return m
}

func TestJSONFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		emit func(Logger)
		want map[string]any
	}{
		{
			name: "pairs",
			emit: func(l Logger) { l.Info("loaded", "arch", "llama", "layers", 2) },
			want: map[string]any{"message": "loaded", "level": "info", "arch": "llama", "layers": float64(2)},
		},
		{
			name: "error value",
			emit: func(l Logger) { l.Error("load failed", "err", errors.New("missing config.json")) },
			want: map[string]any{"level": "error", "err": "missing config.json"},
		},
		{
			name: "with",
			emit: func(l Logger) { l.With("run_id", "r1").Warn("slow") },
			want: map[string]any{"level": "warn", "run_id": "r1"},
		},
		{
			name: "nested groups",
			emit: func(l Logger) { l.WithGroup("gen").WithGroup("sampler").Info("cfg", "top_k", 40) },
			want: map[string]any{"gen.sampler.top_k": float64(40)},
		},
		{
			name: "dangling key",
			emit: func(l Logger) { l.Info("odd", "lonely") },
			want: map[string]any{"!BADKEY": "lonely"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tt.emit(JSON(&buf, zerolog.DebugLevel))
			got := decode(t, &buf)
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("field %q = %v (%T), want %v; line %s", k, got[k], got[k], v, buf.String())
				}
			}
			if _, ok := got["time"]; !ok {
				t.Fatalf("missing timestamp: %s", buf.String())
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, "json", "warn")
	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug/info written at warn level: %s", buf.String())
	}
	log.Warn("shown")
	if got := decode(t, &buf)["message"]; got != "shown" {
		t.Fatalf("message = %v", got)
	}
}

func TestPrettyOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	New(&buf, "pretty", "info").Info("pipeline ready", "device", "cpu")
	out := buf.String()
	if !strings.Contains(out, "pipeline ready") || !strings.Contains(out, "device=cpu") {
		t.Fatalf("pretty output %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("colors written to a non-terminal: %q", out)
	}
}

func TestWithGroupEmpty(t *testing.T) {
	t.Parallel()
	log := Nop()
	if log.WithGroup("") != log {
		t.Fatal("empty group should return the same logger")
	}
}

func TestContext(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, zerolog.InfoLevel))
	FromContext(ctx).Info("via context")
	if got := decode(t, &buf)["message"]; got != "via context" {
		t.Fatalf("message = %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" DEBUG ": zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

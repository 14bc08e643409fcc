package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRun(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.ObserveRun(Run{Outcome: OutcomeOK, PromptTokens: 7, GeneratedTokens: 3, Duration: time.Second, FirstToken: 10 * time.Millisecond, CacheTokens: 10})
	m.ObserveRun(Run{Outcome: OutcomeFailed, PromptTokens: 2})

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeOK)); got != 1 {
		t.Fatalf("ok runs = %v", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeFailed)); got != 1 {
		t.Fatalf("failed runs = %v", got)
	}
	if got := testutil.ToFloat64(m.PromptTokens); got != 9 {
		t.Fatalf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.GeneratedTokens); got != 3 {
		t.Fatalf("generated tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.KVCacheTokens); got != 0 {
		t.Fatalf("cache gauge should follow the last run, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveLoad(time.Second)
	m.ObserveRun(Run{Outcome: OutcomeOK})
	if m.Gatherer() != nil {
		t.Fatal("nil metrics should have no gatherer")
	}
}

func TestSharedRegistererReusesCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)
	a.PromptTokens.Add(2)
	b.PromptTokens.Add(3)
	if got := testutil.ToFloat64(a.PromptTokens); got != 5 {
		t.Fatalf("prompt tokens = %v, want 5", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()
	m := New(nil)
	m.ObserveLoad(250 * time.Millisecond)
	path := filepath.Join(t.TempDir(), "callm.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "callm_model_load_seconds_count 1") {
		t.Fatalf("missing load histogram in:\n%s", data)
	}
}

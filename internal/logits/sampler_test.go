package logits

import (
	"errors"
	"math"
	"testing"

	"github.com/MistApproach/callm/internal/errs"
)

func newSampler(t *testing.T, cfg Config, seed int64) *Sampler {
	t.Helper()
	s, err := NewSampler(cfg, seed)
	if err != nil {
		t.Fatalf("NewSampler(%+v): %v", cfg, err)
	}
	return s
}

func draw(t *testing.T, s *Sampler, logits []float32, n int) []int {
	t.Helper()
	out := make([]int, n)
	for i := range out {
		id, err := s.Sample(logits)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		out[i] = id
	}
	return out
}

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical results when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	logits := []float32{0, 1, 2, 3, 4, 5}
	cfg := Config{Temperature: 0.9, TopK: 4, TopP: 0.95}
	a := draw(t, newSampler(t, cfg, 42), logits, 32)
	b := draw(t, newSampler(t, cfg, 42), logits, 32)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("draw %d: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestSetSeedReplays(t *testing.T) {
	t.Parallel()
	logits := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	s := newSampler(t, Config{Temperature: 1}, 7)
	first := draw(t, s, logits, 16)
	s.SetSeed(7)
	second := draw(t, s, logits, 16)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("draw %d after reseed: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestGreedy(t *testing.T) {
	t.Parallel()
	logits := []float32{-1, 7, 3, 7, 2}
	tests := []Config{
		{Temperature: 0},
		{Temperature: 0, TopP: 0.3},
		{Temperature: 1.5, TopK: 1},
		{Temperature: 0.2, TopK: 1, TopP: 0.9},
	}
	for _, cfg := range tests {
		for seed := range int64(5) {
			got := draw(t, newSampler(t, cfg, seed), logits, 4)
			for _, id := range got {
				if id != 1 {
					t.Fatalf("%+v seed %d: got %d, want 1 (lowest id of the tie)", cfg, seed, id)
				}
			}
		}
	}
}

func TestTinyTemperatureIsGreedy(t *testing.T) {
	t.Parallel()
	logits := []float32{3, 7, -1, 7, 2}
	for _, temp := range []float64{1e-320, math.SmallestNonzeroFloat64, 1e-308} {
		for _, k := range []int{0, 3, 100} {
			cfg := Config{Temperature: temp, TopK: k}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("%+v: %v", cfg, err)
			}
			for _, id := range draw(t, newSampler(t, cfg, 1), logits, 4) {
				if id != 1 {
					t.Fatalf("%+v: got %d, want 1", cfg, id)
				}
			}
		}
	}
	if !(Config{Temperature: 1e-320}).Greedy() {
		t.Fatal("temperature 1e-320 should be greedy")
	}
	if (Config{Temperature: 1e-308}).Greedy() {
		t.Fatal("temperature 1e-308 has a finite inverse")
	}
}

func TestTopKRestricts(t *testing.T) {
	t.Parallel()
	logits := []float32{0.5, 3, 0.1, 2.9, 1, 3}
	for _, k := range []int{2, 3, 100} {
		s := newSampler(t, Config{Temperature: 1, TopK: k}, 3)
		allowed := map[int]bool{1: true, 5: true}
		if k >= 3 {
			allowed[3] = true
		}
		if k > len(logits) {
			allowed = nil
		}
		for _, id := range draw(t, s, logits, 200) {
			if allowed != nil && !allowed[id] {
				t.Fatalf("top_k=%d drew %d", k, id)
			}
			if id < 0 || id >= len(logits) {
				t.Fatalf("top_k=%d drew out of range id %d", k, id)
			}
		}
	}
}

// With TopP below the mass of the leading token only that token survives.
func TestTopPRestricts(t *testing.T) {
	t.Parallel()
	logits := []float32{0, 10, 0, 0, 0}
	s := newSampler(t, Config{Temperature: 1, TopP: 0.5}, 11)
	for _, id := range draw(t, s, logits, 50) {
		if id != 1 {
			t.Fatalf("top-p sampling returned unexpected index %d", id)
		}
	}
}

// top-k narrows first, so top-p sees a renormalised two-token distribution.
func TestTopKThenTopP(t *testing.T) {
	t.Parallel()
	logits := []float32{2, 2, 1.9, 1.9, 1.9, 1.9}
	s := newSampler(t, Config{Temperature: 1, TopK: 2, TopP: 0.6}, 5)
	seen := map[int]int{}
	for _, id := range draw(t, s, logits, 200) {
		if id > 1 {
			t.Fatalf("drew %d outside the top-k set", id)
		}
		seen[id]++
	}
	if seen[0] == 0 || seen[1] == 0 {
		t.Fatalf("top-p cut inside the top-k set: %v", seen)
	}
}

func TestShortlistOrder(t *testing.T) {
	t.Parallel()
	logits := make([]float32, 200)
	for i := range logits {
		logits[i] = float32(i % 7)
	}
	s := newSampler(t, Config{Temperature: 1}, 0)
	for _, k := range []int{5, 100} {
		idx, val := s.shortlist(logits, k, 1)
		if len(idx) != k {
			t.Fatalf("k=%d: shortlist has %d entries", k, len(idx))
		}
		for i := 1; i < k; i++ {
			if val[i] > val[i-1] || (val[i] == val[i-1] && idx[i] < idx[i-1]) {
				t.Fatalf("k=%d: entries %d,%d out of order: %v %v", k, i-1, i, idx[:i+1], val[:i+1])
			}
		}
		if idx[0] != 6 {
			t.Fatalf("k=%d: best = %d, want 6", k, idx[0])
		}
	}
}

func TestMaskedLogits(t *testing.T) {
	t.Parallel()
	inf := float32(math.Inf(-1))
	s := newSampler(t, Config{Temperature: 1}, 1)
	for _, id := range draw(t, s, []float32{inf, 0, inf}, 20) {
		if id != 1 {
			t.Fatalf("drew masked token %d", id)
		}
	}

	for _, cfg := range []Config{{Temperature: 0}, {Temperature: 1}, {Temperature: 1, TopK: 2}} {
		s := newSampler(t, cfg, 1)
		if _, err := s.Sample([]float32{inf, inf}); !errors.Is(err, errs.ErrSampling) {
			t.Fatalf("%+v: all masked: %v", cfg, err)
		}
	}
	bad := [][]float32{nil, {float32(math.NaN()), 1}, {float32(math.Inf(1)), 0}}
	for _, logits := range bad {
		if _, err := s.Sample(logits); !errors.Is(err, errs.ErrSampling) {
			t.Fatalf("Sample(%v): expected sampling error, got %v", logits, err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	bad := []Config{
		{Temperature: -0.1},
		{Temperature: math.NaN()},
		{Temperature: math.Inf(1)},
		{Temperature: 1, TopK: -1},
		{Temperature: 1, TopP: -0.5},
		{Temperature: 1, TopP: 1.5},
		{Temperature: 1, TopP: math.NaN()},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); !errors.Is(err, errs.ErrInvalidConfig) {
			t.Fatalf("Validate(%+v) = %v", cfg, err)
		}
		if _, err := NewSampler(cfg, 0); !errors.Is(err, errs.ErrInvalidConfig) {
			t.Fatalf("NewSampler(%+v) = %v", cfg, err)
		}
	}

	s := newSampler(t, Config{Temperature: 0.7, TopK: 40}, 0)
	if err := s.SetConfig(Config{Temperature: 1, TopP: 2}); !errors.Is(err, errs.ErrInvalidConfig) {
		t.Fatalf("SetConfig: %v", err)
	}
	if got := s.Config(); got != (Config{Temperature: 0.7, TopK: 40}) {
		t.Fatalf("failed SetConfig changed config to %+v", got)
	}
	if err := s.SetConfig(Config{Temperature: 1, TopP: 1}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
}

func BenchmarkSample(b *testing.B) {
	logits := make([]float32, 32000)
	for i := range logits {
		logits[i] = float32(math.Sin(float64(i)))
	}
	s, err := NewSampler(Config{Temperature: 0.7, TopK: 40, TopP: 0.9}, 1)
	if err != nil {
		b.Fatal(err)
	}
	for b.Loop() {
		if _, err := s.Sample(logits); err != nil {
			b.Fatal(err)
		}
	}
}

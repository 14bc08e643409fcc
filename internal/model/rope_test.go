package model

import (
	"errors"
	"math"
	"testing"

	"github.com/MistApproach/callm/internal/errs"
)

func baseFreqs(headDim int, theta float64) []float64 {
	inv := make([]float64, headDim/2)
	for i := range inv {
		inv[i] = 1 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	return inv
}

func TestNewRopeScaling(t *testing.T) {
	t.Parallel()
	rs, err := newRopeScaling(4096, RopeScaling{Type: "default"})
	if err != nil || rs != nil {
		t.Fatalf("default without factor = %+v, %v", rs, err)
	}
	rs, err = newRopeScaling(4096, RopeScaling{Factor: 2})
	if err != nil || rs == nil || rs.Type != "linear" || rs.OrigMaxCtx != 4096 {
		t.Fatalf("bare factor = %+v, %v", rs, err)
	}
	rs, err = newRopeScaling(32768, RopeScaling{Type: "YaRN", Factor: 4, OrigMaxCtx: 8192})
	if err != nil {
		t.Fatal(err)
	}
	if rs.Type != "yarn" || rs.BetaFast != 32 || rs.BetaSlow != 1 {
		t.Fatalf("yarn defaults = %+v", rs)
	}
	if want := 0.1*math.Log(4) + 1; math.Abs(rs.AttentionFactor-want) > 1e-12 {
		t.Fatalf("yarn attention factor = %v, want %v", rs.AttentionFactor, want)
	}
	if _, err := newRopeScaling(4096, RopeScaling{Type: "longrope", Factor: 2}); !errors.Is(err, errs.ErrLoad) {
		t.Fatalf("longrope: %v", err)
	}
}

func TestLinearScaling(t *testing.T) {
	t.Parallel()
	cfg := testConfig(ArchLlama)
	cfg.RopeScaling = &RopeScaling{Type: "linear", Factor: 4, AttentionFactor: 1}
	inv, attn := ropeFrequencies(cfg)
	base := baseFreqs(cfg.HeadDim, cfg.RopeTheta)
	if attn != 1 {
		t.Fatalf("attention factor = %v", attn)
	}
	for i := range inv {
		if math.Abs(inv[i]-base[i]/4) > 1e-15 {
			t.Fatalf("freq %d = %v, want %v", i, inv[i], base[i]/4)
		}
	}
}

func TestLlama3Scaling(t *testing.T) {
	t.Parallel()
	const (
		headDim = 128
		theta   = 500000.0
		factor  = 8.0
		origCtx = 8192.0
	)
	inv := baseFreqs(headDim, theta)
	base := baseFreqs(headDim, theta)
	applyLlama3Scaling(inv, factor, origCtx, 1, 4)

	lowWavelen := origCtx / 1
	highWavelen := origCtx / 4
	var sawHigh, sawLow, sawMid bool
	for i := range inv {
		wavelen := 2 * math.Pi / base[i]
		switch {
		case wavelen < highWavelen:
			sawHigh = true
			if inv[i] != base[i] {
				t.Fatalf("high frequency %d changed: %v -> %v", i, base[i], inv[i])
			}
		case wavelen > lowWavelen:
			sawLow = true
			if math.Abs(inv[i]-base[i]/factor) > 1e-18 {
				t.Fatalf("low frequency %d = %v, want %v", i, inv[i], base[i]/factor)
			}
		default:
			sawMid = true
			if inv[i] > base[i]*(1+1e-12) || inv[i] < base[i]/factor*(1-1e-12) {
				t.Fatalf("mid frequency %d = %v outside [%v, %v]", i, inv[i], base[i]/factor, base[i])
			}
		}
	}
	if !sawHigh || !sawLow || !sawMid {
		t.Fatalf("bands covered: high=%v low=%v mid=%v", sawHigh, sawLow, sawMid)
	}
}

func TestYarnScaling(t *testing.T) {
	t.Parallel()
	const factor = 4.0
	inv := baseFreqs(64, 10000)
	base := baseFreqs(64, 10000)
	applyYarnScaling(inv, 10000, factor, 4096, 32, 1, true)
	if inv[0] != base[0] {
		t.Fatalf("fastest frequency changed: %v -> %v", base[0], inv[0])
	}
	last := len(inv) - 1
	if math.Abs(inv[last]-base[last]/factor) > 1e-15 {
		t.Fatalf("slowest frequency = %v, want %v", inv[last], base[last]/factor)
	}
	for i := range inv {
		if inv[i] > base[i]*(1+1e-12) || inv[i] < base[i]/factor*(1-1e-12) {
			t.Fatalf("frequency %d = %v outside [%v, %v]", i, inv[i], base[i]/factor, base[i])
		}
	}
}

func TestRopeFreqsDivisor(t *testing.T) {
	t.Parallel()
	cfg := testConfig(ArchLlama)
	params := randomParams(cfg, 9)
	params.RopeFreqs = []float32{1, 2}
	m := newModel(t, cfg, params)
	d := m.(Llama).decoder
	base := baseFreqs(cfg.HeadDim, cfg.RopeTheta)
	if d.invFreq[0] != base[0] || math.Abs(d.invFreq[1]-base[1]/2) > 1e-15 {
		t.Fatalf("invFreq = %v, base %v", d.invFreq, base)
	}
}

package model

import (
	"math"
	"strings"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/tensor"
)

// RopeScaling stretches the rotary frequencies past the context length the
// model was trained on.
type RopeScaling struct {
	// Type is one of linear, llama3 or yarn.
	Type            string
	Factor          float64
	OrigMaxCtx      int
	LowFactor       float64
	HighFactor      float64
	AttentionFactor float64
	BetaFast        float64
	BetaSlow        float64
	MScale          float64
	MScaleAllDim    float64
}

// orDefault returns v when it is positive, def otherwise.
func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

// newRopeScaling normalizes the type and fills defaults. An empty or
// "default" type without a factor means no scaling and returns nil.
func newRopeScaling(maxPosition int, in RopeScaling) (*RopeScaling, error) {
	out := in
	out.Type = strings.ToLower(strings.TrimSpace(in.Type))
	switch out.Type {
	case "", "default":
		if in.Factor <= 0 {
			return nil, nil
		}
		out.Type = "linear"
	case "linear", "llama3", "yarn":
	default:
		return nil, errs.Errorf(errs.KindLoad, "model.rope_scaling", "unsupported rope scaling type %q", in.Type)
	}

	if out.OrigMaxCtx <= 0 {
		out.OrigMaxCtx = maxPosition
	}
	out.LowFactor = orDefault(out.LowFactor, 1)
	out.HighFactor = orDefault(out.HighFactor, out.LowFactor)
	out.BetaFast = orDefault(out.BetaFast, 32)
	out.BetaSlow = orDefault(out.BetaSlow, 1)
	if out.Factor <= 0 && out.OrigMaxCtx > 0 && maxPosition > 0 {
		out.Factor = float64(maxPosition) / float64(out.OrigMaxCtx)
	}
	out.Factor = orDefault(out.Factor, 1)
	if out.AttentionFactor <= 0 {
		out.AttentionFactor = 1
		if out.Type == "yarn" {
			out.AttentionFactor = yarnAttentionFactor(out.Factor, out.MScale, out.MScaleAllDim)
		}
	}
	return &out, nil
}

// ropeFrequencies returns the inverse frequencies for cfg and the factor
// rotated queries and keys are each multiplied by.
func ropeFrequencies(cfg Config) ([]float64, float64) {
	inv := tensor.RoPEFreqs(cfg.HeadDim, cfg.RopeTheta)
	rs := cfg.RopeScaling
	if rs == nil || len(inv) == 0 {
		return inv, 1
	}
	origCtx := float64(max(rs.OrigMaxCtx, 1))
	switch rs.Type {
	case "llama3":
		applyLlama3Scaling(inv, rs.Factor, origCtx, rs.LowFactor, rs.HighFactor)
	case "yarn":
		applyYarnScaling(inv, cfg.RopeTheta, rs.Factor, origCtx, rs.BetaFast, rs.BetaSlow, true)
	default:
		divide(inv, rs.Factor)
	}
	return inv, rs.AttentionFactor
}

func divide(inv []float64, factor float64) {
	if factor == 0 || factor == 1 {
		return
	}
	for i := range inv {
		inv[i] /= factor
	}
}

// applyLlama3Scaling keeps wavelengths shorter than origCtx/highFactor,
// divides those longer than origCtx/lowFactor by factor and blends the band
// in between.
func applyLlama3Scaling(inv []float64, factor, origCtx, lowFactor, highFactor float64) {
	if factor == 0 || factor == 1 || origCtx <= 0 {
		return
	}
	lowFactor = orDefault(lowFactor, 1)
	highFactor = orDefault(highFactor, lowFactor)
	if highFactor <= lowFactor {
		divide(inv, factor)
		return
	}
	longest, shortest := origCtx/lowFactor, origCtx/highFactor
	for i, f := range inv {
		if f == 0 {
			continue
		}
		wavelen := 2 * math.Pi / f
		switch {
		case wavelen > longest:
			inv[i] = f / factor
		case wavelen < shortest:
		default:
			smooth := (origCtx/wavelen - lowFactor) / (highFactor - lowFactor)
			inv[i] = (1-smooth)*f/factor + smooth*f
		}
	}
}

// yarnMScale is the attention temperature yarn applies for a given scale.
func yarnMScale(scale, mul float64) float64 {
	if scale <= 1 {
		return 1
	}
	return 0.1*orDefault(mul, 1)*math.Log(scale) + 1
}

func yarnAttentionFactor(factor, mscale, mscaleAllDim float64) float64 {
	if mscale > 0 && mscaleAllDim > 0 {
		return yarnMScale(factor, mscale) / yarnMScale(factor, mscaleAllDim)
	}
	return yarnMScale(factor, mscale)
}

// applyYarnScaling interpolates dimensions that rotate fewer than betaSlow
// times over origCtx, extrapolates those rotating more than betaFast times
// and ramps linearly between.
func applyYarnScaling(inv []float64, base, factor, origCtx, betaFast, betaSlow float64, truncate bool) {
	if len(inv) == 0 || factor == 0 || factor == 1 {
		return
	}
	if base <= 1 || origCtx <= 0 {
		divide(inv, factor)
		return
	}
	dim := float64(2 * len(inv))
	correctionDim := func(rotations float64) float64 {
		return dim * math.Log(origCtx/(rotations*2*math.Pi)) / (2 * math.Log(base))
	}
	low := correctionDim(orDefault(betaFast, 32))
	high := correctionDim(orDefault(betaSlow, 1))
	if truncate {
		low, high = math.Floor(low), math.Ceil(high)
	}
	low, high = max(low, 0), min(high, dim-1)
	if low == high {
		high += 0.001
	}
	for i, f := range inv {
		ramp := min(max((float64(i)-low)/(high-low), 0), 1)
		inv[i] = f/factor*ramp + f*(1-ramp)
	}
}

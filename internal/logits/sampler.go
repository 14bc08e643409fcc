package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"

	"github.com/MistApproach/callm/internal/errs"
)

// Config configures the behaviour of a Sampler.
type Config struct {
	// Temperature 0 selects the argmax.
	Temperature float64
	// TopK keeps the k highest logits. 0 disables the filter.
	TopK int
	// TopP keeps the smallest set of tokens whose cumulative probability
	// reaches TopP. 0 disables the filter.
	TopP float64
}

// Validate rejects values no sampler can honour.
func (c Config) Validate() error {
	const op = "logits.Config"
	switch {
	case math.IsNaN(c.Temperature) || math.IsInf(c.Temperature, 0) || c.Temperature < 0:
		return errs.Errorf(errs.KindInvalidConfig, op, "temperature must be a finite value >= 0, got %v", c.Temperature)
	case c.TopK < 0:
		return errs.Errorf(errs.KindInvalidConfig, op, "top_k must be >= 0, got %d", c.TopK)
	case math.IsNaN(c.TopP) || c.TopP < 0 || c.TopP > 1:
		return errs.Errorf(errs.KindInvalidConfig, op, "top_p must be in (0, 1], got %v", c.TopP)
	}
	return nil
}

// Greedy reports whether sampling always picks the argmax. A temperature
// so small that its inverse overflows counts as 0.
func (c Config) Greedy() bool {
	return c.Temperature == 0 || c.TopK == 1 || math.IsInf(1/c.Temperature, 1)
}

// insertionLimit bounds the k for which the shortlist is built by insertion
// instead of a full sort.
const insertionLimit = 64

type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	topIdx []int
	topVal []float64
	prob   []float64
}

// NewSampler returns a sampler drawing from a math/rand source seeded with
// seed.
func NewSampler(cfg Config, seed int64) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{rng: rand.New(rand.NewSource(seed)), cfg: cfg}, nil
}

func (s *Sampler) Config() Config { return s.cfg }

// SetConfig replaces the configuration. On error the old one is kept.
func (s *Sampler) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// SetSeed restarts the random source. Two samplers with the same seed and
// config draw the same tokens for the same logits sequence.
func (s *Sampler) SetSeed(seed int64) {
	s.rng.Seed(seed)
}

// Sample draws a token id from logits. The sample process involves the
// following steps:
//
//  1. Temperature 0 returns the argmax, ties going to the lowest id. So does
//     a temperature small enough to overflow the scaled logits.
//  2. The logits are divided by the temperature and the TopK best are
//     shortlisted in descending order, ties going to the lowest id.
//  3. A softmax over the shortlist is computed after subtracting its maximum.
//  4. If TopP is set, the shortlist is cut after the first token at which the
//     cumulative probability reaches TopP.
//  5. A value drawn from [0, sum) selects a token from the remaining mass.
//
// -Inf logits are masked. NaN or +Inf logits, or a distribution with nothing
// left to draw from, fail with a SamplingError.
func (s *Sampler) Sample(logits []float32) (int, error) {
	const op = "logits.Sample"
	if len(logits) == 0 {
		return 0, errs.Errorf(errs.KindSampling, op, "empty logits")
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 1) {
			return 0, errs.Errorf(errs.KindSampling, op, "non-finite logit %v at token %d", v, i)
		}
	}

	if s.cfg.Greedy() {
		id := argmax(logits)
		if id < 0 {
			return 0, errs.Errorf(errs.KindSampling, op, "all %d tokens are masked", len(logits))
		}
		return id, nil
	}

	invTemp := 1 / s.cfg.Temperature
	k := len(logits)
	if s.cfg.TopK > 0 {
		k = min(s.cfg.TopK, k)
	}
	topIdx, topVal := s.shortlist(logits, k, invTemp)
	if len(topIdx) == 0 {
		return 0, errs.Errorf(errs.KindSampling, op, "all %d tokens are masked", len(logits))
	}
	if math.IsInf(topVal[0], 1) {
		// Scaling overflowed, so the shortlist order is lost. The limit of
		// the distribution is the argmax.
		return argmax(logits), nil
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	maxv := topVal[0]
	var sum float64
	for i, v := range topVal {
		prob[i] = math.Exp(v - maxv)
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP > 0 && s.cfg.TopP < 1 {
		var c float64
		for i, p := range prob {
			c += p
			if c >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}
	prob = prob[:cut]

	var mass float64
	for _, p := range prob {
		mass += p
	}
	if !(mass > 0) || math.IsInf(mass, 0) {
		return 0, errs.Errorf(errs.KindSampling, op, "degenerate distribution (mass %v)", mass)
	}

	r := s.rng.Float64() * mass
	var c float64
	for i, p := range prob {
		c += p
		if r < c {
			return topIdx[i], nil
		}
	}
	return topIdx[cut-1], nil
}

// argmax returns the index of the largest logit above -Inf, or -1.
func argmax(x []float32) int {
	best := -1
	for i, v := range x {
		if math.IsInf(float64(v), -1) {
			continue
		}
		if best < 0 || v > x[best] {
			best = i
		}
	}
	return best
}

// shortlist returns the indices and scaled values of the k largest unmasked
// logits, ordered from largest to smallest. Equal values keep index order.
func (s *Sampler) shortlist(logits []float32, k int, invTemp float64) ([]int, []float64) {
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	if k > insertionLimit {
		for i, l := range logits {
			if math.IsInf(float64(l), -1) {
				continue
			}
			topIdx = append(topIdx, i)
		}
		slices.SortStableFunc(topIdx, func(a, b int) int {
			return cmp.Compare(logits[b], logits[a])
		})
		topIdx = topIdx[:min(k, len(topIdx))]
		for _, i := range topIdx {
			topVal = append(topVal, float64(logits[i])*invTemp)
		}
		s.topIdx, s.topVal = topIdx, topVal
		return topIdx, topVal
	}

	for i, l := range logits {
		if math.IsInf(float64(l), -1) {
			continue
		}
		v := float64(l) * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}

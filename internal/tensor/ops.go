package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	src = src[:len(dst)]
	for i, v := range src {
		dst[i] += v
	}
}

// Axpy adds a*x to dst.
func Axpy(dst []float32, a float32, x []float32) {
	x = x[:len(dst)]
	for i, v := range x {
		dst[i] += a * v
	}
}

func Dot(a, b []float32) float32 {
	b = b[:len(a)]
	var sum float32
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

// RMSNorm writes src / rms(src) * weight to dst. The mean square is
// accumulated in float64 so wide hidden sizes keep their precision.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var ss float64
	for _, v := range src {
		ss += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(ss/float64(len(src))+float64(eps)))
	weight = weight[:len(src)]
	for i, v := range src {
		dst[i] = v * inv * weight[i]
	}
}

// Softmax normalizes x in place. An all -Inf input is left untouched.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	peak := x[0]
	for _, v := range x[1:] {
		peak = max(peak, v)
	}
	if math.IsInf(float64(peak), -1) {
		return
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - peak))
		x[i] = float32(e)
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Silu is x * sigmoid(x).
func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SwiGLU overwrites gate with silu(gate) * up, the gated activation of the
// feed-forward block.
func SwiGLU(gate, up []float32) {
	up = up[:len(gate)]
	for i, g := range gate {
		gate[i] = Silu(g) * up[i]
	}
}

// Gelu is the tanh approximation of the Gaussian error linear unit.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}

// GeGLU overwrites gate with gelu(gate) * up.
func GeGLU(gate, up []float32) {
	up = up[:len(gate)]
	for i, g := range gate {
		gate[i] = Gelu(g) * up[i]
	}
}

// Scale multiplies x by a in place.
func Scale(x []float32, a float32) {
	for i := range x {
		x[i] *= a
	}
}

// RoPEStyle selects how rotary embeddings pair up the dimensions of a head.
type RoPEStyle uint8

const (
	// RoPENeoX rotates dimension i together with i+headDim/2. Hugging Face
	// checkpoints use this layout.
	RoPENeoX RoPEStyle = iota
	// RoPEInterleaved rotates adjacent pairs (2i, 2i+1), the GGUF layout.
	RoPEInterleaved
)

func (s RoPEStyle) String() string {
	if s == RoPEInterleaved {
		return "interleaved"
	}
	return "neox"
}

// RoPEFreqs returns the inverse frequencies theta^(-2i/headDim).
func RoPEFreqs(headDim int, theta float64) []float64 {
	inv := make([]float64, headDim/2)
	for i := range inv {
		inv[i] = math.Pow(theta, -float64(2*i)/float64(headDim))
	}
	return inv
}

// ApplyRoPE rotates the nHead heads packed in x to position pos. Each
// angle is computed once and applied to every head.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64, style RoPEStyle) {
	if headDim%2 != 0 {
		panic("tensor: RoPE needs an even head dimension")
	}
	half := headDim / 2
	lo, hi := func(i int) int { return 2 * i }, func(i int) int { return 2*i + 1 }
	if style == RoPENeoX {
		lo, hi = func(i int) int { return i }, func(i int) int { return i + half }
	}
	for i := range half {
		sin, cos := math.Sincos(float64(pos) * invFreq[i])
		s, c := float32(sin), float32(cos)
		a, b := lo(i), hi(i)
		for h := range nHead {
			base := h * headDim
			x0, x1 := x[base+a], x[base+b]
			x[base+a] = x0*c - x1*s
			x[base+b] = x0*s + x1*c
		}
	}
}

// Argmax returns the index of the largest value, preferring the lowest index
// on ties. It returns -1 for an empty slice or when every value is NaN.
func Argmax(x []float32) int {
	best := -1
	for i, v := range x {
		if v != v {
			continue
		}
		if best < 0 || v > x[best] {
			best = i
		}
	}
	return best
}

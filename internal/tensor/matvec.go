package tensor

import (
	"runtime"
	"sync"
)

// minParallel is the smallest product, in weights, worth splitting.
const minParallel = 4096

type rowTask struct {
	dst      []float32
	w        *Mat
	x        []float32
	from, to int
	wg       *sync.WaitGroup
}

// Pool is a fixed set of goroutines that split mat-vec products by rows.
// Concurrent MatVec calls share the workers.
type Pool struct {
	size  int
	tasks chan rowTask
	once  sync.Once
}

var defaultPool = sync.OnceValue(func() *Pool { return NewPool(0) })

// NewPool starts a pool with size workers. size <= 0 means GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &Pool{size: max(size, 1)}
	p.tasks = make(chan rowTask, 2*p.size)
	for range p.size {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	for t := range p.tasks {
		matVecRange(t.dst, t.w, t.x, t.from, t.to)
		t.wg.Done()
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Close stops the workers. MatVec must not be called afterwards.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.tasks) })
}

// MatVec computes dst = w * x on the shared default pool.
func MatVec(dst []float32, w *Mat, x []float32) {
	defaultPool().MatVec(dst, w, x)
}

// MatVec computes dst = w * x, splitting the rows of w across the workers.
func (p *Pool) MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("tensor: matvec shape mismatch")
	}
	workers := min(p.size, w.R)
	if workers <= 1 || w.R*w.C < minParallel {
		matVecRange(dst, w, x, 0, w.R)
		return
	}
	var wg sync.WaitGroup
	per := (w.R + workers - 1) / workers
	for from := 0; from < w.R; from += per {
		wg.Add(1)
		p.tasks <- rowTask{dst: dst, w: w, x: x, from: from, to: min(from+per, w.R), wg: &wg}
	}
	wg.Wait()
}

func matVecRange(dst []float32, w *Mat, x []float32, from, to int) {
	x = x[:w.C]
	switch {
	case w.Raw == nil || w.DType == F32:
		for i := from; i < to; i++ {
			off := i * w.Stride
			dst[i] = dotF32(w.Data[off:off+w.C], x)
		}
	case w.DType == BF16:
		for i := from; i < to; i++ {
			dst[i] = dot16(w.Raw[2*i*w.Stride:], x, BF16ToF32)
		}
	case w.DType == F16:
		for i := from; i < to; i++ {
			dst[i] = dot16(w.Raw[2*i*w.Stride:], x, F16ToF32)
		}
	default:
		panic("tensor: unsupported dtype for matvec " + w.DType.String())
	}
}

// dotF32 is Dot with four independent accumulators.
func dotF32(row, x []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(x) &^ 3
	for j := 0; j < n; j += 4 {
		s0 += row[j] * x[j]
		s1 += row[j+1] * x[j+1]
		s2 += row[j+2] * x[j+2]
		s3 += row[j+3] * x[j+3]
	}
	for j := n; j < len(x); j++ {
		s0 += row[j] * x[j]
	}
	return (s0 + s1) + (s2 + s3)
}

// dot16 multiplies a row of little-endian 16-bit floats by x.
func dot16(raw []byte, x []float32, decode func(uint16) float32) float32 {
	raw = raw[:2*len(x)]
	var s0, s1 float32
	n := len(x) &^ 1
	for j := 0; j < n; j += 2 {
		s0 += decode(u16le(raw, 2*j)) * x[j]
		s1 += decode(u16le(raw, 2*j+2)) * x[j+1]
	}
	if n < len(x) {
		s0 += decode(u16le(raw, 2*n)) * x[n]
	}
	return s0 + s1
}

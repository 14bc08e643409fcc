package tensor

import (
	"math"
	"testing"
)

func matVecNaive(dst []float32, w *Mat, x []float32) {
	for i := 0; i < w.R; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func closeEnough(a, b, tol float32) bool {
	d := float32(math.Abs(float64(a - b)))
	scale := float32(math.Max(1, math.Max(math.Abs(float64(a)), math.Abs(float64(b)))))
	return d <= tol*scale
}

func randVec(n int, seed int64) []float32 {
	m := NewMat(1, n)
	FillRand(&m, seed, 2)
	return m.Data
}

func BenchmarkMatVecNaive(b *testing.B) {
	w := NewMat(2048, 2048)
	x := make([]float32, 2048)
	dst := make([]float32, 2048)
	FillRand(&w, 1, 0.02)

	for b.Loop() {
		matVecNaive(dst, &w, x)
	}
}

func BenchmarkMatVecPool(b *testing.B) {
	w := NewMat(2048, 2048)
	x := make([]float32, 2048)
	dst := make([]float32, 2048)
	FillRand(&w, 1, 0.02)

	for b.Loop() {
		MatVec(dst, &w, x)
	}
}

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()
	pool := NewPool(4)
	defer pool.Close()

	for _, shape := range [][2]int{{1, 7}, {3, 5}, {257, 129}, {512, 64}} {
		r, c := shape[0], shape[1]
		w := NewMat(r, c)
		FillRand(&w, int64(r*c), 0.2)
		x := randVec(c, 3)
		want := make([]float32, r)
		got := make([]float32, r)
		matVecNaive(want, &w, x)
		pool.MatVec(got, &w, x)
		for i := range want {
			if !closeEnough(want[i], got[i], 1e-5) {
				t.Fatalf("%dx%d row %d: want %g got %g", r, c, i, want[i], got[i])
			}
		}
	}
}

func TestMatVecRaw(t *testing.T) {
	t.Parallel()
	r, c := 128, 192
	w := NewMat(r, c)
	FillRand(&w, 42, 0.02)
	x := randVec(c, 9)
	dstF32 := make([]float32, r)
	MatVec(dstF32, &w, x)

	for _, dt := range []DType{F16, BF16} {
		enc, err := Encode(r, c, w.Data, dt)
		if err != nil {
			t.Fatalf("Encode %s: %v", dt, err)
		}
		wRaw, err := NewMatFromRaw(r, c, dt, enc.Raw)
		if err != nil {
			t.Fatalf("NewMatFromRaw %s: %v", dt, err)
		}
		dstRaw := make([]float32, r)
		MatVec(dstRaw, &wRaw, x)
		for i := range dstF32 {
			if !closeEnough(dstF32[i], dstRaw[i], 5e-2) {
				t.Fatalf("%s mismatch at %d: f32=%g raw=%g", dt, i, dstF32[i], dstRaw[i])
			}
		}
	}
}

func TestRowsView(t *testing.T) {
	t.Parallel()
	w := NewMatFromData(4, 2, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	mid := w.Rows(1, 3)
	if mid.R != 2 || mid.C != 2 {
		t.Fatalf("shape = %dx%d", mid.R, mid.C)
	}
	if got := mid.Row(1); got[0] != 4 || got[1] != 5 {
		t.Fatalf("row = %v", got)
	}

	enc, err := Encode(4, 2, w.Data, BF16)
	if err != nil {
		t.Fatal(err)
	}
	tail := enc.Rows(2, 4)
	if got := tail.Row(1); got[0] != 6 || got[1] != 7 {
		t.Fatalf("bf16 row = %v", got)
	}
}

func TestNewMatFromRawErrors(t *testing.T) {
	t.Parallel()
	if _, err := NewMatFromRaw(2, 2, F16, make([]byte, 6)); err == nil {
		t.Fatal("expected size mismatch")
	}
	if _, err := NewMatFromRaw(2, 2, DType(9), make([]byte, 8)); err == nil {
		t.Fatal("expected unsupported dtype")
	}
	m, err := NewMatFromRaw(1, 1, F32, []byte{0, 0, 0x80, 0x3f})
	if err != nil || m.Data[0] != 1 {
		t.Fatalf("f32 raw decode: %v %v", m.Data, err)
	}
}

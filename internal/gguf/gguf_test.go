package gguf

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/MistApproach/callm/internal/fixture"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%17)/8 - 1
	}
	return out
}

func writeFixture(t *testing.T, kvs []fixture.KV, tensors []fixture.GGUFTensor) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := fixture.WriteGGUF(path, kvs, tensors); err != nil {
		t.Fatalf("WriteGGUF: %v", err)
	}
	return path
}

func openFixture(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenMetadata(t *testing.T) {
	t.Parallel()
	path := writeFixture(t, []fixture.KV{
		{Key: "general.architecture", Value: "llama"},
		{Key: "llama.block_count", Value: uint32(2)},
		{Key: "llama.rope.freq_base", Value: float32(500000)},
		{Key: "tokenizer.ggml.tokens", Value: []string{"<s>", "a", "b"}},
		{Key: "tokenizer.ggml.add_bos_token", Value: true},
	}, []fixture.GGUFTensor{
		{Name: "v", Dims: []uint64{3}, Type: fixture.GGMLF32, Data: fixture.F32Bytes([]float32{1, 2, 3})},
	})
	f := openFixture(t, path)

	if f.Header.Version != 3 || f.Header.KVCount != 5 || f.Header.TensorCount != 1 {
		t.Fatalf("header = %+v", f.Header)
	}
	if f.Architecture() != "llama" {
		t.Fatalf("architecture = %q", f.Architecture())
	}
	if n, ok := f.ArchInt("block_count"); !ok || n != 2 {
		t.Fatalf("block_count = %d %v", n, ok)
	}
	if v, ok := f.ArchFloat("rope.freq_base"); !ok || v != 500000 {
		t.Fatalf("freq_base = %v %v", v, ok)
	}
	tokens, ok := GetArray[string](f.KV, "tokenizer.ggml.tokens")
	if !ok || len(tokens) != 3 || tokens[1] != "a" {
		t.Fatalf("tokens = %v", tokens)
	}
	if b, ok := GetBool(f.KV, "tokenizer.ggml.add_bos_token"); !ok || !b {
		t.Fatal("add_bos_token should be true")
	}
	if f.Alignment != 32 || f.DataOffset%32 != 0 {
		t.Fatalf("alignment = %d data offset = %d", f.Alignment, f.DataOffset)
	}
}

func TestReadTensorTypes(t *testing.T) {
	t.Parallel()
	vals := ramp(64)
	path := writeFixture(t, []fixture.KV{
		{Key: "general.alignment", Value: uint32(64)},
	}, []fixture.GGUFTensor{
		{Name: "f32", Dims: []uint64{32, 2}, Type: fixture.GGMLF32, Data: fixture.F32Bytes(vals)},
		{Name: "f16", Dims: []uint64{32, 2}, Type: fixture.GGMLF16, Data: fixture.F16Bytes(vals)},
		{Name: "q8", Dims: []uint64{32, 2}, Type: fixture.GGMLQ8_0, Data: fixture.Q80Bytes(vals)},
		{Name: "q4", Dims: []uint64{32, 2}, Type: fixture.GGMLQ4_0, Data: fixture.Q40Bytes(vals)},
	})
	f := openFixture(t, path)
	if f.Alignment != 64 {
		t.Fatalf("alignment = %d", f.Alignment)
	}

	tests := []struct {
		name string
		tol  float64
	}{
		{"f32", 0},
		{"f16", 1e-3},
		{"q8", 1e-2},
		{"q4", 0.15},
	}
	for _, tt := range tests {
		got, info, err := f.ReadTensorF32(tt.name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", tt.name, err)
		}
		dims := info.Dims
		if len(dims) != 2 || dims[0] != 32 || dims[1] != 2 {
			t.Fatalf("%s dims = %v", tt.name, dims)
		}
		for i := range vals {
			if d := math.Abs(float64(got[i] - vals[i])); d > tt.tol {
				t.Fatalf("%s[%d] = %v, want %v (tol %v)", tt.name, i, got[i], vals[i], tt.tol)
			}
		}
	}

	raw, info, err := f.Raw("q8")
	if err != nil || info.Type != GGMLTypeQ8_0 || len(raw) != 2*q80BlockSize {
		t.Fatalf("Raw: %v %s %d", err, info.Type, len(raw))
	}
	if _, _, err := f.ReadTensorF32("missing"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("missing tensor: %v", err)
	}
}

func TestUnsupportedTensorType(t *testing.T) {
	t.Parallel()
	path := writeFixture(t, nil, []fixture.GGUFTensor{
		{Name: "q5", Dims: []uint64{32}, Type: 6, Data: make([]byte, 22)},
	})
	f := openFixture(t, path)
	if _, _, err := f.ReadTensorF32("q5"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("q5: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	badMagic := filepath.Join(dir, "bad.gguf")
	if err := os.WriteFile(badMagic, []byte("GGMLxxxxxxxxxxxxxxxxxxxxxxxxxxxx"), 0o644); err != nil {
		t.Fatal(err)
	}
	short := filepath.Join(dir, "short.gguf")
	if err := os.WriteFile(short, []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{badMagic, short, filepath.Join(dir, "missing.gguf")} {
		if f, err := Open(p); err == nil {
			_ = f.Close()
			t.Fatalf("expected error for %s", filepath.Base(p))
		}
	}
}

func TestDequantizeQ40KnownBlock(t *testing.T) {
	t.Parallel()
	// d = 1.0 (f16 0x3c00); low nibble 9 -> +1, high nibble 7 -> -1.
	blk := make([]byte, q40BlockSize)
	blk[0], blk[1] = 0x00, 0x3c
	for j := 2; j < q40BlockSize; j++ {
		blk[j] = 0x79
	}
	out, err := DequantizeQ40(blk, 32)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != 1 || out[15] != 1 || out[16] != -1 || out[31] != -1 {
		t.Fatalf("out = %v", out)
	}
}

func TestDequantizeKQuantBlocks(t *testing.T) {
	t.Parallel()
	// Q4_K: d = 1, dmin = 0, every sub-block scale 1; nibbles 1 (low) and 2 (high).
	q4k := make([]byte, q4kBlockSize)
	q4k[1] = 0x3c
	for j := range 4 {
		q4k[4+j] = 1
		q4k[4+8+j] = 1
	}
	for j := 16; j < q4kBlockSize; j++ {
		q4k[j] = 0x21
	}
	out, err := Dequantize(GGMLTypeQ4_K, q4k, QK_K)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		want := float32(1)
		if i%64 >= 32 {
			want = 2
		}
		if v != want {
			t.Fatalf("q4_k[%d] = %v, want %v", i, v, want)
		}
	}

	// Q6_K: zero quants decode to -32 times the sub-block scale; d is stored last.
	q6k := make([]byte, q6kBlockSize)
	for j := 192; j < 208; j++ {
		q6k[j] = 2
	}
	q6k[209] = 0x3c
	out, err = Dequantize(GGMLTypeQ6_K, q6k, QK_K)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out {
		if v != -64 {
			t.Fatalf("q6_k[%d] = %v, want -64", i, v)
		}
	}

	bf16, err := Dequantize(GGMLTypeBF16, []byte{0x80, 0x3f, 0x00, 0xc0}, 2)
	if err != nil || bf16[0] != 1 || bf16[1] != -2 {
		t.Fatalf("bf16 = %v, %v", bf16, err)
	}
	if _, err := Dequantize(GGMLTypeQ5_K, nil, QK_K); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("q5_k: %v", err)
	}
	if _, err := Dequantize(GGMLTypeQ8_0, make([]byte, q80BlockSize-1), qk0); err == nil {
		t.Fatal("expected length error")
	}
}

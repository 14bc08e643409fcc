package backend

import (
	"errors"
	"testing"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/tensor"
)

func TestSelectDefaultsToCPU(t *testing.T) {
	t.Parallel()
	b, err := Select(Hint{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer b.Close()
	if b.Device().Name != CPU || b.DType() != tensor.F32 {
		t.Fatalf("device = %v", b.Device())
	}
	if b.Device().Threads < 1 {
		t.Fatalf("threads = %d", b.Device().Threads)
	}
}

func TestSelectPrecisionAndThreads(t *testing.T) {
	t.Parallel()
	b, err := Select(Hint{Device: "CPU", Precision: "bf16", Threads: 2})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer b.Close()
	if b.DType() != tensor.BF16 || b.Device().Threads != 2 {
		t.Fatalf("device = %v", b.Device())
	}
	if got := b.Device().String(); got != "cpu/bf16 threads=2" {
		t.Fatalf("String() = %q", got)
	}
}

func TestSelectErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		hint Hint
		want error
	}{
		{"unregistered accelerator", Hint{Device: CUDA}, errs.ErrDevice},
		{"metal", Hint{Device: Metal}, errs.ErrDevice},
		{"unknown device", Hint{Device: "tpu"}, errs.ErrInvalidConfig},
		{"unknown precision", Hint{Precision: "int4"}, errs.ErrInvalidConfig},
		{"negative threads", Hint{Threads: -1}, errs.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Select(tt.hint)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Select(%+v) = %v, want %v", tt.hint, err, tt.want)
			}
		})
	}
}

func TestOpsMatVec(t *testing.T) {
	t.Parallel()
	b, err := Select(Hint{Device: CPU, Threads: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	w := tensor.NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	dst := make([]float32, 2)
	b.Ops().MatVec(dst, &w, []float32{1, 1, 1})
	if dst[0] != 6 || dst[1] != 15 {
		t.Fatalf("dst = %v", dst)
	}
	b.Close()
	b.Close()
}

func TestAvailable(t *testing.T) {
	t.Parallel()
	if !Has(CPU) || Has(CUDA) {
		t.Fatalf("unexpected registry: %s", Available())
	}
	if Available() != "cpu" {
		t.Fatalf("Available() = %q", Available())
	}
}

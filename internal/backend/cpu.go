package backend

import (
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/MistApproach/callm/internal/tensor"
)

func init() {
	register(CPU, driver{
		precisions: []tensor.DType{tensor.F32, tensor.BF16, tensor.F16},
		open:       openCPU,
	})
}

type cpuOps struct {
	pool *tensor.Pool
}

func (o cpuOps) MatVec(dst []float32, w *tensor.Mat, x []float32) {
	o.pool.MatVec(dst, w, x)
}

func (o cpuOps) Threads() int { return o.pool.Size() }

func openCPU(h Hint, dt tensor.DType) (*Backend, error) {
	threads := h.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	pool := tensor.NewPool(threads)
	return &Backend{
		device: Device{
			Name:      CPU,
			Precision: dt,
			Threads:   pool.Size(),
			Features:  cpuFeatures(),
		},
		ops:   cpuOps{pool: pool},
		close: pool.Close,
	}, nil
}

func cpuFeatures() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
		add(cpu.X86.HasAVX512BF16, "avx512bf16")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "neon")
		add(cpu.ARM64.HasFPHP, "fp16")
		add(cpu.ARM64.HasASIMDDP, "dotprod")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return out
}

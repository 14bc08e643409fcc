// Package backend selects the compute device and weight precision for a
// pipeline and exposes the forward-pass capability of that device.
package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/model"
	"github.com/MistApproach/callm/internal/tensor"
)

const (
	Auto  = "auto"
	CPU   = "cpu"
	CUDA  = "cuda"
	Metal = "metal"
)

// Precision names accepted in a Hint.
const (
	PrecisionAuto = "auto"
	PrecisionF32  = "f32"
	PrecisionF16  = "f16"
	PrecisionBF16 = "bf16"
)

// accelerators are tried by Auto in order.
var accelerators = []string{CUDA, Metal}

// Hint is the caller's device request.
type Hint struct {
	Device    string
	Precision string
	// Threads bounds the CPU worker pool. Zero means GOMAXPROCS.
	Threads int
}

// Device describes the selected device.
type Device struct {
	Name      string
	Precision tensor.DType
	Threads   int
	Features  []string
}

func (d Device) String() string {
	s := fmt.Sprintf("%s/%s", d.Name, d.Precision)
	if d.Threads > 0 {
		s += fmt.Sprintf(" threads=%d", d.Threads)
	}
	return s
}

// Backend is a selected device with its compute capability.
type Backend struct {
	device Device
	ops    model.Ops
	close  func()
}

type driver struct {
	// precisions the device can store weights in; the first is the default.
	precisions []tensor.DType
	open       func(h Hint, dt tensor.DType) (*Backend, error)
}

var registry = map[string]driver{}

func register(name string, d driver) {
	registry[name] = d
}

// Normalize lower-cases a device name and maps "" to Auto.
func Normalize(name string) (string, error) {
	dev := strings.ToLower(strings.TrimSpace(name))
	if dev == "" {
		return Auto, nil
	}
	switch dev {
	case Auto, CPU, CUDA, Metal:
		return dev, nil
	default:
		return "", errs.Errorf(errs.KindInvalidConfig, "backend", "unknown device %q (expected auto, cpu, cuda or metal)", name)
	}
}

func parsePrecision(p string) (tensor.DType, bool, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "", PrecisionAuto:
		return 0, true, nil
	case PrecisionF32:
		return tensor.F32, false, nil
	case PrecisionF16:
		return tensor.F16, false, nil
	case PrecisionBF16:
		return tensor.BF16, false, nil
	default:
		return 0, false, errs.Errorf(errs.KindInvalidConfig, "backend", "unknown precision %q (expected auto, f32, f16 or bf16)", p)
	}
}

// Select resolves h to a usable backend. A device that is known but not
// available in this build is a DeviceError; there is no silent fallback.
func Select(h Hint) (*Backend, error) {
	name, err := Normalize(h.Device)
	if err != nil {
		return nil, err
	}
	if h.Threads < 0 {
		return nil, errs.Errorf(errs.KindInvalidConfig, "backend", "threads must be >= 0, got %d", h.Threads)
	}
	dt, auto, err := parsePrecision(h.Precision)
	if err != nil {
		return nil, err
	}

	if name == Auto {
		name = CPU
		for _, acc := range accelerators {
			if _, ok := registry[acc]; ok {
				name = acc
				break
			}
		}
	}

	drv, ok := registry[name]
	if !ok {
		return nil, errs.Errorf(errs.KindDevice, "backend", "device %q is not available in this build (available: %s)", name, Available())
	}
	if auto {
		dt = drv.precisions[0]
	} else if !supports(drv, dt) {
		return nil, errs.Errorf(errs.KindDevice, "backend", "device %q does not support %s weights", name, dt)
	}
	return drv.open(h, dt)
}

func supports(d driver, dt tensor.DType) bool {
	for _, p := range d.precisions {
		if p == dt {
			return true
		}
	}
	return false
}

// Ops returns the forward-pass capability.
func (b *Backend) Ops() model.Ops { return b.ops }

func (b *Backend) Device() Device { return b.device }

// DType is the storage precision weights are materialised in.
func (b *Backend) DType() tensor.DType { return b.device.Precision }

// Close releases device resources. It is safe to call more than once.
func (b *Backend) Close() {
	if b == nil || b.close == nil {
		return
	}
	b.close()
	b.close = nil
}

// Has reports whether a device is registered in this build.
func Has(name string) bool {
	_, ok := registry[name]
	return ok
}

// Available returns a comma-separated list of available devices.
func Available() string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

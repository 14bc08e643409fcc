package tensor

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// DType is the storage encoding of a Mat.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// ElemSize returns the number of bytes per element.
func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

var fp16Table = func() *[1 << 16]float32 {
	var t [1 << 16]float32
	for i := range t {
		t[i] = float16.Frombits(uint16(i)).Float32()
	}
	return &t
}()

// F16ToF32 decodes an IEEE half-precision value.
func F16ToF32(u uint16) float32 { return fp16Table[u] }

// F32ToF16 encodes v as IEEE half precision (round to nearest even).
func F32ToF16(v float32) uint16 { return float16.Fromfloat32(v).Bits() }

// BF16ToF32 decodes a bfloat16 value: the upper half of a float32.
func BF16ToF32(u uint16) float32 { return math.Float32frombits(uint32(u) << 16) }

// F32ToBF16 encodes v as bfloat16 with round to nearest even. NaN stays NaN.
func F32ToBF16(v float32) uint16 {
	b := math.Float32bits(v)
	if v != v {
		return uint16(b>>16) | 0x40
	}
	b += 0x7fff + (b>>16)&1
	return uint16(b >> 16)
}

func u16le(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

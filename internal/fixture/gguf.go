// Package fixture writes small model files (GGUF, safetensors and
// Hugging Face style directories) for tests.
package fixture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/MistApproach/callm/internal/tensor"
)

// GGML tensor type ids.
const (
	GGMLF32  uint32 = 0
	GGMLF16  uint32 = 1
	GGMLQ4_0 uint32 = 2
	GGMLQ8_0 uint32 = 8
)

// KV is one metadata entry. The GGUF value type follows the Go type of
// Value: integers, float32/float64, bool, string and slices of those.
type KV struct {
	Key   string
	Value any
}

type GGUFTensor struct {
	Name string
	// Dims are GGUF order: innermost (columns) first.
	Dims []uint64
	Type uint32
	Data []byte
}

// WriteGGUF writes a version 3 GGUF file. Alignment is taken from a
// general.alignment entry when present, else 32.
func WriteGGUF(path string, kvs []KV, tensors []GGUFTensor) error {
	alignment := uint64(32)
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	wstr := func(s string) {
		w(uint64(len(s)))
		buf.WriteString(s)
	}

	buf.WriteString("GGUF")
	w(uint32(3))
	w(uint64(len(tensors)))
	w(uint64(len(kvs)))
	for _, kv := range kvs {
		if kv.Key == "general.alignment" {
			if a, ok := kv.Value.(uint32); ok && a > 0 {
				alignment = uint64(a)
			}
		}
		wstr(kv.Key)
		if err := writeValue(&buf, kv.Value, true); err != nil {
			return fmt.Errorf("%s: %w", kv.Key, err)
		}
	}

	var offset uint64
	offsets := make([]uint64, len(tensors))
	for i, t := range tensors {
		offsets[i] = offset
		offset = alignUp(offset+uint64(len(t.Data)), alignment)
	}
	for i, t := range tensors {
		wstr(t.Name)
		w(uint32(len(t.Dims)))
		for _, d := range t.Dims {
			w(d)
		}
		w(t.Type)
		w(offsets[i])
	}
	pad := alignUp(uint64(buf.Len()), alignment) - uint64(buf.Len())
	buf.Write(make([]byte, pad))
	start := uint64(buf.Len())
	for i, t := range tensors {
		if gap := start + offsets[i] - uint64(buf.Len()); gap > 0 {
			buf.Write(make([]byte, gap))
		}
		buf.Write(t.Data)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func alignUp(n, a uint64) uint64 {
	if r := n % a; r != 0 {
		return n + a - r
	}
	return n
}

func valueType(v any) (uint32, bool) {
	switch v.(type) {
	case uint8:
		return 0, true
	case int8:
		return 1, true
	case uint16:
		return 2, true
	case int16:
		return 3, true
	case uint32:
		return 4, true
	case int32:
		return 5, true
	case float32:
		return 6, true
	case bool:
		return 7, true
	case string:
		return 8, true
	case uint64:
		return 10, true
	case int64:
		return 11, true
	case float64:
		return 12, true
	}
	return 0, false
}

func writeValue(buf *bytes.Buffer, v any, withType bool) error {
	le := binary.LittleEndian
	if arr, elem, ok := asArray(v); ok {
		if withType {
			_ = binary.Write(buf, le, uint32(9))
		}
		et, ok := valueType(elem)
		if !ok {
			return fmt.Errorf("unsupported array element %T", elem)
		}
		_ = binary.Write(buf, le, et)
		_ = binary.Write(buf, le, uint64(len(arr)))
		for _, item := range arr {
			if err := writeValue(buf, item, false); err != nil {
				return err
			}
		}
		return nil
	}
	vt, ok := valueType(v)
	if !ok {
		return fmt.Errorf("unsupported value %T", v)
	}
	if withType {
		_ = binary.Write(buf, le, vt)
	}
	switch t := v.(type) {
	case string:
		_ = binary.Write(buf, le, uint64(len(t)))
		buf.WriteString(t)
	case bool:
		if t {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	default:
		_ = binary.Write(buf, le, t)
	}
	return nil
}

// asArray flattens the supported slice types. elem is a zero value of the
// element type so empty arrays still carry a type.
func asArray(v any) ([]any, any, bool) {
	switch t := v.(type) {
	case []string:
		return toAny(t), "", true
	case []int32:
		return toAny(t), int32(0), true
	case []uint32:
		return toAny(t), uint32(0), true
	case []float32:
		return toAny(t), float32(0), true
	}
	return nil, nil, false
}

func toAny[T any](s []T) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// F32Bytes encodes values as little-endian float32.
func F32Bytes(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// F16Bytes encodes values as little-endian IEEE half precision.
func F16Bytes(vals []float32) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], tensor.F32ToF16(v))
	}
	return out
}

// BF16Bytes encodes values as little-endian bfloat16.
func BF16Bytes(vals []float32) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], tensor.F32ToBF16(v))
	}
	return out
}

// Q80Bytes quantizes values (a multiple of 32) to Q8_0 blocks.
func Q80Bytes(vals []float32) []byte {
	var out []byte
	for b := 0; b < len(vals); b += 32 {
		blk := vals[b : b+32]
		var amax float32
		for _, v := range blk {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, tensor.F32ToF16(d))
		for _, v := range blk {
			out = append(out, byte(int8(math.Round(float64(v*id)))))
		}
	}
	return out
}

// Q40Bytes quantizes values (a multiple of 32) to Q4_0 blocks.
func Q40Bytes(vals []float32) []byte {
	var out []byte
	for b := 0; b < len(vals); b += 32 {
		blk := vals[b : b+32]
		var amax, mx float32
		for _, v := range blk {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax, mx = a, v
			}
		}
		d := mx / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, tensor.F32ToF16(d))
		for j := 0; j < 16; j++ {
			lo := min(15, int(blk[j]*id+8.5))
			hi := min(15, int(blk[j+16]*id+8.5))
			out = append(out, byte(lo)|byte(hi)<<4)
		}
	}
	return out
}

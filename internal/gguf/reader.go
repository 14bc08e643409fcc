package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// reader is a little-endian cursor over the mapped file. The first failure
// is kept in err; later reads return zero values, so callers check err once
// per record.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.fail(io.ErrUnexpectedEOF)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// count reads a u64 length and rejects values larger than the bytes left,
// since every element takes at least one byte.
func (r *reader) count(what string) uint64 {
	n := r.u64()
	if r.err == nil && n > uint64(r.remaining()) {
		r.fail(fmt.Errorf("%s length %d exceeds file size", what, n))
		return 0
	}
	return n
}

// str copies the bytes out so metadata outlives the mapping.
func (r *reader) str() string {
	n := r.count("string")
	return string(r.bytes(int(n)))
}

// value decodes one metadata value of type t.
func (r *reader) value(t ValueType) any {
	switch t {
	case TypeUint8:
		return r.u8()
	case TypeInt8:
		return int8(r.u8())
	case TypeUint16:
		return r.u16()
	case TypeInt16:
		return int16(r.u16())
	case TypeUint32:
		return r.u32()
	case TypeInt32:
		return int32(r.u32())
	case TypeUint64:
		return r.u64()
	case TypeInt64:
		return int64(r.u64())
	case TypeFloat32:
		return math.Float32frombits(r.u32())
	case TypeFloat64:
		return math.Float64frombits(r.u64())
	case TypeBool:
		return r.u8() != 0
	case TypeString:
		return r.str()
	case TypeArray:
		elem := ValueType(r.u32())
		n := r.count("array")
		arr := ArrayValue{ElemType: elem, Values: make([]any, 0, n)}
		for range n {
			v := r.value(elem)
			if r.err != nil {
				return nil
			}
			arr.Values = append(arr.Values, v)
		}
		return arr
	}
	r.fail(fmt.Errorf("unsupported value type %d", uint32(t)))
	return nil
}

package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MistApproach/callm/internal/tensor"
)

var ErrUnsupportedType = errors.New("unsupported tensor type")

const (
	// QK_K is the super-block length of the k-quant formats.
	QK_K = 256
	qk0  = 32

	q40BlockSize = 2 + qk0/2
	q80BlockSize = 2 + qk0
	q4kBlockSize = 2 + 2 + 12 + QK_K/2
	q6kBlockSize = QK_K/2 + QK_K/4 + QK_K/16 + 2
)

// codec describes one decodable tensor type: elems values are stored in
// size bytes and decode expands one such block into dst.
type codec struct {
	elems, size int
	decode      func(dst []float32, blk []byte)
}

var codecs = map[TensorType]codec{
	GGMLTypeF32: {1, 4, func(dst []float32, b []byte) {
		dst[0] = math.Float32frombits(binary.LittleEndian.Uint32(b))
	}},
	GGMLTypeF16: {1, 2, func(dst []float32, b []byte) {
		dst[0] = f16At(b)
	}},
	GGMLTypeBF16: {1, 2, func(dst []float32, b []byte) {
		dst[0] = tensor.BF16ToF32(binary.LittleEndian.Uint16(b))
	}},
	GGMLTypeQ4_0: {qk0, q40BlockSize, decodeQ40},
	GGMLTypeQ8_0: {qk0, q80BlockSize, decodeQ80},
	GGMLTypeQ4_K: {QK_K, q4kBlockSize, decodeQ4K},
	GGMLTypeQ6_K: {QK_K, q6kBlockSize, decodeQ6K},
}

// Dequantize decodes n elements of type t from data.
func Dequantize(t TensorType, data []byte, n int) ([]float32, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if n%c.elems != 0 {
		return nil, fmt.Errorf("%s: %d elements is not a multiple of the block size %d", t, n, c.elems)
	}
	blocks := n / c.elems
	if len(data) != blocks*c.size {
		return nil, fmt.Errorf("%s: %d bytes for %d elements, want %d", t, len(data), n, blocks*c.size)
	}
	out := make([]float32, n)
	for b := range blocks {
		c.decode(out[b*c.elems:(b+1)*c.elems], data[b*c.size:(b+1)*c.size])
	}
	return out, nil
}

// DequantizeQ40 decodes Q4_0 data.
func DequantizeQ40(data []byte, n int) ([]float32, error) {
	return Dequantize(GGMLTypeQ4_0, data, n)
}

// decodeQ40: an f16 scale, then 4-bit quants offset by 8. Low nibbles hold
// the first half of the block.
func decodeQ40(dst []float32, blk []byte) {
	d := f16At(blk)
	for j, q := range blk[2:] {
		dst[j] = float32(int(q&0x0F)-8) * d
		dst[j+qk0/2] = float32(int(q>>4)-8) * d
	}
}

// decodeQ80: an f16 scale, then signed bytes.
func decodeQ80(dst []float32, blk []byte) {
	d := f16At(blk)
	for j, q := range blk[2:] {
		dst[j] = float32(int8(q)) * d
	}
}

// decodeQ4K: f16 scale and min, 12 bytes of packed 6-bit sub-block
// scales and mins, then 128 bytes of nibbles. Each 32-byte run of nibbles
// covers 64 values, low nibbles first.
func decodeQ4K(dst []float32, blk []byte) {
	d, dmin := f16At(blk), f16At(blk[2:])
	scales, qs := blk[4:16], blk[16:]
	for chunk := range QK_K / 64 {
		q := qs[chunk*32 : chunk*32+32]
		y := dst[chunk*64:]
		sc1, m1 := scaleMinK4(2*chunk, scales)
		sc2, m2 := scaleMinK4(2*chunk+1, scales)
		d1, min1 := d*float32(sc1), dmin*float32(m1)
		d2, min2 := d*float32(sc2), dmin*float32(m2)
		for l, v := range q {
			y[l] = d1*float32(v&0x0F) - min1
			y[l+32] = d2*float32(v>>4) - min2
		}
	}
}

// scaleMinK4 unpacks the j-th 6-bit scale and min of a Q4_K block.
func scaleMinK4(j int, s []byte) (uint8, uint8) {
	if j < 4 {
		return s[j] & 63, s[j+4] & 63
	}
	return (s[j+4] & 0x0F) | (s[j-4]>>6)<<4, (s[j+4] >> 4) | (s[j]>>6)<<4
}

// decodeQ6K: 128 bytes of low nibbles, 64 bytes of high 2-bit pairs, 16
// signed sub-block scales and a trailing f16 scale. Values are offset by 32.
func decodeQ6K(dst []float32, blk []byte) {
	ql, qh, sc := blk[:128], blk[128:192], blk[192:208]
	d := f16At(blk[208:])
	for half := range 2 {
		lo, hi, s := ql[half*64:], qh[half*32:], sc[half*8:]
		y := dst[half*128:]
		for l := range 32 {
			is := l / 16
			q := [4]int8{
				int8(lo[l]&0x0F|(hi[l]&3)<<4) - 32,
				int8(lo[l+32]&0x0F|(hi[l]>>2&3)<<4) - 32,
				int8(lo[l]>>4|(hi[l]>>4&3)<<4) - 32,
				int8(lo[l+32]>>4|(hi[l]>>6&3)<<4) - 32,
			}
			for k, v := range q {
				y[l+32*k] = d * float32(int8(s[is+2*k])) * float32(v)
			}
		}
	}
}

func f16At(b []byte) float32 {
	return tensor.F16ToF32(binary.LittleEndian.Uint16(b))
}

package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

// Mat is a dense row-major matrix. Stride is the element distance between
// the starts of consecutive rows.
//
// F32 matrices live in Data. F16 and BF16 matrices stay encoded in Raw
// (little-endian) and are decoded on the fly by MatVec and RowTo.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zeroed F32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(fmt.Sprintf("tensor: negative shape %dx%d", r, c))
	}
	return NewMatFromData(r, c, make([]float32, r*c))
}

// NewMatFromData wraps data as an F32 matrix without copying.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic(fmt.Sprintf("tensor: %d values for a %dx%d matrix", len(data), r, c))
	}
	return Mat{R: r, C: c, Stride: c, DType: F32, Data: data}
}

// NewMatFromRaw views r*c little-endian elements of dtype as a matrix.
// F32 input is decoded into Data; half-precision input is kept as is.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	n, err := elements(r, c)
	if err != nil {
		return Mat{}, err
	}
	size := dtype.ElemSize()
	if size == 0 {
		return Mat{}, fmt.Errorf("tensor: no matrix storage for dtype %s", dtype)
	}
	if len(raw) != n*size {
		return Mat{}, fmt.Errorf("tensor: %dx%d %s needs %d bytes, got %d", r, c, dtype, n*size, len(raw))
	}
	if dtype != F32 {
		return Mat{R: r, C: c, Stride: c, DType: dtype, Raw: raw}, nil
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return NewMatFromData(r, c, data), nil
}

// Encode stores F32 data as a matrix of dtype.
func Encode(r, c int, data []float32, dtype DType) (Mat, error) {
	if r*c != len(data) {
		return Mat{}, fmt.Errorf("tensor: %d values for a %dx%d matrix", len(data), r, c)
	}
	var enc func(float32) uint16
	switch dtype {
	case F32:
		return NewMatFromData(r, c, data), nil
	case F16:
		enc = F32ToF16
	case BF16:
		enc = F32ToBF16
	default:
		return Mat{}, fmt.Errorf("tensor: cannot encode to dtype %s", dtype)
	}
	raw := make([]byte, 0, 2*len(data))
	for _, v := range data {
		raw = binary.LittleEndian.AppendUint16(raw, enc(v))
	}
	return Mat{R: r, C: c, Stride: c, DType: dtype, Raw: raw}, nil
}

func elements(r, c int) (int, error) {
	if r < 0 || c < 0 {
		return 0, fmt.Errorf("tensor: negative shape %dx%d", r, c)
	}
	if r != 0 && (r*c)/r != c {
		return 0, fmt.Errorf("tensor: shape %dx%d overflows", r, c)
	}
	return r * c, nil
}

func (m *Mat) encoded() bool { return m.Raw != nil && m.DType != F32 }

// Rows returns the view of rows [start, end).
func (m *Mat) Rows(start, end int) Mat {
	if start < 0 || end > m.R || start > end {
		panic(fmt.Sprintf("tensor: rows [%d, %d) of %d", start, end, m.R))
	}
	v := *m
	v.R = end - start
	if m.encoded() {
		es := m.DType.ElemSize()
		v.Raw = m.Raw[start*m.Stride*es : end*m.Stride*es]
	} else {
		v.Data = m.Data[start*m.Stride : end*m.Stride]
	}
	return v
}

// Bytes reports the memory held by the payload.
func (m *Mat) Bytes() int {
	if m.Raw != nil {
		return len(m.Raw)
	}
	return 4 * len(m.Data)
}

// Row returns row i. F32 rows alias the matrix, encoded rows are decoded
// into a new slice.
func (m *Mat) Row(i int) []float32 {
	m.checkRow(i)
	if !m.encoded() {
		return m.Data[i*m.Stride : i*m.Stride+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes row i into dst[:C].
func (m *Mat) RowTo(dst []float32, i int) {
	m.checkRow(i)
	dst = dst[:m.C]
	if !m.encoded() {
		copy(dst, m.Data[i*m.Stride:])
		return
	}
	var dec func(uint16) float32
	switch m.DType {
	case F16:
		dec = F16ToF32
	case BF16:
		dec = BF16ToF32
	default:
		panic("tensor: cannot decode dtype " + m.DType.String())
	}
	off := 2 * i * m.Stride
	for j := range dst {
		dst[j] = dec(u16le(m.Raw, off+2*j))
	}
}

func (m *Mat) checkRow(i int) {
	if i < 0 || i >= m.R {
		panic(fmt.Sprintf("tensor: row %d of %d", i, m.R))
	}
}

// FillRand fills an F32 matrix with values drawn uniformly from
// (-scale/2, scale/2) using a fixed seed.
func FillRand(m *Mat, seed int64, scale float32) {
	if m.encoded() {
		panic("tensor: FillRand needs an f32 matrix")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}

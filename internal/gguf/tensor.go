package gguf

import (
	"errors"
	"fmt"
	"math"
)

// ErrTensorNotFound is returned for names absent from the file.
var ErrTensorNotFound = errors.New("gguf: tensor not found")

// TensorByName returns the tensor info for the given name.
func (f *File) TensorByName(name string) (TensorInfo, bool) {
	i, ok := f.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// Elements is the product of the dims, or 0 if it does not fit an int.
func (t TensorInfo) Elements() int {
	n, _ := elementCount(t.Dims)
	return n
}

// Raw returns the encoded bytes of a tensor as a view into the mapping.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	info, ok := f.TensorByName(name)
	if !ok {
		return nil, info, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if f.Data == nil {
		return nil, info, fmt.Errorf("tensor %s: file is closed", name)
	}
	size, err := info.byteSize()
	if err != nil {
		return nil, info, fmt.Errorf("tensor %s: %w", name, err)
	}
	start := f.DataOffset + info.Offset
	end := start + uint64(size)
	if start < f.DataOffset || end < start || end > uint64(len(f.Data)) {
		return nil, info, fmt.Errorf("tensor %s: data [%d, %d) outside the file", name, start, end)
	}
	return f.Data[start:end], info, nil
}

// ReadTensorF32 decodes a tensor of any supported type into a new slice.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, info, err
	}
	out, err := Dequantize(info.Type, raw, info.Elements())
	if err != nil {
		return nil, info, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

func (t TensorInfo) byteSize() (int, error) {
	n, err := elementCount(t.Dims)
	if err != nil {
		return 0, err
	}
	c, ok := codecs[t.Type]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t.Type)
	}
	if n%c.elems != 0 {
		return 0, fmt.Errorf("%s holds blocks of %d, got %d elements", t.Type, c.elems, n)
	}
	return n / c.elems * c.size, nil
}

func elementCount(dims []uint64) (int, error) {
	if len(dims) == 0 {
		return 0, errors.New("no dims")
	}
	n := uint64(1)
	for _, d := range dims {
		if d == 0 || n > math.MaxInt/d {
			return 0, fmt.Errorf("bad dims %v", dims)
		}
		n *= d
	}
	return int(n), nil
}

// Supported reports whether tensors of type t can be decoded.
func (t TensorType) Supported() bool {
	_, ok := codecs[t]
	return ok
}

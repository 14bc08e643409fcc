package loader

import (
	"bytes"
	"fmt"

	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/internal/model"
	"github.com/MistApproach/callm/internal/safetensors"
	"github.com/MistApproach/callm/internal/tensor"
)

// stSource reads parameters from a set of safetensors shards. Returned
// matrices own their memory so the shards can be unmapped after loading.
type stSource struct {
	set *safetensors.Set
}

func (s stSource) Has(name string) bool {
	_, ok := s.set.Tensor(name)
	return ok
}

func (s stSource) Mat(name string, dtype tensor.DType) (*tensor.Mat, error) {
	info, ok := s.set.Tensor(name)
	if !ok {
		return nil, model.ErrTensorNotFound
	}
	if len(info.Shape) != 2 {
		return nil, fmt.Errorf("expected a matrix, got shape %v", info.Shape)
	}
	stored, err := safetensors.DType(info.DType)
	if err != nil {
		return nil, err
	}
	r, c := info.Shape[0], info.Shape[1]
	if stored == dtype {
		raw, _, err := s.set.ReadTensor(name)
		if err != nil {
			return nil, err
		}
		if dtype != tensor.F32 {
			raw = bytes.Clone(raw)
		}
		m, err := tensor.NewMatFromRaw(r, c, dtype, raw)
		return &m, err
	}
	data, _, err := s.set.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	m, err := tensor.Encode(r, c, data, dtype)
	return &m, err
}

func (s stSource) Vec(name string) ([]float32, error) {
	if !s.Has(name) {
		return nil, model.ErrTensorNotFound
	}
	data, _, err := s.set.ReadTensorF32(name)
	return data, err
}

// ggufSource reads parameters from a GGUF file. Block-quantized tensors are
// dequantized and re-encoded in the backend precision.
type ggufSource struct {
	f *gguf.File
}

func (s ggufSource) Has(name string) bool {
	_, ok := s.f.TensorByName(name)
	return ok
}

func (s ggufSource) Mat(name string, dtype tensor.DType) (*tensor.Mat, error) {
	if !s.Has(name) {
		return nil, model.ErrTensorNotFound
	}
	raw, info, err := s.f.Raw(name)
	if err != nil {
		return nil, err
	}
	dims, typ := info.Dims, info.Type
	if len(dims) != 2 {
		return nil, fmt.Errorf("expected a matrix, got dims %v", dims)
	}
	// GGUF lists the innermost dimension first.
	r, c := int(dims[1]), int(dims[0])
	switch {
	case typ == gguf.GGMLTypeF32 && dtype == tensor.F32:
		m, err := tensor.NewMatFromRaw(r, c, tensor.F32, raw)
		return &m, err
	case typ == gguf.GGMLTypeF16 && dtype == tensor.F16:
		m, err := tensor.NewMatFromRaw(r, c, tensor.F16, bytes.Clone(raw))
		return &m, err
	}
	data, err := gguf.Dequantize(typ, raw, r*c)
	if err != nil {
		return nil, err
	}
	m, err := tensor.Encode(r, c, data, dtype)
	return &m, err
}

func (s ggufSource) Vec(name string) ([]float32, error) {
	if !s.Has(name) {
		return nil, model.ErrTensorNotFound
	}
	data, _, err := s.f.ReadTensorF32(name)
	return data, err
}

// Package gguf reads GGUF model containers: typed metadata, tensor infos and
// tensor data, with dequantization of the common block formats.
package gguf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const magicGGUF = "GGUF"

// ValueType tags a metadata value.
type ValueType uint32

const (
	TypeUint8 ValueType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
	TypeBool
	TypeString
	TypeArray
	TypeUint64
	TypeInt64
	TypeFloat64
)

var valueTypeNames = [...]string{
	TypeUint8: "u8", TypeInt8: "i8", TypeUint16: "u16", TypeInt16: "i16",
	TypeUint32: "u32", TypeInt32: "i32", TypeUint64: "u64", TypeInt64: "i64",
	TypeFloat32: "f32", TypeFloat64: "f64", TypeBool: "bool",
	TypeString: "string", TypeArray: "array",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// ArrayValue holds a decoded metadata array; every element has ElemType.
type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

// Value is one metadata entry. Value holds a bool, string, the Go integer
// or float type matching Type, or an ArrayValue.
type Value struct {
	Type  ValueType
	Value any
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// TensorType is the ggml storage type of a tensor.
type TensorType uint32

const (
	GGMLTypeF32 TensorType = iota
	GGMLTypeF16
	GGMLTypeQ4_0
	GGMLTypeQ4_1
	_ // Q4_2, retired
	_ // Q4_3, retired
	GGMLTypeQ5_0
	GGMLTypeQ5_1
	GGMLTypeQ8_0
	GGMLTypeQ8_1
	GGMLTypeQ2_K
	GGMLTypeQ3_K
	GGMLTypeQ4_K
	GGMLTypeQ5_K
	GGMLTypeQ6_K
	GGMLTypeQ8_K
)

const (
	GGMLTypeI8 TensorType = 24 + iota
	GGMLTypeI16
	GGMLTypeI32
	GGMLTypeI64
	GGMLTypeF64
	_ // IQ1_M
	GGMLTypeBF16
)

var typeNames = map[TensorType]string{
	GGMLTypeF32: "F32", GGMLTypeF16: "F16", GGMLTypeBF16: "BF16", GGMLTypeF64: "F64",
	GGMLTypeQ4_0: "Q4_0", GGMLTypeQ4_1: "Q4_1", GGMLTypeQ5_0: "Q5_0", GGMLTypeQ5_1: "Q5_1",
	GGMLTypeQ8_0: "Q8_0", GGMLTypeQ8_1: "Q8_1",
	GGMLTypeQ2_K: "Q2_K", GGMLTypeQ3_K: "Q3_K", GGMLTypeQ4_K: "Q4_K",
	GGMLTypeQ5_K: "Q5_K", GGMLTypeQ6_K: "Q6_K", GGMLTypeQ8_K: "Q8_K",
	GGMLTypeI8: "I8", GGMLTypeI16: "I16", GGMLTypeI32: "I32", GGMLTypeI64: "I64",
}

func (t TensorType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// TensorInfo describes one tensor. Dims are innermost first and Offset is
// relative to File.DataOffset.
type TensorInfo struct {
	Name   string
	NDim   uint32
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// File is a parsed GGUF container backed by a read-only mapping.
type File struct {
	Path       string
	Header     Header
	KV         map[string]Value
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64
	Data       []byte

	byName map[string]int
}

// Open maps path and parses the header, metadata and tensor infos. Tensor
// data stays in the mapping until Close.
func Open(path string) (*File, error) {
	data, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	f, err := parse(path, data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func mapFile(path string) ([]byte, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fd.Close() }()

	st, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	// magic, version and the two counts
	if st.Size() < 4+4+8+8 {
		return nil, fmt.Errorf("%s: too short for a gguf header (%d bytes)", path, st.Size())
	}
	data, err := unix.Mmap(int(fd.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return data, nil
}

func parse(path string, data []byte) (*File, error) {
	r := &reader{buf: data}

	if magic := r.bytes(4); r.err == nil && string(magic) != magicGGUF {
		return nil, fmt.Errorf("invalid magic: %q", string(magic))
	}
	version := r.u32()
	tensorCount := r.u64()
	kvCount := r.u64()
	if r.err != nil {
		return nil, fmt.Errorf("read header: %w", r.err)
	}
	if version < 2 || version > 3 {
		return nil, fmt.Errorf("unsupported gguf version %d", version)
	}
	// Every entry needs at least a few bytes; reject counts the file cannot hold.
	if tensorCount > uint64(len(data)) || kvCount > uint64(len(data)) {
		return nil, fmt.Errorf("implausible counts: %d tensors, %d kv", tensorCount, kvCount)
	}

	kv := make(map[string]Value, kvCount)
	for i := range kvCount {
		key := r.str()
		vtype := ValueType(r.u32())
		val := r.value(vtype)
		if r.err != nil {
			return nil, fmt.Errorf("read metadata entry %d (%q): %w", i, key, r.err)
		}
		kv[key] = Value{Type: vtype, Value: val}
	}

	tensors := make([]TensorInfo, 0, tensorCount)
	byName := make(map[string]int, tensorCount)
	for i := range tensorCount {
		info := TensorInfo{Name: r.str(), NDim: r.u32()}
		if r.err == nil && info.NDim > 4 {
			return nil, fmt.Errorf("tensor %s: %d dims", info.Name, info.NDim)
		}
		info.Dims = make([]uint64, info.NDim)
		for d := range info.Dims {
			info.Dims[d] = r.u64()
		}
		info.Type = TensorType(r.u32())
		info.Offset = r.u64()
		if r.err != nil {
			return nil, fmt.Errorf("read tensor info %d: %w", i, r.err)
		}
		if _, dup := byName[info.Name]; dup {
			return nil, fmt.Errorf("duplicate tensor %s", info.Name)
		}
		byName[info.Name] = len(tensors)
		tensors = append(tensors, info)
	}

	alignment := uint64(32)
	if v, ok := kv["general.alignment"]; ok {
		if u, ok := asUint64(v.Value); ok && u > 0 {
			alignment = u
		}
	}

	return &File{
		Path:       path,
		Header:     Header{Version: version, TensorCount: tensorCount, KVCount: kvCount},
		KV:         kv,
		Tensors:    tensors,
		Alignment:  alignment,
		DataOffset: align(uint64(r.off), alignment),
		Data:       data,
		byName:     byName,
	}, nil
}

// Close unmaps the file. It is safe to call more than once.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	err := unix.Munmap(f.Data)
	f.Data = nil
	return err
}

// Architecture returns general.architecture, or "" when absent.
func (f *File) Architecture() string {
	s, _ := GetString(f.KV, "general.architecture")
	return s
}

func align(off, to uint64) uint64 {
	if to == 0 {
		return off
	}
	return (off + to - 1) / to * to
}

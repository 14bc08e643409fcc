package loader

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/MistApproach/callm/internal/errs"
	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/internal/model"
)

// TensorSummary describes one stored tensor. Shape is row-major for both
// formats.
type TensorSummary struct {
	Name  string
	DType string
	Shape []int
}

// Summary is what Describe reads from a checkpoint without materializing
// any weights.
type Summary struct {
	Location Location
	Config   model.Config
	Tensors  []TensorSummary
	// Metadata holds the general.* strings of a GGUF file.
	Metadata map[string]string
}

// Describe reads the configuration and tensor directory of loc.
func Describe(loc Location) (*Summary, error) {
	switch loc.Format {
	case model.FormatSafetensors:
		return describeSafetensors(loc)
	case model.FormatGGUF:
		return describeGGUF(loc)
	}
	return nil, errs.Errorf(errs.KindLoad, "loader.Describe", "unsupported format %s", loc.Format)
}

func describeSafetensors(loc Location) (*Summary, error) {
	st, err := os.Stat(loc.Path)
	if err != nil {
		return nil, errs.E(errs.KindLoad, "loader.Describe", err)
	}
	dir := hfDir(loc.Path, st.IsDir())
	cfg, err := readHFConfig(dir)
	if err != nil {
		return nil, err
	}
	paths, err := shardPaths(loc.Path, dir, st.IsDir())
	if err != nil {
		return nil, err
	}
	set, err := openSet(paths)
	if err != nil {
		return nil, err
	}
	defer set.Close()

	s := &Summary{Location: loc, Config: cfg}
	names := set.Names()
	slices.Sort(names)
	for _, name := range names {
		info, _ := set.Tensor(name)
		s.Tensors = append(s.Tensors, TensorSummary{Name: name, DType: info.DType, Shape: slices.Clone(info.Shape)})
	}
	return s, nil
}

func describeGGUF(loc Location) (*Summary, error) {
	f, err := gguf.Open(loc.Path)
	if err != nil {
		return nil, errs.E(errs.KindLoad, "loader.Describe", err)
	}
	defer f.Close()
	cfg, err := model.ConfigFromGGUF(f)
	if err != nil {
		return nil, err
	}

	s := &Summary{Location: loc, Config: cfg, Metadata: map[string]string{}}
	for _, t := range f.Tensors {
		shape := make([]int, len(t.Dims))
		for i, d := range t.Dims {
			shape[len(shape)-1-i] = int(d)
		}
		s.Tensors = append(s.Tensors, TensorSummary{Name: t.Name, DType: t.Type.String(), Shape: shape})
	}
	for _, key := range slices.Sorted(maps.Keys(f.KV)) {
		if !strings.HasPrefix(key, "general.") {
			continue
		}
		if v, ok := gguf.GetString(f.KV, key); ok {
			s.Metadata[key] = v
		}
	}
	return s, nil
}

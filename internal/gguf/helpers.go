package gguf

// Typed lookups over the metadata map. Every getter reports false when the
// key is missing or holds a different type; integer getters accept any of
// the eight GGUF integer widths.

func lookup[T any](kv map[string]Value, key string) (T, bool) {
	var zero T
	v, ok := kv[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value.(T)
	return t, ok
}

func GetString(kv map[string]Value, key string) (string, bool) { return lookup[string](kv, key) }

func GetBool(kv map[string]Value, key string) (bool, bool) { return lookup[bool](kv, key) }

func GetInt64(kv map[string]Value, key string) (int64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	return asInt64(v.Value)
}

func GetFloat64(kv map[string]Value, key string) (float64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	return asFloat64(v.Value)
}

// GetArray returns the elements of an array value as []T. Any element of
// another type makes the whole lookup fail.
func GetArray[T any](kv map[string]Value, key string) ([]T, bool) {
	return convertArray(kv, key, func(item any) (T, bool) {
		t, ok := item.(T)
		return t, ok
	})
}

// GetInts reads an array of any integer element type.
func GetInts(kv map[string]Value, key string) ([]int, bool) {
	return convertArray(kv, key, func(item any) (int, bool) {
		n, ok := asInt64(item)
		return int(n), ok
	})
}

// GetFloats reads an array of f32 or f64 values.
func GetFloats(kv map[string]Value, key string) ([]float32, bool) {
	return convertArray(kv, key, func(item any) (float32, bool) {
		f, ok := asFloat64(item)
		return float32(f), ok
	})
}

func convertArray[T any](kv map[string]Value, key string, conv func(any) (T, bool)) ([]T, bool) {
	arr, ok := lookup[ArrayValue](kv, key)
	if !ok {
		return nil, false
	}
	out := make([]T, len(arr.Values))
	for i, item := range arr.Values {
		if out[i], ok = conv(item); !ok {
			return nil, false
		}
	}
	return out, true
}

// ArchInt reads "<arch>.<suffix>" as an int.
func (f *File) ArchInt(suffix string) (int, bool) {
	v, ok := GetInt64(f.KV, f.Architecture()+"."+suffix)
	return int(v), ok
}

// ArchFloat reads "<arch>.<suffix>" as a float64.
func (f *File) ArchFloat(suffix string) (float64, bool) {
	return GetFloat64(f.KV, f.Architecture()+"."+suffix)
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	}
	return 0, false
}

// asUint64 rejects negative values.
func asUint64(v any) (uint64, bool) {
	n, ok := asInt64(v)
	if u, isU64 := v.(uint64); isU64 {
		return u, true
	}
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func asFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

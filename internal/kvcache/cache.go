// Package kvcache holds the per-layer attention keys and values of one
// generation run.
//
// Each layer owns two growable float32 buffers laid out time-major: row t is
// the kvDim-wide key (or value) vector of token t. Buffers start small and
// double up to the capacity given at construction, so short prompts on a
// large-context model do not pay for the whole window.
package kvcache

import (
	"fmt"

	"github.com/MistApproach/callm/internal/errs"
)

const minRows = 16

type Cache struct {
	kvDim    int
	capacity int
	keys     [][]float32
	values   [][]float32
	lens     []int
}

// New returns an empty cache for layers layers of kvDim-wide rows that can
// hold at most capacity tokens.
func New(layers, kvDim, capacity int) (*Cache, error) {
	if layers <= 0 || kvDim <= 0 || capacity <= 0 {
		return nil, errs.Errorf(errs.KindRuntime, "kvcache.New",
			"invalid shape layers=%d kv_dim=%d capacity=%d", layers, kvDim, capacity)
	}
	return &Cache{
		kvDim:    kvDim,
		capacity: capacity,
		keys:     make([][]float32, layers),
		values:   make([][]float32, layers),
		lens:     make([]int, layers),
	}, nil
}

func (c *Cache) Layers() int   { return len(c.lens) }
func (c *Cache) KVDim() int    { return c.kvDim }
func (c *Cache) Capacity() int { return c.capacity }

// Append extends layer by len(keys)/kvDim tokens.
func (c *Cache) Append(layer int, keys, values []float32) error {
	const op = "kvcache.Append"
	if layer < 0 || layer >= len(c.lens) {
		return errs.Errorf(errs.KindRuntime, op, "layer %d out of range [0,%d)", layer, len(c.lens))
	}
	if len(keys) != len(values) || len(keys)%c.kvDim != 0 {
		return errs.Errorf(errs.KindRuntime, op, "keys=%d values=%d not a multiple of kv_dim %d",
			len(keys), len(values), c.kvDim)
	}
	n := len(keys) / c.kvDim
	if c.lens[layer]+n > c.capacity {
		return errs.E(errs.KindRuntime, op,
			fmt.Errorf("%w: %d+%d tokens > %d", errs.ErrContextOverflow, c.lens[layer], n, c.capacity))
	}
	c.keys[layer] = c.grow(c.keys[layer], len(keys))
	c.values[layer] = c.grow(c.values[layer], len(values))
	c.keys[layer] = append(c.keys[layer], keys...)
	c.values[layer] = append(c.values[layer], values...)
	c.lens[layer] += n
	return nil
}

func (c *Cache) grow(buf []float32, extra int) []float32 {
	need := len(buf) + extra
	if need <= cap(buf) {
		return buf
	}
	rows := max(cap(buf)/c.kvDim*2, minRows)
	for rows*c.kvDim < need {
		rows *= 2
	}
	rows = min(rows, c.capacity)
	out := make([]float32, len(buf), rows*c.kvDim)
	copy(out, buf)
	return out
}

// Len is the number of tokens cached. It panics if layers disagree; Check
// reports the same condition as an error.
func (c *Cache) Len() int {
	if err := c.Check(); err != nil {
		panic(err)
	}
	return c.lens[0]
}

func (c *Cache) LayerLen(layer int) int { return c.lens[layer] }

// Keys returns a view of the cached keys of layer. It is only valid until the
// next Append or Reset.
func (c *Cache) Keys(layer int) []float32 { return c.keys[layer] }

func (c *Cache) Values(layer int) []float32 { return c.values[layer] }

// Reset empties every layer and keeps the allocated buffers.
func (c *Cache) Reset() {
	for i := range c.lens {
		c.keys[i] = c.keys[i][:0]
		c.values[i] = c.values[i][:0]
		c.lens[i] = 0
	}
}

// Check reports a RuntimeError wrapping errs.ErrCacheSkew when layers hold
// different numbers of tokens.
func (c *Cache) Check() error {
	for i, n := range c.lens {
		if n != c.lens[0] {
			return errs.E(errs.KindRuntime, "kvcache",
				fmt.Errorf("%w: layer 0 has %d tokens, layer %d has %d", errs.ErrCacheSkew, c.lens[0], i, n))
		}
	}
	return nil
}

// Bytes is the memory currently reserved by the cache.
func (c *Cache) Bytes() int {
	total := 0
	for i := range c.lens {
		total += (cap(c.keys[i]) + cap(c.values[i])) * 4
	}
	return total
}

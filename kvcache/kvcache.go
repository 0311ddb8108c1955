// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kvcache implements the per-layer key/value store the generator
// writes into during prefill and reads from during decode, including the
// sliding-window variant and cloneable snapshots for KV-prefix reuse.
package kvcache

import (
	"fmt"

	"github.com/cogentcore/gpuinfer/gpu"
)

// Config parameterises a Cache's shape and dtype.
type Config struct {
	NumLayers   int
	NumKVHeads  int
	HeadDim     int
	MaxSeqLen   int
	DType       gpu.DType
	Layout      gpu.Layout
	WindowSize  int // 0 disables the sliding-window bound
}

// layerStore holds one layer's key and value tensors, shaped
// [MaxSeqLen, NumKVHeads, HeadDim].
type layerStore struct {
	Keys   *gpu.Tensor
	Values *gpu.Tensor
}

// Cache is the per-layer ordered store of keys and values for one
// generation. It is exclusive to the active generation; Clone produces an
// independent Snapshot that can seed a continuation.
type Cache struct {
	cfg    Config
	layers []layerStore

	// currentSeqLen is the number of positions written so far; all layers
	// advance together; invariant: currentSeqLen <= cfg.MaxSeqLen.
	currentSeqLen int
}

// New allocates a Cache with the given config. Tensor allocation for each
// layer is deferred to the first Update call so callers that only need
// Snapshot/Clone bookkeeping (e.g. tests) are not forced to go through a
// real buffer pool.
func New(cfg Config) (*Cache, error) {
	if cfg.NumLayers <= 0 || cfg.NumKVHeads <= 0 || cfg.HeadDim <= 0 || cfg.MaxSeqLen <= 0 {
		return nil, fmt.Errorf("kvcache: invalid config %+v", cfg)
	}
	return &Cache{cfg: cfg, layers: make([]layerStore, cfg.NumLayers)}, nil
}

// CurrentSeqLen returns the number of positions written so far.
func (c *Cache) CurrentSeqLen() int { return c.currentSeqLen }

// MaxSeqLen returns the cache's capacity.
func (c *Cache) MaxSeqLen() int { return c.cfg.MaxSeqLen }

// DType returns the dtype K/V tensors are stored as.
func (c *Cache) DType() gpu.DType { return c.cfg.DType }

// NumLayers returns the number of layers this cache holds.
func (c *Cache) NumLayers() int { return c.cfg.NumLayers }

// Remaining returns how many more tokens can be written before the cache
// is full.
func (c *Cache) Remaining() int { return c.cfg.MaxSeqLen - c.currentSeqLen }

// ensureLayer lazily allocates the key/value tensors for a layer from the
// given pool, on first write.
func (c *Cache) ensureLayer(pool *gpu.BufferPool, layer int) error {
	if c.layers[layer].Keys != nil {
		return nil
	}
	shape := gpu.Shape{c.cfg.MaxSeqLen, c.cfg.NumKVHeads, c.cfg.HeadDim}
	k, err := gpu.NewTensor(pool, c.cfg.DType, shape, fmt.Sprintf("kv.k.%d", layer))
	if err != nil {
		return err
	}
	v, err := gpu.NewTensor(pool, c.cfg.DType, shape, fmt.Sprintf("kv.v.%d", layer))
	if err != nil {
		return err
	}
	c.layers[layer] = layerStore{Keys: k, Values: v}
	return nil
}

// advance moves currentSeqLen forward by nTokens, enforcing the capacity
// invariant. It is called once per step after every layer has been
// written, so all layers advance together.
func (c *Cache) advance(startPos, nTokens int) error {
	if startPos != c.currentSeqLen {
		return fmt.Errorf("kvcache: update at position %d does not match current_seq_len %d", startPos, c.currentSeqLen)
	}
	if c.currentSeqLen+nTokens > c.cfg.MaxSeqLen {
		return fmt.Errorf("kvcache: write of %d tokens at position %d would exceed max_seq_len %d", nTokens, startPos, c.cfg.MaxSeqLen)
	}
	c.currentSeqLen += nTokens
	return nil
}

// WindowStart returns the earliest retained position for attention at the
// current sequence length, honoring the sliding-window bound if
// configured. Full-attention callers should ignore this and use 0.
func (c *Cache) WindowStart() int {
	if c.cfg.WindowSize <= 0 {
		return 0
	}
	if c.currentSeqLen <= c.cfg.WindowSize {
		return 0
	}
	return c.currentSeqLen - c.cfg.WindowSize
}

// Layer returns the key/value tensors for the given layer, or nil if
// nothing has been written to it yet.
func (c *Cache) Layer(layer int) (keys, values *gpu.Tensor) {
	ls := c.layers[layer]
	return ls.Keys, ls.Values
}

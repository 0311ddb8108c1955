// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package moe

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/cogentcore/gpuinfer/gpu"
)

// DequantKey identifies one dequantised MXFP4 block under the process-wide
// cache ("dequantisation cache is process-wide with LRU
// eviction").
type DequantKey struct {
	Layer, Expert int
	Which         string // "gate_up" or "down"
	OutDType      gpu.DType
}

// DequantCache is an LRU cache of dequantised weight tensors keyed by
// (layer, expert, which, out_dtype). Entries are invalidated wholesale when the
// model unloads (Clear); there is no per-entry TTL.
type DequantCache struct {
	cap int

	mu    sync.Mutex
	items map[DequantKey]*list.Element
	order *list.List // front = most recently used
}

type dequantEntry struct {
	key    DequantKey
	tensor *gpu.Tensor
}

// DefaultDequantCacheEntries is the package default cap when
// MoEConfig.DequantCacheEntries is 0.
const DefaultDequantCacheEntries = 64

// NewDequantCache returns an LRU cache with the given entry cap (<=0 uses
// DefaultDequantCacheEntries).
func NewDequantCache(cap int) *DequantCache {
	if cap <= 0 {
		cap = DefaultDequantCacheEntries
	}
	return &DequantCache{cap: cap, items: make(map[DequantKey]*list.Element), order: list.New()}
}

// Get returns the cached tensor for key, promoting it to most-recently-used.
func (c *DequantCache) Get(key DequantKey) (*gpu.Tensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*dequantEntry).tensor, true
}

// Put inserts or updates the cached tensor for key, evicting the least
// recently used entry and releasing its buffer to pool if over capacity.
func (c *DequantCache) Put(pool *gpu.BufferPool, key DequantKey, t *gpu.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*dequantEntry).tensor = t
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&dequantEntry{key: key, tensor: t})
	c.items[key] = el
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*dequantEntry)
		pool.Release(entry.tensor.Buffer)
		delete(c.items, entry.key)
		c.order.Remove(oldest)
	}
}

// Clear evicts every entry, releasing their buffers. Called on model unload.
func (c *DequantCache) Clear(pool *gpu.BufferPool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; el = el.Next() {
		pool.Release(el.Value.(*dequantEntry).tensor.Buffer)
	}
	c.items = make(map[DequantKey]*list.Element)
	c.order = list.New()
}

// Len reports the current number of cached entries.
func (c *DequantCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (k DequantKey) String() string {
	return fmt.Sprintf("layer=%d expert=%d which=%s dtype=%s", k.Layer, k.Expert, k.Which, k.OutDType)
}

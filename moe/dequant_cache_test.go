// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package moe

import (
	"testing"

	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/stretchr/testify/require"
)

func fakeTensor(label string) *gpu.Tensor {
	return &gpu.Tensor{
		Buffer: &gpu.Buffer{Capacity: 64, Label: label},
		DType:  gpu.F32,
		Shape:  gpu.Shape{16},
		Label:  label,
	}
}

func TestDequantCacheMissThenHit(t *testing.T) {
	c := NewDequantCache(4)
	k := DequantKey{Layer: 0, Expert: 1, Which: "gate_up", OutDType: gpu.F32}
	_, ok := c.Get(k)
	require.False(t, ok)

	pool := gpu.NewBufferPool(nil)
	tensor := fakeTensor("t1")
	c.Put(pool, k, tensor)

	got, ok := c.Get(k)
	require.True(t, ok)
	require.Same(t, tensor, got)
	require.Equal(t, 1, c.Len())
}

func TestDequantCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewDequantCache(2)
	pool := gpu.NewBufferPool(nil)

	k1 := DequantKey{Layer: 0, Expert: 0, Which: "gate_up", OutDType: gpu.F32}
	k2 := DequantKey{Layer: 0, Expert: 1, Which: "gate_up", OutDType: gpu.F32}
	k3 := DequantKey{Layer: 0, Expert: 2, Which: "gate_up", OutDType: gpu.F32}

	c.Put(pool, k1, fakeTensor("t1"))
	c.Put(pool, k2, fakeTensor("t2"))
	// Touch k1 so k2 becomes the least recently used.
	_, _ = c.Get(k1)
	c.Put(pool, k3, fakeTensor("t3"))

	require.Equal(t, 2, c.Len())
	_, ok := c.Get(k2)
	require.False(t, ok, "k2 should have been evicted as least recently used")
	_, ok = c.Get(k1)
	require.True(t, ok)
	_, ok = c.Get(k3)
	require.True(t, ok)
}

func TestDequantCacheDefaultCapUsedWhenNonPositive(t *testing.T) {
	c := NewDequantCache(0)
	require.Equal(t, DefaultDequantCacheEntries, c.cap)
	c2 := NewDequantCache(-3)
	require.Equal(t, DefaultDequantCacheEntries, c2.cap)
}

func TestDequantCacheClearEmptiesCache(t *testing.T) {
	c := NewDequantCache(4)
	pool := gpu.NewBufferPool(nil)
	c.Put(pool, DequantKey{Layer: 0, Expert: 0, Which: "down", OutDType: gpu.F32}, fakeTensor("t"))
	require.Equal(t, 1, c.Len())
	c.Clear(pool)
	require.Equal(t, 0, c.Len())
}

func TestDequantKeyString(t *testing.T) {
	k := DequantKey{Layer: 2, Expert: 5, Which: "down", OutDType: gpu.F32}
	require.Contains(t, k.String(), "layer=2")
	require.Contains(t, k.String(), "expert=5")
}

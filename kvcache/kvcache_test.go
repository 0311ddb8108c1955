// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kvcache

import (
	"testing"

	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		NumLayers:  2,
		NumKVHeads: 4,
		HeadDim:    16,
		MaxSeqLen:  32,
		DType:      gpu.F16,
		Layout:     gpu.RowMajor,
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewStartsEmpty(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	require.Equal(t, 0, c.CurrentSeqLen())
	require.Equal(t, 32, c.MaxSeqLen())
	require.Equal(t, 32, c.Remaining())
	k, v := c.Layer(0)
	require.Nil(t, k)
	require.Nil(t, v)
}

func TestAdvanceMovesSeqLenForward(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, c.advance(0, 5))
	require.Equal(t, 5, c.CurrentSeqLen())
	require.Equal(t, 27, c.Remaining())

	require.NoError(t, c.advance(5, 3))
	require.Equal(t, 8, c.CurrentSeqLen())
}

func TestAdvanceRejectsPositionMismatch(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, c.advance(0, 4))
	err = c.advance(3, 1)
	require.Error(t, err)
}

func TestAdvanceRejectsOverflow(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	err = c.advance(0, 33)
	require.Error(t, err)
	require.Equal(t, 0, c.CurrentSeqLen())
}

func TestWindowStartFullAttentionIsAlwaysZero(t *testing.T) {
	cfg := testConfig()
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.advance(0, 32))
	require.Equal(t, 0, c.WindowStart())
}

func TestWindowStartSlidesOncePastWindow(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 10
	c, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, c.advance(0, 8))
	require.Equal(t, 0, c.WindowStart())

	require.NoError(t, c.advance(8, 5))
	require.Equal(t, 3, c.WindowStart())
}

func TestCloneRejectsEmptyCache(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	_, err = c.Clone(nil, nil, nil)
	require.Error(t, err)
}

func TestCloneOfUnallocatedLayersCarriesSeqLenAndTokens(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, c.advance(0, 6))

	snap, err := c.Clone(nil, nil, []int32{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 6, snap.SeqLen())
	require.Equal(t, []int32{1, 2, 3}, snap.Tokens())

	// Mutating the returned slice must not alias the snapshot's.
	toks := snap.Tokens()
	toks[0] = 99
	require.Equal(t, int32(1), snap.Tokens()[0])
}

func TestCloneIntoRejectsShapeMismatch(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, c.advance(0, 4))
	snap, err := c.Clone(nil, nil, nil)
	require.NoError(t, err)

	other := testConfig()
	other.MaxSeqLen = 64
	dst, err := New(other)
	require.NoError(t, err)

	err = dst.CloneInto(nil, nil, snap)
	require.Error(t, err)
}

func TestCloneIntoOfUnallocatedLayersSetsSeqLen(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, c.advance(0, 10))
	snap, err := c.Clone(nil, nil, nil)
	require.NoError(t, err)

	dst, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, dst.CloneInto(nil, nil, snap))
	require.Equal(t, 10, dst.CurrentSeqLen())
}

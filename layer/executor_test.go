// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layer

import (
	"testing"

	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/weightstore"
	"github.com/stretchr/testify/require"
)

func TestWindowBoundNoOpUnderWindow(t *testing.T) {
	require.Equal(t, 0, windowBound(10, 16))
	require.Equal(t, 0, windowBound(16, 16))
}

func TestWindowBoundClipsOlderPositions(t *testing.T) {
	require.Equal(t, 4, windowBound(20, 16))
}

func TestMissingWeightNamesTheWeight(t *testing.T) {
	err := missingWeight(3, "input_norm")
	require.ErrorContains(t, err, "input_norm")
}

func TestAsWeightBufferSharesBufferAndReshapes(t *testing.T) {
	tensor := &gpu.Tensor{
		Buffer: &gpu.Buffer{Label: "t"},
		DType:  gpu.F32,
		Shape:  gpu.Shape{32, 8},
	}
	wb := asWeightBuffer(tensor, gpu.Shape{128, 64})
	require.Same(t, tensor.Buffer, wb.Buffer)
	require.Equal(t, tensor.DType, wb.DType)
	require.Equal(t, gpu.RowMajor, wb.Layout)
	require.Equal(t, gpu.Shape{128, 64}, wb.Shape)
}

func TestForwardAttentionReportsMissingInputNorm(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	e := &Executor{cfg: cfg, store: store}
	plan := &Plan{Layer: 0}

	_, _, err := e.attentionBlock(nil, plan, nil, 0, 1)
	require.ErrorContains(t, err, "input_norm")
}

func TestFfnMoEErrorsWithoutDispatcher(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	e := &Executor{cfg: cfg, store: store, moeDispatch: nil}
	plan := &Plan{Layer: 1, FFN: FFNMoE}

	_, err := e.ffnMoE(nil, plan, nil)
	require.ErrorContains(t, err, "MoE")
}

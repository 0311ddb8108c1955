// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"math"
	"testing"

	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/stretchr/testify/require"
)

func TestResolveTranspose(t *testing.T) {
	require.True(t, ResolveTranspose(TransposeAuto, gpu.RowMajor))
	require.False(t, ResolveTranspose(TransposeAuto, gpu.ColumnMajor))
	require.True(t, ResolveTranspose(TransposeYes, gpu.ColumnMajor))
	require.False(t, ResolveTranspose(TransposeNo, gpu.RowMajor))
}

func TestSoftmaxSumsToOne(t *testing.T) {
	probs := Softmax([]float32{1, 2, 3, 4})
	var sum float32
	for _, p := range probs {
		sum += p
	}
	require.InDelta(t, float32(1.0), sum, 1e-5)
}

func TestSoftmaxAllZeroFallsBackToUniform(t *testing.T) {
	probs := Softmax([]float32{float32(math.Inf(-1)), float32(math.Inf(-1))})
	require.InDelta(t, float32(0.5), probs[0], 1e-6)
	require.InDelta(t, float32(0.5), probs[1], 1e-6)
}

func TestArgMax(t *testing.T) {
	require.Equal(t, 2, ArgMax([]float32{0, 1, 5, 3}))
}

func TestSampleGreedyIgnoresRandomness(t *testing.T) {
	id := Sample([]float32{0, 5, 1}, SampleParams{Temperature: 0}, func() float32 { return 0.99 })
	require.Equal(t, 1, id)
}

func TestSampleMasksPad(t *testing.T) {
	id := Sample([]float32{10, 0, 0}, SampleParams{Temperature: 0, HasPad: true, PadID: 0}, func() float32 { return 0 })
	require.NotEqual(t, 0, id)
}

func TestSampleTopKRestrictsCandidates(t *testing.T) {
	logits := []float32{5, 4, 3, 2, 1}
	// rand01 returns near-1 so inverse CDF picks the last surviving candidate.
	id := Sample(logits, SampleParams{Temperature: 1, TopK: 2}, func() float32 { return 0.999 })
	require.True(t, id == 0 || id == 1)
}

func TestSampleTopPKeepsSmallestSufficientPrefix(t *testing.T) {
	logits := []float32{10, -10, -10, -10}
	id := Sample(logits, SampleParams{Temperature: 1, TopP: 0.5}, func() float32 { return 0.999 })
	require.Equal(t, 0, id)
}

func TestRepetitionPenaltyDividesPositiveMultipliesNegative(t *testing.T) {
	logits := []float32{4, -4, 1}
	RepetitionPenalty(logits, []int32{0, 1}, 2)
	require.InDelta(t, float32(2), logits[0], 1e-6)
	require.InDelta(t, float32(-8), logits[1], 1e-6)
	require.InDelta(t, float32(1), logits[2], 1e-6)
}

func TestRepetitionPenaltyNoopAtOne(t *testing.T) {
	logits := []float32{4, -4}
	RepetitionPenalty(logits, []int32{0, 1}, 1)
	require.Equal(t, float32(4), logits[0])
	require.Equal(t, float32(-4), logits[1])
}

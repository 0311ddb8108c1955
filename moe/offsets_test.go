// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package moe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeAssignmentRejectsWrongLength(t *testing.T) {
	_, err := ComputeAssignment([]int32{0, 1}, 2, 2, 4)
	require.Error(t, err)
}

func TestComputeAssignmentEvenDistribution(t *testing.T) {
	// 4 tokens, top_k=1, 2 experts, perfectly split.
	indices := []int32{0, 1, 0, 1}
	a, err := ComputeAssignment(indices, 4, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int32(2), a.TokenCounts[0])
	require.Equal(t, int32(2), a.TokenCounts[1])
	for _, off := range a.TokenOffsets {
		require.GreaterOrEqual(t, off, int32(0))
	}
}

func TestComputeAssignmentSkewedLoadRetriesBound(t *testing.T) {
	// All 8 tokens route to expert 0 out of 4 experts: the naive headroom
	// bound (avg*1.5) is far below 8, forcing at least one retry.
	n, topK, numExperts := 8, 1, 4
	indices := make([]int32, n*topK)
	for i := range indices {
		indices[i] = 0
	}
	a, err := ComputeAssignment(indices, n, topK, numExperts)
	require.NoError(t, err)
	require.Equal(t, int32(n), a.TokenCounts[0])
	require.GreaterOrEqual(t, a.MaxTokensPerExpert, n)
}

func TestComputeAssignmentTokenMapRoundTrips(t *testing.T) {
	indices := []int32{2, 0, 1, 2, 0, 1}
	n, topK, numExperts := 3, 2, 3
	a, err := ComputeAssignment(indices, n, topK, numExperts)
	require.NoError(t, err)

	for t_ := 0; t_ < n; t_++ {
		for j := 0; j < topK; j++ {
			off := a.TokenOffsets[t_*topK+j]
			e := int(off) / a.MaxTokensPerExpert
			slot := int(off) % a.MaxTokensPerExpert
			base := (e*a.MaxTokensPerExpert + slot) * 2
			require.Equal(t, int32(t_), a.TokenMap[base])
			require.Equal(t, int32(j), a.TokenMap[base+1])
		}
	}
}

func TestComputeAssignmentRejectsOutOfRangeExpertID(t *testing.T) {
	indices := []int32{5, -1}
	_, err := ComputeAssignment(indices, 1, 2, 3)
	require.Error(t, err)
}

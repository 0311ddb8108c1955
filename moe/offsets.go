// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package moe

import (
	"fmt"
	"math"
)

// Assignment is the CPU-computed routing bookkeeping the gather/scatter
// kernels consume: which token lands in which expert's
// slot, and how to find it back when scattering the expert outputs.
type Assignment struct {
	NumExperts         int
	MaxTokensPerExpert int

	// TokenCounts[e] is the number of tokens routed to expert e.
	TokenCounts []int32

	// TokenMap[slot*2], TokenMap[slot*2+1] = token_idx, k_idx for the
	// token occupying (expert, slot); slot ranges over
	// [0, MaxTokensPerExpert) within each expert's block.
	TokenMap []int32

	// TokenOffsets[t*TopK+j] = expert_idx*MaxTokensPerExpert + slot, the
	// flat index into the gathered/expert-output staging tensor for
	// token t's j-th routed expert.
	TokenOffsets []int32
}

// initialBound returns the headroom-padded per-expert slot bound:
// ceil(n*topK/numExperts * headroom).
func initialBound(n, topK, numExperts int, headroom float64) int {
	avg := float64(n*topK) / float64(numExperts)
	b := int(math.Ceil(avg * headroom))
	if b < 1 {
		b = 1
	}
	return b
}

// ComputeAssignment builds the routing Assignment for one MoE layer from
// the router's per-token top-k expert indices (indices[t*topK+j] = expert
// id). It retries with a larger per-expert bound (up to n tokens) if any
// expert's count exceeds the current bound, and fails if
// even n_tokens is insufficient (which cannot happen when each token's
// top-k ids are distinct, since then no expert receives more than n
// routed slots; duplicates are not checked). A routed id outside
// [0, numExperts) is rejected outright rather than silently dropped.
func ComputeAssignment(indices []int32, n, topK, numExperts int) (*Assignment, error) {
	if len(indices) != n*topK {
		return nil, fmt.Errorf("moe: indices length %d does not match n*topK=%d", len(indices), n*topK)
	}
	for _, e := range indices {
		if e < 0 || int(e) >= numExperts {
			return nil, fmt.Errorf("moe: routed expert id %d outside [0, %d)", e, numExperts)
		}
	}
	bound := initialBound(n, topK, numExperts, 1.5)
	for {
		if bound > n {
			bound = n
		}
		a, ok := tryAssignment(indices, n, topK, numExperts, bound)
		if ok {
			return a, nil
		}
		if bound >= n {
			return nil, fmt.Errorf("moe: expert token count exceeds bound even at max_tokens_per_expert=n_tokens=%d", n)
		}
		bound *= 2
	}
}

func tryAssignment(indices []int32, n, topK, numExperts, bound int) (*Assignment, bool) {
	counts := make([]int32, numExperts)
	tokenMap := make([]int32, numExperts*bound*2)
	tokenOffsets := make([]int32, n*topK)
	for i := range tokenOffsets {
		tokenOffsets[i] = -1
	}
	for t := 0; t < n; t++ {
		for j := 0; j < topK; j++ {
			e := int(indices[t*topK+j])
			slot := counts[e]
			if int(slot) >= bound {
				return nil, false
			}
			counts[e]++
			base := (e*bound + int(slot)) * 2
			tokenMap[base] = int32(t)
			tokenMap[base+1] = int32(j)
			tokenOffsets[t*topK+j] = int32(e*bound) + slot
		}
	}
	for _, off := range tokenOffsets {
		if off < 0 {
			return nil, false
		}
	}
	return &Assignment{
		NumExperts:         numExperts,
		MaxTokensPerExpert: bound,
		TokenCounts:        counts,
		TokenMap:           tokenMap,
		TokenOffsets:       tokenOffsets,
	}, true
}

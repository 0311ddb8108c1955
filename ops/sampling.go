// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"math"
	"sort"
)

// SampleParams configures CPU-reference sampling.
type SampleParams struct {
	Temperature float32
	TopP        float32
	TopK        int
	PadID       int32
	HasPad      bool
}

// Sample implements the CPU sampling reference: mask pad, greedy on
// temperature==0, else scale/softmax/top-k/top-p/renormalise/inverse-CDF.
// rand01 must return a uniform value in [0, 1); callers supply it so the
// function stays deterministic and testable.
func Sample(logits []float32, p SampleParams, rand01 func() float32) int {
	work := append([]float32(nil), logits...)
	if p.HasPad && int(p.PadID) < len(work) {
		work[p.PadID] = negInf
	}
	if p.Temperature == 0 {
		return ArgMax(work)
	}
	inv := 1 / p.Temperature
	for i := range work {
		work[i] *= inv
	}
	probs := Softmax(work)

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	if p.TopK > 0 && p.TopK < len(order) {
		order = order[:p.TopK]
	}
	if p.TopP > 0 && p.TopP < 1 {
		var cum float32
		cut := len(order)
		for i, idx := range order {
			cum += probs[idx]
			if cum >= p.TopP {
				cut = i + 1
				break
			}
		}
		order = order[:cut]
	}

	var total float32
	for _, idx := range order {
		total += probs[idx]
	}
	if total == 0 {
		// Degenerate: fall back to uniform over the surviving candidates.
		r := rand01() * float32(len(order))
		return order[int(r)]
	}
	target := rand01() * total
	var cum float32
	for _, idx := range order {
		cum += probs[idx]
		if cum >= target {
			return idx
		}
	}
	return order[len(order)-1]
}

// RepetitionPenalty divides positive logits and multiplies negative logits
// by penalty, for every token id present in recent. Mutates logits in
// place. The generator passes every id generated so far in the call;
// there is no window bounding how far back recent reaches.
func RepetitionPenalty(logits []float32, recent []int32, penalty float32) {
	if penalty == 1 {
		return
	}
	seen := make(map[int32]bool, len(recent))
	for _, id := range recent {
		seen[id] = true
	}
	for id := range seen {
		if int(id) < 0 || int(id) >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

var negInf = float32(math.Inf(-1))

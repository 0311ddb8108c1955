// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"math"

	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// RouteResult holds the per-token top-k expert selection produced by
// SoftmaxTopK: indices and weights are both [n_tokens, top_k].
type RouteResult struct {
	Indices *gpu.Tensor
	Weights *gpu.Tensor
}

// SoftmaxTopK runs the fused router kernel: softmax over per-token expert
// logits followed by top-k selection, optionally renormalising the kept
// weights so they sum to 1.
func (ks *KernelSet) SoftmaxTopK(d gpu.Dispatcher, logits *gpu.Tensor, numExperts, topK int, renormalize bool) (*RouteResult, error) {
	rows := logits.Shape.NumElements() / numExperts
	indices, err := gpu.NewTensor(d.Device().Pool, gpu.F32, gpu.Shape{rows, topK}, "softmax_topk.indices")
	if err != nil {
		return nil, generrors.NewKernelError("softmax_topk", "allocate indices", err)
	}
	weights, err := gpu.NewTensor(d.Device().Pool, gpu.F32, gpu.Shape{rows, topK}, "softmax_topk.weights")
	if err != nil {
		return nil, generrors.NewKernelError("softmax_topk", "allocate weights", err)
	}
	renorm := float32(0)
	if renormalize {
		renorm = 1
	}
	params := packParams(d.Device(), []float32{float32(numExperts), float32(topK), renorm})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "softmax_topk.wgsl", "main", []bufferBinding{
		{0, logits.Buffer, true}, {1, indices.Buffer, false}, {2, weights.Buffer, false}, {3, params, true},
	}, rows, 64); err != nil {
		return nil, err
	}
	track(d, indices)
	track(d, weights)
	return &RouteResult{Indices: indices, Weights: weights}, nil
}

// Softmax computes a numerically stable softmax over logits, in place of
// the GPU kernel, for the CPU sampling path.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range logits {
		var e float32
		if !math.IsInf(float64(v), -1) {
			e = expf32(v - max)
		}
		out[i] = e
		sum += e
	}
	if sum == 0 {
		for i := range out {
			out[i] = 1.0 / float32(len(out))
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// ArgMax returns the index of the largest value in logits.
func ArgMax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func expf32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

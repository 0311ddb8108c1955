// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// LogitSoftcap applies final-logit softcapping in place: softcap *
// tanh(x / softcap).
func (ks *KernelSet) LogitSoftcap(d gpu.Dispatcher, x *gpu.Tensor, softcap float32) error {
	params := packParams(d.Device(), []float32{softcap})
	defer d.Device().Pool.Release(params)
	return ks.run(d, "softcap.wgsl", "main", []bufferBinding{
		{0, x.Buffer, false}, {1, params, true},
	}, x.Shape.NumElements(), 64)
}

// ArgmaxSample runs the fused GPU greedy-sample path over a single row of
// logits, returning a 1-element tensor holding the sampled token id as a
// float32 bit pattern (the argmax branch of the decode step's dispatch,
// as opposed to recording a stochastic top-k sample on the CPU path).
func (ks *KernelSet) ArgmaxSample(d gpu.Dispatcher, logits *gpu.Tensor, vocabSize int) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, gpu.F32, gpu.Shape{1}, "argmax_sample.out")
	if err != nil {
		return nil, generrors.NewKernelError("argmax_sample", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(vocabSize)})
	defer d.Device().Pool.Release(params)
	kp, err := ks.get("argmax_sample.wgsl", "main", 3)
	if err != nil {
		return nil, generrors.NewKernelError("argmax_sample", "pipeline compile", err)
	}
	bg, err := ks.bindGroup(kp, []bufferBinding{
		{0, logits.Buffer, true}, {1, out.Buffer, false}, {2, params, true},
	})
	if err != nil {
		return nil, generrors.NewKernelError("argmax_sample", "bind group", err)
	}
	if err := gpu.Dispatch1D(d, kp, bg, 1, 1); err != nil {
		return nil, generrors.NewKernelError("argmax_sample", "dispatch", err)
	}
	track(d, out)
	return out, nil
}

// WriteSampledID writes one sampled token id (a 1-element tensor, as
// produced by ArgmaxSample) into slot of a batch tensor of shape [n],
// letting a run of chained decode steps collect their sampled ids into
// one buffer for a single readback instead of one readback per step.
// This is the MoE block-write kernel with max_tokens_per_expert=1,
// hidden_size=1, and the batch slot standing in for the expert index —
// writing one scalar into one slot of a flat array is the same copy the
// expert-output scatter already does per token.
func (ks *KernelSet) WriteSampledID(d gpu.Dispatcher, batch *gpu.Tensor, slot int, id *gpu.Tensor) error {
	return ks.WriteExpertBlock(d, batch, slot, 1, 1, id)
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// ExtractExpertBlock copies one expert's [max_tokens_per_expert,
// hidden_size] block out of the shared MoE staging tensor into its own
// buffer, so per-expert FFN execution can run ordinary
// whole-tensor kernels instead of needing buffer-offset bindings.
func (ks *KernelSet) ExtractExpertBlock(d gpu.Dispatcher, staging *gpu.Tensor, expert, maxTokensPerExpert, hidden int) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, staging.DType, gpu.Shape{maxTokensPerExpert, hidden}, "extract_block.out")
	if err != nil {
		return nil, generrors.NewKernelError("extract_block", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(hidden), float32(maxTokensPerExpert), float32(expert)})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "extract_block.wgsl", "main", []bufferBinding{
		{0, staging.Buffer, true}, {1, out.Buffer, false}, {2, params, true},
	}, maxTokensPerExpert*hidden, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// WriteExpertBlock writes src (shape [max_tokens_per_expert, hidden_size])
// into one expert's block of the shared MoE output staging tensor.
func (ks *KernelSet) WriteExpertBlock(d gpu.Dispatcher, staging *gpu.Tensor, expert, maxTokensPerExpert, hidden int, src *gpu.Tensor) error {
	params := packParams(d.Device(), []float32{float32(hidden), float32(maxTokensPerExpert), float32(expert)})
	defer d.Device().Pool.Release(params)
	return ks.run(d, "write_block.wgsl", "main", []bufferBinding{
		{0, src.Buffer, true}, {1, staging.Buffer, false}, {2, params, true},
	}, maxTokensPerExpert*hidden, 64)
}

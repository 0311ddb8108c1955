// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// MoEGather builds the [num_experts, max_tokens_per_expert, hidden_size]
// staging tensor from x using the token_map produced by the router's
// offset computation.
func (ks *KernelSet) MoEGather(d gpu.Dispatcher, x *gpu.Tensor, tokenMap *gpu.Tensor, numExperts, maxTokensPerExpert, hiddenSize int) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, x.DType, gpu.Shape{numExperts, maxTokensPerExpert, hiddenSize}, "moe_gather.out")
	if err != nil {
		return nil, generrors.NewKernelError("moe_gather", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(hiddenSize), float32(maxTokensPerExpert)})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "moe_gather.wgsl", "main", []bufferBinding{
		{0, x.Buffer, true}, {1, tokenMap.Buffer, true}, {2, out.Buffer, false}, {3, params, true},
	}, numExperts*maxTokensPerExpert*hiddenSize, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// ScatterAdd combines each token's top-k expert outputs weighted by the
// router's kept probabilities: output[t] = Σⱼ weights[t,j] ·
// expert_outputs[token_offsets[t·k+j]].
func (ks *KernelSet) ScatterAdd(d gpu.Dispatcher, expertOutputs, tokenOffsets, routeWeights *gpu.Tensor, nTokens, hiddenSize, topK int) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, expertOutputs.DType, gpu.Shape{nTokens, hiddenSize}, "scatter_add.out")
	if err != nil {
		return nil, generrors.NewKernelError("scatter_add", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(hiddenSize), float32(topK)})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "scatter_add.wgsl", "main", []bufferBinding{
		{0, expertOutputs.Buffer, true}, {1, tokenOffsets.Buffer, true}, {2, routeWeights.Buffer, true}, {3, out.Buffer, false}, {4, params, true},
	}, nTokens*hiddenSize, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// DequantizeMXFP4 unpacks a block-scaled MXFP4 weight (GPT-OSS style) into
// a dense float tensor of the given output dtype, for caching under
// (layer, expert, out_dtype) with LRU eviction at the call site.
func (ks *KernelSet) DequantizeMXFP4(d gpu.Dispatcher, blocks, scales *gpu.WeightBuffer, blockSize, numBlocks int, outDType gpu.DType) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, outDType, gpu.Shape{numBlocks, blockSize}, "dequant_mxfp4.out")
	if err != nil {
		return nil, generrors.NewKernelError("dequantize_mxfp4", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(blockSize), float32(numBlocks)})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "dequant_mxfp4.wgsl", "main", []bufferBinding{
		{0, blocks.Buffer, true}, {1, scales.Buffer, true}, {2, out.Buffer, false}, {3, params, true},
	}, numBlocks*blockSize, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

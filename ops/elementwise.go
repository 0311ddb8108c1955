// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// RMSNorm normalizes each row of x by its root-mean-square and scales by
// weight, with an optional +1 offset on the weight (Gemma-family models
// store norm weights relative to zero rather than one).
func (ks *KernelSet) RMSNorm(d gpu.Dispatcher, x *gpu.Tensor, weight *gpu.WeightBuffer, eps float32, weightOffset bool) (*gpu.Tensor, error) {
	rows := x.Shape.NumElements() / x.Shape[len(x.Shape)-1]
	hidden := x.Shape[len(x.Shape)-1]
	out, err := gpu.NewTensor(d.Device().Pool, x.DType, x.Shape, "rmsnorm.out")
	if err != nil {
		return nil, generrors.NewKernelError("rmsnorm", "allocate output", err)
	}
	offset := float32(0)
	if weightOffset {
		offset = 1
	}
	params := packParams(d.Device(), []float32{float32(hidden), eps, offset})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "rmsnorm.wgsl", "main", []bufferBinding{
		{0, x.Buffer, true}, {1, weight.Buffer, true}, {2, out.Buffer, false}, {3, params, true},
	}, rows, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// ResidualAdd computes out = a + b elementwise, same shape.
func (ks *KernelSet) ResidualAdd(d gpu.Dispatcher, a, b *gpu.Tensor) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, a.DType, a.Shape, "residual.out")
	if err != nil {
		return nil, generrors.NewKernelError("residual_add", "allocate output", err)
	}
	if err := ks.run(d, "residual_add.wgsl", "main", []bufferBinding{
		{0, a.Buffer, true}, {1, b.Buffer, true}, {2, out.Buffer, false},
	}, a.Shape.NumElements(), 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// BiasAdd broadcasts bias across the row dimension of x.
func (ks *KernelSet) BiasAdd(d gpu.Dispatcher, x *gpu.Tensor, bias *gpu.WeightBuffer) (*gpu.Tensor, error) {
	rowSize := x.Shape[len(x.Shape)-1]
	out, err := gpu.NewTensor(d.Device().Pool, x.DType, x.Shape, "bias_add.out")
	if err != nil {
		return nil, generrors.NewKernelError("bias_add", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(rowSize)})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "bias_add.wgsl", "main", []bufferBinding{
		{0, x.Buffer, true}, {1, bias.Buffer, true}, {2, out.Buffer, false}, {3, params, true},
	}, x.Shape.NumElements(), 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// Activation is the standalone (non-fused) activation kernel over one
// tensor. The layer executor's FFN paths do not call it; the 3-matmul path
// combines gate and up with ActivationGate instead.
func (ks *KernelSet) Activation(d gpu.Dispatcher, x *gpu.Tensor, kind config.Activation) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, x.DType, x.Shape, "activation.out")
	if err != nil {
		return nil, generrors.NewKernelError("activation", "allocate output", err)
	}
	shader := "silu.wgsl"
	if kind == config.GeLU {
		shader = "gelu.wgsl"
	}
	if err := ks.run(d, shader, "main", []bufferBinding{
		{0, x.Buffer, true}, {1, out.Buffer, false},
	}, x.Shape.NumElements(), 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// ActivationGate computes activation(gate) ⊙ up from two separately
// projected tensors, the "3-matmul fallback" FFN path's combining kernel
// activation-with-gate kernel.
func (ks *KernelSet) ActivationGate(d gpu.Dispatcher, gate, up *gpu.Tensor, kind config.Activation) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, gate.DType, gate.Shape, "activation_gate.out")
	if err != nil {
		return nil, generrors.NewKernelError("activation_gate", "allocate output", err)
	}
	useGelu := float32(0)
	if kind == config.GeLU {
		useGelu = 1
	}
	params := packParams(d.Device(), []float32{useGelu})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "activation_gate.wgsl", "main", []bufferBinding{
		{0, gate.Buffer, true}, {1, up.Buffer, true}, {2, out.Buffer, false}, {3, params, true},
	}, gate.Shape.NumElements(), 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// SiLURowSplit splits a fused [gate|up] row in half and writes
// activation(gate) ⊙ up in a single dispatch (the "2-matmul fused" FFN path).
func (ks *KernelSet) SiLURowSplit(d gpu.Dispatcher, gateUp *gpu.Tensor, intermediateSize int, kind config.Activation) (*gpu.Tensor, error) {
	rows := gateUp.Shape.NumElements() / (2 * intermediateSize)
	out, err := gpu.NewTensor(d.Device().Pool, gateUp.DType, gpu.Shape{rows, intermediateSize}, "silu_row_split.out")
	if err != nil {
		return nil, generrors.NewKernelError("silu_row_split", "allocate output", err)
	}
	useGelu := float32(0)
	if kind == config.GeLU {
		useGelu = 1
	}
	params := packParams(d.Device(), []float32{float32(intermediateSize), useGelu})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "silu_row_split.wgsl", "main", []bufferBinding{
		{0, gateUp.Buffer, true}, {1, out.Buffer, false}, {2, params, true},
	}, rows*intermediateSize, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// CastF16F32 copies x into a tensor of the other float dtype. Used at the
// boundary between the model's activation dtype and the KV cache dtype
// when they differ, and between decode buffers and the CPU sampler.
func (ks *KernelSet) CastF16F32(d gpu.Dispatcher, x *gpu.Tensor, to gpu.DType) (*gpu.Tensor, error) {
	if x.DType == to {
		return x, nil
	}
	out, err := gpu.NewTensor(d.Device().Pool, to, x.Shape, "cast.out")
	if err != nil {
		return nil, generrors.NewKernelError("cast_f16_f32", "allocate output", err)
	}
	if err := ks.run(d, "cast.wgsl", "main", []bufferBinding{
		{0, x.Buffer, true}, {1, out.Buffer, false},
	}, x.Shape.NumElements(), 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// CopyTensor allocates a fresh tensor of src's dtype and shape from pool
// and copies src's contents into it, leaving src untouched. It satisfies
// kvcache.CopyTensorKernel, giving KV-prefix snapshots their own buffers
// independent of the generation that produced them.
func (ks *KernelSet) CopyTensor(d gpu.Dispatcher, pool *gpu.BufferPool, src *gpu.Tensor, label string) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(pool, src.DType, src.Shape, label)
	if err != nil {
		return nil, generrors.NewKernelError("copy_tensor", "allocate output", err)
	}
	if err := ks.run(d, "cast.wgsl", "main", []bufferBinding{
		{0, src.Buffer, true}, {1, out.Buffer, false},
	}, src.Shape.NumElements(), 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

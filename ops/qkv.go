// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// SplitQKV splits a fused [q|k|v] projection output into three separate
// tensors, for the fused-QKV attention variant.
func (ks *KernelSet) SplitQKV(d gpu.Dispatcher, qkv *gpu.Tensor, qSize, kSize, vSize int) (q, k, v *gpu.Tensor, err error) {
	total := qSize + kSize + vSize
	rows := qkv.Shape.NumElements() / total

	q, err = gpu.NewTensor(d.Device().Pool, qkv.DType, gpu.Shape{rows, qSize}, "split_qkv.q")
	if err != nil {
		return nil, nil, nil, generrors.NewKernelError("split_qkv", "allocate q", err)
	}
	k, err = gpu.NewTensor(d.Device().Pool, qkv.DType, gpu.Shape{rows, kSize}, "split_qkv.k")
	if err != nil {
		return nil, nil, nil, generrors.NewKernelError("split_qkv", "allocate k", err)
	}
	v, err = gpu.NewTensor(d.Device().Pool, qkv.DType, gpu.Shape{rows, vSize}, "split_qkv.v")
	if err != nil {
		return nil, nil, nil, generrors.NewKernelError("split_qkv", "allocate v", err)
	}

	params := packParams(d.Device(), []float32{float32(qSize), float32(kSize), float32(vSize)})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "split_qkv.wgsl", "main", []bufferBinding{
		{0, qkv.Buffer, true}, {1, q.Buffer, false}, {2, k.Buffer, false}, {3, v.Buffer, false}, {4, params, true},
	}, rows*total, 64); err != nil {
		return nil, nil, nil, err
	}
	track(d, q)
	track(d, k)
	track(d, v)
	return q, k, v, nil
}

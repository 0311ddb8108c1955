// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// RoPEParams configures one RoPE dispatch. Theta selects the frequency
// table: sliding_attention layers use the local theta, full_attention
// layers use the global theta.
type RoPEParams struct {
	NHeads   int
	HeadDim  int
	StartPos int
	Theta    float32
}

// RoPE applies rotary position embedding to x in place (x is both input
// and output; the caller must not release it before the op's submission
// completes, per the in-place-op contract).
func (ks *KernelSet) RoPE(d gpu.Dispatcher, x *gpu.Tensor, p RoPEParams) error {
	params := packParams(d.Device(), []float32{float32(p.NHeads), float32(p.HeadDim), float32(p.StartPos), p.Theta})
	defer d.Device().Pool.Release(params)
	nTokens := x.Shape.NumElements() / (p.NHeads * p.HeadDim)
	return ks.run(d, "rope.wgsl", "main", []bufferBinding{
		{0, x.Buffer, false}, {1, params, true},
	}, nTokens*p.NHeads*(p.HeadDim/2), 64)
}

// AttentionParams configures one attention dispatch.
type AttentionParams struct {
	NHeads          int
	HeadDim         int
	SeqLen          int
	WindowStart     int
	QueryScale      float32
	Softcap         float32
	UseSoftcap      bool
}

// Attention runs causal (optionally windowed) scaled-dot-product attention
// of q against the cached k/v, applying query_pre_attn_scalar scaling and
// attention softcapping if configured.
func (ks *KernelSet) Attention(d gpu.Dispatcher, q, k, v *gpu.Tensor, p AttentionParams) (*gpu.Tensor, error) {
	out, err := gpu.NewTensor(d.Device().Pool, q.DType, q.Shape, "attention.out")
	if err != nil {
		return nil, generrors.NewKernelError("attention", "allocate output", err)
	}
	useSoftcap := float32(0)
	if p.UseSoftcap {
		useSoftcap = 1
	}
	params := packParams(d.Device(), []float32{
		float32(p.NHeads), float32(p.HeadDim), float32(p.SeqLen), float32(p.WindowStart),
		p.QueryScale, p.Softcap, useSoftcap,
	})
	defer d.Device().Pool.Release(params)
	nTokens := q.Shape.NumElements() / (p.NHeads * p.HeadDim)
	if err := ks.run(d, "attention.wgsl", "main", []bufferBinding{
		{0, q.Buffer, true}, {1, k.Buffer, true}, {2, v.Buffer, true}, {3, out.Buffer, false}, {4, params, true},
	}, nTokens*p.NHeads, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

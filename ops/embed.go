// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"math"

	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/webgpu/wgpu"
)

// Embed looks up each token id's row in the embedding table, scaling the
// result if scale != 0.
func (ks *KernelSet) Embed(d gpu.Dispatcher, tokenIDs []int32, embedding *gpu.WeightBuffer, hiddenSize int, scale float32) (*gpu.Tensor, error) {
	ids := uploadTokenIDs(d, tokenIDs)
	defer d.Device().Pool.Release(ids)
	return ks.embedIDs(d, ids, len(tokenIDs), embedding, hiddenSize, scale)
}

// EmbedFromTensor looks up one token id's row in the embedding table, the
// same as Embed, but reads the id from an existing GPU-resident tensor
// (shape [1], the float32 bit pattern of the id) rather than a host slice.
// This lets a chained decode step feed the previous step's sampled-token
// output straight into the next step's embed without a CPU round trip, so
// a run of greedy decode steps can be recorded into one submission.
func (ks *KernelSet) EmbedFromTensor(d gpu.Dispatcher, tokenID *gpu.Tensor, embedding *gpu.WeightBuffer, hiddenSize int, scale float32) (*gpu.Tensor, error) {
	return ks.embedIDs(d, tokenID.Buffer, 1, embedding, hiddenSize, scale)
}

func (ks *KernelSet) embedIDs(d gpu.Dispatcher, ids *gpu.Buffer, nTokens int, embedding *gpu.WeightBuffer, hiddenSize int, scale float32) (*gpu.Tensor, error) {
	if scale == 0 {
		scale = 1
	}
	out, err := gpu.NewTensor(d.Device().Pool, embedding.DType, gpu.Shape{nTokens, hiddenSize}, "embed.out")
	if err != nil {
		return nil, generrors.NewKernelError("embed", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(hiddenSize), scale})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "embed.wgsl", "main", []bufferBinding{
		{0, ids, true}, {1, embedding.Buffer, true}, {2, out.Buffer, false}, {3, params, true},
	}, nTokens*hiddenSize, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// uploadTokenIDs packs token ids as float32 bit patterns, the same
// numeric convention the routing kernels use for integer payloads, so a
// single storage-buffer element type serves both.
func uploadTokenIDs(d gpu.Dispatcher, ids []int32) *gpu.Buffer {
	buf, err := d.Device().Pool.Acquire(uint64(len(ids))*4, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst, "embed.token_ids")
	if err != nil {
		panic(err)
	}
	raw := make([]byte, len(ids)*4)
	for i, id := range ids {
		bits := math.Float32bits(float32(id))
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}
	d.Device().Queue.WriteBuffer(buf.Raw, 0, raw)
	return buf
}

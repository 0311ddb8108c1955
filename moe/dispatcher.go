// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package moe

import (
	"fmt"
	"math"

	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/moe/expertloader"
	"github.com/cogentcore/gpuinfer/ops"
)

// Dispatcher runs the full MoE FFN sub-pipeline for one layer: route,
// gather, per-expert execution (with on-demand weight loading), and
// scatter-add. Dequantisation (for MXFP4 experts) is the caller's
// concern, done inside the supplied ExpertExecFunc against a process-wide
// DequantCache the caller owns.
type Dispatcher struct {
	ks     *ops.KernelSet
	cfg    *config.MoEConfig
	router *Router
	loader *expertloader.Loader
}

// NewDispatcher builds a Dispatcher for one MoE layer's configuration,
// sharing the given expert loader with the rest of the model.
func NewDispatcher(ks *ops.KernelSet, cfg *config.MoEConfig, loader *expertloader.Loader) *Dispatcher {
	return &Dispatcher{ks: ks, cfg: cfg, router: NewRouter(ks, cfg), loader: loader}
}

// ExpertExecFunc runs one expert's dense FFN over its [max_tokens_per_expert,
// hidden_size] input block (rows at index >= the expert's routed token
// count are padding and may be computed on but are never scattered back)
// and returns an output block of the same shape.
type ExpertExecFunc func(d gpu.Dispatcher, expert int, weights *expertloader.ExpertWeights, in *gpu.Tensor) (*gpu.Tensor, error)

// Forward runs the MoE FFN for one layer: x is [n_tokens, hidden_size].
func (disp *Dispatcher) Forward(d gpu.Dispatcher, layer int, x *gpu.Tensor, gateWeight *gpu.WeightBuffer, gateBias *gpu.WeightBuffer, exec ExpertExecFunc) (*gpu.Tensor, error) {
	hidden := x.Shape[len(x.Shape)-1]
	nTokens := x.Shape.NumElements() / hidden
	pool := d.Device().Pool

	route, err := disp.router.Route(d, x, gateWeight, gateBias)
	if err != nil {
		return nil, fmt.Errorf("moe: layer %d route: %w", layer, err)
	}

	indicesBytes, err := pool.Read(route.Indices.Buffer, route.Indices.ByteSize())
	if err != nil {
		return nil, fmt.Errorf("moe: layer %d: reading routed indices: %w", layer, err)
	}
	indices := decodeIndices(indicesBytes, nTokens*disp.cfg.TopK)

	assignment, err := ComputeAssignment(indices, nTokens, disp.cfg.TopK, disp.cfg.NumExperts)
	if err != nil {
		return nil, fmt.Errorf("moe: layer %d: %w", layer, err)
	}

	tokenMapTensor, err := uploadFloat32As(d, toFloat32(assignment.TokenMap), gpu.Shape{disp.cfg.NumExperts, assignment.MaxTokensPerExpert, 2}, "moe.token_map")
	if err != nil {
		return nil, err
	}
	defer pool.Release(tokenMapTensor.Buffer)

	gathered, err := disp.ks.MoEGather(d, x, tokenMapTensor, disp.cfg.NumExperts, assignment.MaxTokensPerExpert, hidden)
	if err != nil {
		return nil, fmt.Errorf("moe: layer %d gather: %w", layer, err)
	}

	expertOutputs, err := gpu.NewTensor(pool, x.DType, gathered.Shape, "moe.expert_outputs")
	if err != nil {
		return nil, fmt.Errorf("moe: layer %d: allocate expert outputs: %w", layer, err)
	}

	for e := 0; e < disp.cfg.NumExperts; e++ {
		if assignment.TokenCounts[e] == 0 {
			continue
		}
		weights, err := disp.loader.Get(layer, e)
		if err != nil {
			return nil, fmt.Errorf("moe: layer %d expert %d: loading weights: %w", layer, e, err)
		}
		in, err := disp.ks.ExtractExpertBlock(d, gathered, e, assignment.MaxTokensPerExpert, hidden)
		if err != nil {
			return nil, fmt.Errorf("moe: layer %d expert %d: extracting block: %w", layer, e, err)
		}
		out, err := exec(d, e, weights, in)
		if err != nil {
			return nil, fmt.Errorf("moe: layer %d expert %d: %w", layer, e, err)
		}
		if err := disp.ks.WriteExpertBlock(d, expertOutputs, e, assignment.MaxTokensPerExpert, hidden, out); err != nil {
			return nil, fmt.Errorf("moe: layer %d expert %d: writing output: %w", layer, e, err)
		}
		pool.Release(in.Buffer)
	}

	offsetsTensor, err := uploadFloat32As(d, toFloat32(assignment.TokenOffsets), gpu.Shape{nTokens, disp.cfg.TopK}, "moe.token_offsets")
	if err != nil {
		return nil, err
	}
	defer pool.Release(offsetsTensor.Buffer)

	result, err := disp.ks.ScatterAdd(d, expertOutputs, offsetsTensor, route.Weights, nTokens, hidden, disp.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("moe: layer %d scatter: %w", layer, err)
	}
	pool.Release(expertOutputs.Buffer)
	pool.Release(gathered.Buffer)
	return result, nil
}

// decodeIndices reinterprets a routed-indices buffer (stored as float32 bit
// patterns by the softmax+top-k kernel) as integer expert ids.
func decodeIndices(raw []byte, n int) []int32 {
	out := make([]int32, n)
	for i := 0; i < n && (i+1)*4 <= len(raw); i++ {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		out[i] = int32(math.Float32frombits(bits) + 0.5)
	}
	return out
}

func toFloat32(v []int32) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// uploadFloat32As packs a host-side float32 slice into a fresh GPU tensor.
// Routing bookkeeping (token maps, offsets) travels as float32 bit patterns
// like the router's own index output, so the gather/scatter kernels read a
// single numeric type throughout.
func uploadFloat32As(d gpu.Dispatcher, data []float32, shape gpu.Shape, label string) (*gpu.Tensor, error) {
	t, err := gpu.NewTensor(d.Device().Pool, gpu.F32, shape, label)
	if err != nil {
		return nil, fmt.Errorf("moe: allocate %s: %w", label, err)
	}
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		bits := math.Float32bits(v)
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}
	d.Device().Queue.WriteBuffer(t.Buffer.Raw, 0, raw)
	return t, nil
}

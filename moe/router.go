// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package moe implements the Mixture-of-Experts FFN sub-pipeline: routing,
// gather, per-expert execution with on-demand weight loading, and
// scatter-add.
package moe

import (
	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/ops"
	"github.com/cogentcore/gpuinfer/weightstore"
)

// Router computes, for each token, the top-k experts to route to and their
// renormalised weights ("logits = x · gate_weight", then a
// fused softmax+top-k kernel).
type Router struct {
	ks   *ops.KernelSet
	cfg  *config.MoEConfig
}

// NewRouter builds a Router for the given MoE configuration.
func NewRouter(ks *ops.KernelSet, cfg *config.MoEConfig) *Router {
	return &Router{ks: ks, cfg: cfg}
}

// Route runs the per-layer router: a matmul against the gate weight
// (plus optional bias), followed by softmax+top-k selection.
func (r *Router) Route(d gpu.Dispatcher, x *gpu.Tensor, gateWeight *gpu.WeightBuffer, gateBias *gpu.WeightBuffer) (*ops.RouteResult, error) {
	logits, err := r.ks.MatMul(d, x, gateWeight, ops.TransposeAuto)
	if err != nil {
		return nil, err
	}
	if r.cfg.HasRouterBias && gateBias != nil {
		logits, err = r.ks.BiasAdd(d, logits, gateBias)
		if err != nil {
			return nil, err
		}
	}
	return r.ks.SoftmaxTopK(d, logits, r.cfg.NumExperts, r.cfg.TopK, r.cfg.RenormalizeTopK)
}

// RouterWeights names the per-layer router weight keys read from the
// weight store.
func RouterWeights(layer int) (gate, bias string) {
	return weightstore.LayerKey(layer, weightstore.RouterGate), weightstore.LayerKey(layer, weightstore.RouterBias)
}

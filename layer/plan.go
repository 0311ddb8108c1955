// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layer implements the per-layer forward pass: the attention and
// FFN sub-pipelines, resolved into a small sum-type plan per layer so the
// hot loop never branches on raw weight nullability (see the design notes
// "architectural variants").
package layer

import (
	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/weightstore"
)

// NormVariant selects standard (LLaMA-style) vs sandwich (Gemma 3-style)
// residual wiring.
type NormVariant int

const (
	NormStandard NormVariant = iota
	NormSandwich
)

// QKVVariant selects how Q/K/V projections are computed.
type QKVVariant int

const (
	QKVFused QKVVariant = iota
	QKVSeparate
	QKVLoRA
)

// GateUpVariant selects how the dense FFN's gate/up projections are
// computed.
type GateUpVariant int

const (
	GateUpFused GateUpVariant = iota // single gate_up matmul + silu_row_split
	GateUpFusedActivation             // separate gate/up weights: gate and up matmuls + ActivationGate (no single fused FFN kernel)
	GateUpSeparate                    // separate matmuls + ActivationGate, same dispatches as GateUpFusedActivation
)

// FFNVariant selects dense vs Mixture-of-Experts FFN.
type FFNVariant int

const (
	FFNDense FFNVariant = iota
	FFNMoE
)

// Plan is the resolved, layer-specific execution shape: which weights
// exist and which code path to take, decided once at load time instead of
// re-checked every forward call.
type Plan struct {
	Layer int

	Norm NormVariant
	QKV  QKVVariant
	FFN  FFNVariant
	GateUp GateUpVariant

	HasQKNorm      bool
	HasPostAttnNorm bool
	HasPreFFNNorm   bool
	HasPostFFNNorm  bool

	Attention config.AttentionType

	// EligibleFusedOutputResidual reports whether the output-projection
	// decode fast path (matmul+residual fused) can run for this layer:
	// true for the standard norm variant when LoRA does not augment o_proj.
	EligibleFusedOutputResidual bool

	// EligibleFusedDownNormResidual reports whether the decode-only fused
	// down+RMSNorm+residual kernel can run for this layer.
	EligibleFusedDownNormResidual bool
}

// Resolve inspects the weight store for the given layer and builds its
// Plan. Missing optional weights (Q/K norm, post-attn norm) are recorded
// as absent rather than failing; a missing mandatory weight is reported
// by the caller attempting to fetch it during Forward, per this package's failure
// semantics ("missing mandatory weight is fatal").
func Resolve(cfg *config.ModelConfig, store weightstore.Store, layerIdx int) *Plan {
	p := &Plan{Layer: layerIdx, Attention: cfg.AttentionTypeFor(layerIdx)}

	// post_attn_norm is ambiguous on its own: standard (LLaMA-style) models
	// store their single pre-FFN norm under this same key, while sandwich
	// models use it for the attention-output norm applied before the
	// residual add. pre_ffn_norm / post_ffn_norm only ever exist on
	// sandwich models, so their presence is what actually decides the
	// variant.
	if _, ok := store.Get(weightstore.LayerKey(layerIdx, weightstore.PostAttnNorm)); ok {
		p.HasPostAttnNorm = true
	}
	if _, ok := store.Get(weightstore.LayerKey(layerIdx, weightstore.PreFFNNorm)); ok {
		p.HasPreFFNNorm = true
		p.Norm = NormSandwich
	}
	if _, ok := store.Get(weightstore.LayerKey(layerIdx, weightstore.PostFFNNorm)); ok {
		p.HasPostFFNNorm = true
		p.Norm = NormSandwich
	}

	_, hasLoraQ := store.Get(weightstore.LayerKey(layerIdx, weightstore.LoRASuffix(weightstore.QProj, "a")))
	if hasLoraQ {
		p.QKV = QKVLoRA
	} else if _, ok := store.Get(weightstore.LayerKey(layerIdx, weightstore.QKVProj)); ok {
		p.QKV = QKVFused
	} else {
		p.QKV = QKVSeparate
	}

	if _, ok := store.Get(weightstore.LayerKey(layerIdx, weightstore.QNorm)); ok {
		p.HasQKNorm = true
	}

	if cfg.MoE != nil {
		p.FFN = FFNMoE
	} else {
		p.FFN = FFNDense
		if _, ok := store.Get(weightstore.LayerKey(layerIdx, weightstore.GateUpProj)); ok {
			p.GateUp = GateUpFused
		} else if _, ok := store.Get(weightstore.LayerKey(layerIdx, weightstore.GateProj)); ok {
			_ = ok
			p.GateUp = GateUpFusedActivation
		} else {
			p.GateUp = GateUpSeparate
		}
	}

	_, hasLoraO := store.Get(weightstore.LayerKey(layerIdx, weightstore.LoRASuffix(weightstore.OProj, "a")))
	p.EligibleFusedOutputResidual = !hasLoraO && p.Norm == NormStandard

	_, hasLoraDown := store.Get(weightstore.LayerKey(layerIdx, weightstore.LoRASuffix(weightstore.DownProj, "a")))
	p.EligibleFusedDownNormResidual = p.FFN == FFNDense && p.HasPostFFNNorm && !hasLoraDown && cfg.HiddenSize <= 8192

	return p
}

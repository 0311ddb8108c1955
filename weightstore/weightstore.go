// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package weightstore declares the collaborator interface the layer
// executor and MoE dispatcher use to resolve named weights. The
// actual model-loader / weight-format implementation lives outside this
// module; this package only names the shape of that collaboration and
// the per-layer key convention the rest of the core relies on.
package weightstore

import (
	"fmt"

	"github.com/cogentcore/gpuinfer/gpu"
)

// CPUArray is a weight the store could only materialise on the host (no
// GPU-resident copy available), e.g. for a kernel path without a GPU
// implementation. Neither the layer executor nor the generator calls
// GetCPU, so a CPU-resident weight does not switch off any fused GPU fast
// path.
type CPUArray struct {
	Data  []float32
	Shape gpu.Shape
}

// Store resolves named weights by key. Implementations may back this with
// an in-memory map (as in tests), a memory-mapped GGUF/safetensors file,
// or a streaming loader; this package only depends on the interface.
type Store interface {
	// Get returns the GPU-resident weight registered under name, or
	// (nil, false) if absent. Absence of an optional weight (Q/K norm,
	// post-attention norm, LoRA) is not an error; absence of a mandatory
	// weight (QKV projections, RMSNorm weight) is fatal at the call site.
	Get(name string) (*gpu.WeightBuffer, bool)

	// GetCPU returns a host-resident weight registered under name, for
	// the rare kernel without a GPU path.
	GetCPU(name string) (*CPUArray, bool)
}

// LayerKey returns the per-layer weight key convention used throughout
// this module: "layer_{i}.{suffix}".
func LayerKey(layer int, suffix string) string {
	return fmt.Sprintf("layer_%d.%s", layer, suffix)
}

// Well-known top-level weight names.
const (
	Embedding = "embedding"
	LMHead    = "lm_head"
)

// Well-known per-layer weight suffixes.
const (
	InputNorm      = "input_norm"
	PostAttnNorm   = "post_attn_norm"
	PreFFNNorm     = "pre_ffn_norm"
	PostFFNNorm    = "post_ffn_norm"
	QProj          = "q_proj"
	KProj          = "k_proj"
	VProj          = "v_proj"
	QKVProj        = "qkv_proj"
	OProj          = "o_proj"
	QNorm          = "q_norm"
	KNorm          = "k_norm"
	GateProj       = "gate_proj"
	UpProj         = "up_proj"
	GateUpProj     = "gate_up_proj"
	DownProj       = "down_proj"
	RouterGate     = "router_gate"
	RouterBias     = "router_bias"
)

// LoRASuffix builds the LoRA A/B adapter key for a given base projection
// suffix, e.g. LoRASuffix(QProj, "a") -> "q_proj.lora_a".
func LoRASuffix(base, part string) string {
	return base + ".lora_" + part
}

// ExpertKey returns the per-layer-per-expert weight key convention used by
// MoE FFN layers: "layer_{i}.expert_{j}.{suffix}".
func ExpertKey(layer, expert int, suffix string) string {
	return fmt.Sprintf("layer_%d.expert_%d.%s", layer, expert, suffix)
}

// Well-known per-expert weight suffixes, for both the dense (separate
// gate/up/down) and MXFP4-quantised fused layouts.
const (
	ExpertGateProj     = "gate_proj"
	ExpertUpProj       = "up_proj"
	ExpertDownProj     = "down_proj"
	ExpertGateUpBlocks = "gate_up_blocks"
	ExpertGateUpScales = "gate_up_scales"
	ExpertDownBlocks   = "down_blocks"
	ExpertDownScales   = "down_scales"
	ExpertBias         = "bias"
	ExpertDownBias     = "down_bias"
)

// MapStore is a trivial in-memory Store, used by tests and by any
// collaborator that has already resolved every weight eagerly.
type MapStore struct {
	GPU map[string]*gpu.WeightBuffer
	CPU map[string]*CPUArray
}

func NewMapStore() *MapStore {
	return &MapStore{GPU: make(map[string]*gpu.WeightBuffer), CPU: make(map[string]*CPUArray)}
}

func (m *MapStore) Get(name string) (*gpu.WeightBuffer, bool) {
	w, ok := m.GPU[name]
	return w, ok
}

func (m *MapStore) GetCPU(name string) (*CPUArray, bool) {
	c, ok := m.CPU[name]
	return c, ok
}

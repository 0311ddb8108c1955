// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layer

import (
	"testing"

	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/weightstore"
	"github.com/stretchr/testify/require"
)

func baseConfig() *config.ModelConfig {
	return &config.ModelConfig{
		NumLayers: 2, HiddenSize: 128, IntermediateSize: 256,
		NumHeads: 4, NumKVHeads: 4, HeadDim: 32, VocabSize: 100, RMSNormEps: 1e-5,
	}
}

func putWeight(s *weightstore.MapStore, key string) {
	s.GPU[key] = &gpu.WeightBuffer{}
}

func TestResolveDefaultsToStandardSeparateQKVDense(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.InputNorm))
	p := Resolve(cfg, store, 0)

	require.Equal(t, NormStandard, p.Norm)
	require.Equal(t, QKVSeparate, p.QKV)
	require.Equal(t, FFNDense, p.FFN)
	require.Equal(t, GateUpSeparate, p.GateUp)
	require.True(t, p.EligibleFusedOutputResidual)
	require.False(t, p.EligibleFusedDownNormResidual)
}

func TestResolveFusedQKVFromPresenceOfQKVProj(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.QKVProj))
	p := Resolve(cfg, store, 0)
	require.Equal(t, QKVFused, p.QKV)
}

func TestResolveLoRAQKVTakesPriorityOverFused(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.QKVProj))
	putWeight(store, weightstore.LayerKey(0, weightstore.LoRASuffix(weightstore.QProj, "a")))
	p := Resolve(cfg, store, 0)
	require.Equal(t, QKVLoRA, p.QKV)
}

func TestResolveGateUpFused(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.GateUpProj))
	p := Resolve(cfg, store, 0)
	require.Equal(t, GateUpFused, p.GateUp)
}

func TestResolveGateUpFusedActivationWhenSeparateGatePresentWithoutFusedProj(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.GateProj))
	p := Resolve(cfg, store, 0)
	require.Equal(t, GateUpFusedActivation, p.GateUp)
}

func TestResolvePostAttnNormAloneIsNotSandwich(t *testing.T) {
	// post_attn_norm alone is the standard-model pre-FFN norm, not a
	// sandwich signal; only pre_ffn_norm/post_ffn_norm indicate sandwich.
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.PostAttnNorm))
	p := Resolve(cfg, store, 0)
	require.Equal(t, NormStandard, p.Norm)
	require.True(t, p.HasPostAttnNorm)
}

func TestResolveSandwichFromPreFFNNorm(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.PreFFNNorm))
	p := Resolve(cfg, store, 0)
	require.Equal(t, NormSandwich, p.Norm)
	require.False(t, p.EligibleFusedOutputResidual, "fused matmul+residual skips the sandwich post-attn norm so must not be eligible")
}

func TestResolveFusedDownNormResidualRequiresPostFFNNormAndNoLoRA(t *testing.T) {
	cfg := baseConfig()
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.PostFFNNorm))
	p := Resolve(cfg, store, 0)
	require.True(t, p.EligibleFusedDownNormResidual)

	store2 := weightstore.NewMapStore()
	putWeight(store2, weightstore.LayerKey(0, weightstore.PostFFNNorm))
	putWeight(store2, weightstore.LayerKey(0, weightstore.LoRASuffix(weightstore.DownProj, "a")))
	p2 := Resolve(cfg, store2, 0)
	require.False(t, p2.EligibleFusedDownNormResidual)
}

func TestResolveMoEOverridesDenseFFN(t *testing.T) {
	cfg := baseConfig()
	cfg.MoE = &config.MoEConfig{NumExperts: 8, TopK: 2}
	store := weightstore.NewMapStore()
	p := Resolve(cfg, store, 0)
	require.Equal(t, FFNMoE, p.FFN)
	require.False(t, p.EligibleFusedDownNormResidual)
}

func TestResolveLargeHiddenSizeDisqualifiesFusedDown(t *testing.T) {
	cfg := baseConfig()
	cfg.HiddenSize = 16384
	store := weightstore.NewMapStore()
	putWeight(store, weightstore.LayerKey(0, weightstore.PostFFNNorm))
	p := Resolve(cfg, store, 0)
	require.False(t, p.EligibleFusedDownNormResidual)
}

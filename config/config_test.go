// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
num_layers: 2
hidden_size: 8
intermediate_size: 16
num_heads: 2
num_kv_heads: 1
head_dim: 4
vocab_size: 32
rms_norm_eps: 0.000001
activation: gelu
rope_theta: 10000
per_layer_attention: ["full_attention", "sliding_attention"]
moe:
  num_experts: 4
  top_k: 2
`

func TestLoadManifestParsesKnownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	cfg, err := LoadManifest(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.NumLayers)
	require.Equal(t, GeLU, cfg.Activation)
	require.Equal(t, []AttentionType{FullAttention, SlidingAttention}, cfg.PerLayerAttention)
	require.NotNil(t, cfg.MoE)
	require.Equal(t, 4, cfg.MoE.NumExperts)
}

func TestLoadManifestRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest+"\ntypo_field: 1\n"), 0o644))

	_, err := LoadManifest(path)
	require.Error(t, err)
}

func TestLoadManifestPropagatesValidationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_layers: 0\n"), 0o644))

	_, err := LoadManifest(path)
	require.Error(t, err)
}

func validConfig() *ModelConfig {
	return &ModelConfig{
		NumLayers:    2,
		HiddenSize:   8,
		NumHeads:     2,
		NumKVHeads:   2,
		HeadDim:      4,
		VocabSize:    32,
		RMSNormEps:   1e-5,
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadGQARatio(t *testing.T) {
	c := validConfig()
	c.NumKVHeads = 3
	err := c.Validate()
	require.Error(t, err)
	var cfgErr *generrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "NumKVHeads", cfgErr.Field)
}

func TestValidateRejectsMismatchedPerLayerAttention(t *testing.T) {
	c := validConfig()
	c.PerLayerAttention = []AttentionType{FullAttention}
	require.Error(t, c.Validate())
}

func TestValidateRejectsBadMoETopK(t *testing.T) {
	c := validConfig()
	c.MoE = &MoEConfig{NumExperts: 4, TopK: 5}
	require.Error(t, c.Validate())
}

func TestAttentionTypeForDefaultsToFull(t *testing.T) {
	c := validConfig()
	require.Equal(t, FullAttention, c.AttentionTypeFor(0))
}

func TestAttentionTypeForPerLayer(t *testing.T) {
	c := validConfig()
	c.PerLayerAttention = []AttentionType{SlidingAttention, FullAttention}
	require.Equal(t, SlidingAttention, c.AttentionTypeFor(0))
	require.Equal(t, FullAttention, c.AttentionTypeFor(1))
}

func TestEffectiveEmbedVocabSize(t *testing.T) {
	c := validConfig()
	require.Equal(t, c.VocabSize, c.EffectiveEmbedVocabSize())
	c.EmbedVocabSize = 16
	require.Equal(t, 16, c.EffectiveEmbedVocabSize())
}

func TestQueryScaleDefaultsToInverseSqrtHeadDim(t *testing.T) {
	c := validConfig()
	got := c.QueryScale()
	require.InDelta(t, 0.5, got, 1e-6) // 1/sqrt(4) == 0.5
}

func TestQueryScaleHonorsConfiguredScalar(t *testing.T) {
	c := validConfig()
	c.QueryPreAttnScalar = 16
	got := c.QueryScale()
	require.InDelta(t, 0.25, got, 1e-6)
}

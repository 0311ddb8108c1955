// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the fully resolved, immutable model and generation
// configuration the inference core consumes. LoadManifest reads the YAML
// shape most model repos ship (config.json's fields renamed to the Go
// convention); anything beyond that shape (tokenizer files, chat templates)
// is an external collaborator's concern and out of scope here.
package config

import (
	"bytes"
	"fmt"
	"os"

	math32 "github.com/chewxy/math32"
	"github.com/cogentcore/gpuinfer/generrors"
	"gopkg.in/yaml.v3"
)

// Activation selects the FFN gate activation function.
type Activation int

const (
	SiLU Activation = iota
	GeLU
)

// AttentionType marks whether a layer attends over the full context or a
// bounded sliding window.
type AttentionType int

const (
	FullAttention AttentionType = iota
	SlidingAttention
)

// RoPEScalingType selects the rotary position embedding scaling strategy.
type RoPEScalingType int

const (
	RoPEScalingNone RoPEScalingType = iota
	RoPEScalingLinear
	RoPEScalingYaRN
)

// RoPEScaling configures frequency scaling for extended context lengths.
type RoPEScaling struct {
	Type                         RoPEScalingType
	Factor                       float32
	BetaFast                     float32
	BetaSlow                     float32
	OriginalMaxPositionEmbeddings int
}

// MoEConfig describes a Mixture-of-Experts FFN layer.
type MoEConfig struct {
	NumExperts          int
	TopK                int
	RenormalizeTopK      bool
	HasRouterBias       bool
	MXFP4               bool // GPT-OSS-style quantised fused gate_up/down blocks
	DequantCacheEntries int  // LRU cap for the dequantisation cache; 0 = package default
}

// ModelConfig is the fully resolved, immutable description of model shape
// and behavior. It is assumed already validated by an external manifest
// parser; this package only re-checks structural invariants a caller could
// not have gotten right without reading this core (see Validate).
type ModelConfig struct {
	NumLayers       int
	HiddenSize      int
	IntermediateSize int
	NumHeads        int
	NumKVHeads      int
	HeadDim         int
	VocabSize       int

	RMSNormEps        float32
	RMSNormWeightOffset bool // +1 offset on norm weights (Gemma-family)

	Activation Activation

	RoPETheta      float32
	RoPELocalTheta float32 // used by sliding_attention layers when != 0
	RoPEScaling    RoPEScaling

	SlidingWindowSize int // 0 = no sliding window anywhere

	AttentionSoftcap    float32 // 0 = disabled
	FinalLogitSoftcap   float32 // 0 = disabled
	QueryPreAttnScalar  float32 // 0 = use default 1/sqrt(head_dim)
	QueryKeyNorm        bool

	TiedEmbeddings   bool
	EmbedVocabSize   int // nullable: 0 means "== VocabSize"

	StopTokenIDs []int32

	// PerLayerAttention maps layer index to its attention type; nil means
	// every layer is FullAttention.
	PerLayerAttention []AttentionType

	MoE *MoEConfig // nil for a dense model

	ChatTemplateTag string

	// EmbeddingScale multiplies token embeddings on lookup, 0 disables
	// (treated as 1).
	EmbeddingScale float32
}

// Validate checks structural invariants of the config, returning a
// *generrors.ConfigError describing the first violation found. It is
// called once at pipeline construction, never during generation.
func (c *ModelConfig) Validate() error {
	switch {
	case c.NumLayers <= 0:
		return &generrors.ConfigError{Field: "NumLayers", Reason: "must be positive"}
	case c.HiddenSize <= 0:
		return &generrors.ConfigError{Field: "HiddenSize", Reason: "must be positive"}
	case c.NumHeads <= 0:
		return &generrors.ConfigError{Field: "NumHeads", Reason: "must be positive"}
	case c.NumKVHeads <= 0:
		return &generrors.ConfigError{Field: "NumKVHeads", Reason: "must be positive"}
	case c.NumHeads%c.NumKVHeads != 0:
		return &generrors.ConfigError{Field: "NumKVHeads", Reason: "must evenly divide NumHeads (grouped-query attention)"}
	case c.HeadDim <= 0:
		return &generrors.ConfigError{Field: "HeadDim", Reason: "must be positive"}
	case c.VocabSize <= 0:
		return &generrors.ConfigError{Field: "VocabSize", Reason: "must be positive"}
	case c.RMSNormEps <= 0:
		return &generrors.ConfigError{Field: "RMSNormEps", Reason: "must be positive"}
	case c.PerLayerAttention != nil && len(c.PerLayerAttention) != c.NumLayers:
		return &generrors.ConfigError{Field: "PerLayerAttention", Reason: "length must equal NumLayers"}
	}
	if c.MoE != nil {
		if c.MoE.NumExperts <= 0 {
			return &generrors.ConfigError{Field: "MoE.NumExperts", Reason: "must be positive"}
		}
		if c.MoE.TopK <= 0 || c.MoE.TopK > c.MoE.NumExperts {
			return &generrors.ConfigError{Field: "MoE.TopK", Reason: "must be in [1, NumExperts]"}
		}
	}
	return nil
}

// AttentionTypeFor returns the attention type configured for the given
// layer index.
func (c *ModelConfig) AttentionTypeFor(layer int) AttentionType {
	if c.PerLayerAttention == nil {
		return FullAttention
	}
	return c.PerLayerAttention[layer]
}

// EffectiveEmbedVocabSize returns EmbedVocabSize if set, else VocabSize.
func (c *ModelConfig) EffectiveEmbedVocabSize() int {
	if c.EmbedVocabSize > 0 {
		return c.EmbedVocabSize
	}
	return c.VocabSize
}

// QueryScale returns the scaled-dot-product attention scale: either the
// configured query_pre_attn_scalar (1/sqrt(scalar)) or the default
// 1/sqrt(head_dim).
func (c *ModelConfig) QueryScale() float32 {
	if c.QueryPreAttnScalar > 0 {
		return invSqrt(c.QueryPreAttnScalar)
	}
	return invSqrt(float32(c.HeadDim))
}

func invSqrt(x float32) float32 {
	if x <= 0 {
		return 1
	}
	return 1 / math32.Sqrt(x)
}

// Manifest is the on-disk YAML shape a model directory ships its config
// under (field names following the Go convention rather than the
// HuggingFace config.json names directly). LoadManifest decodes it with
// strict field checking so a typo'd key fails loudly instead of silently
// leaving a zero value in place.
type Manifest struct {
	NumLayers        int     `yaml:"num_layers"`
	HiddenSize       int     `yaml:"hidden_size"`
	IntermediateSize int     `yaml:"intermediate_size"`
	NumHeads         int     `yaml:"num_heads"`
	NumKVHeads       int     `yaml:"num_kv_heads"`
	HeadDim          int     `yaml:"head_dim"`
	VocabSize        int     `yaml:"vocab_size"`

	RMSNormEps          float32 `yaml:"rms_norm_eps"`
	RMSNormWeightOffset bool    `yaml:"rms_norm_weight_offset"`

	Activation string `yaml:"activation"`

	RoPETheta      float32 `yaml:"rope_theta"`
	RoPELocalTheta float32 `yaml:"rope_local_theta"`
	RoPEScaling    struct {
		Type                          string  `yaml:"type"`
		Factor                        float32 `yaml:"factor"`
		BetaFast                      float32 `yaml:"beta_fast"`
		BetaSlow                      float32 `yaml:"beta_slow"`
		OriginalMaxPositionEmbeddings int     `yaml:"original_max_position_embeddings"`
	} `yaml:"rope_scaling"`

	SlidingWindowSize int `yaml:"sliding_window_size"`

	AttentionSoftcap   float32 `yaml:"attention_softcap"`
	FinalLogitSoftcap  float32 `yaml:"final_logit_softcap"`
	QueryPreAttnScalar float32 `yaml:"query_pre_attn_scalar"`
	QueryKeyNorm       bool    `yaml:"query_key_norm"`

	TiedEmbeddings bool `yaml:"tied_embeddings"`
	EmbedVocabSize int  `yaml:"embed_vocab_size"`

	StopTokenIDs []int32 `yaml:"stop_token_ids"`

	PerLayerAttention []string `yaml:"per_layer_attention"`

	MoE *struct {
		NumExperts          int  `yaml:"num_experts"`
		TopK                int  `yaml:"top_k"`
		RenormalizeTopK     bool `yaml:"renormalize_top_k"`
		HasRouterBias       bool `yaml:"has_router_bias"`
		MXFP4               bool `yaml:"mxfp4"`
		DequantCacheEntries int  `yaml:"dequant_cache_entries"`
	} `yaml:"moe"`

	ChatTemplateTag string  `yaml:"chat_template_tag"`
	EmbeddingScale  float32 `yaml:"embedding_scale"`
}

// LoadManifest reads and decodes a YAML manifest file into a validated
// ModelConfig. Unknown keys are rejected so a renamed or misspelled field
// in the manifest surfaces immediately rather than producing a silently
// under-configured model.
func LoadManifest(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest: %w", err)
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("config: parse manifest %s: %w", path, err)
	}
	cfg := m.toModelConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Manifest) toModelConfig() *ModelConfig {
	cfg := &ModelConfig{
		NumLayers:           m.NumLayers,
		HiddenSize:          m.HiddenSize,
		IntermediateSize:    m.IntermediateSize,
		NumHeads:            m.NumHeads,
		NumKVHeads:          m.NumKVHeads,
		HeadDim:             m.HeadDim,
		VocabSize:           m.VocabSize,
		RMSNormEps:          m.RMSNormEps,
		RMSNormWeightOffset: m.RMSNormWeightOffset,
		Activation:          parseActivation(m.Activation),
		RoPETheta:           m.RoPETheta,
		RoPELocalTheta:      m.RoPELocalTheta,
		RoPEScaling: RoPEScaling{
			Type:                          parseRoPEScalingType(m.RoPEScaling.Type),
			Factor:                        m.RoPEScaling.Factor,
			BetaFast:                      m.RoPEScaling.BetaFast,
			BetaSlow:                      m.RoPEScaling.BetaSlow,
			OriginalMaxPositionEmbeddings: m.RoPEScaling.OriginalMaxPositionEmbeddings,
		},
		SlidingWindowSize:  m.SlidingWindowSize,
		AttentionSoftcap:   m.AttentionSoftcap,
		FinalLogitSoftcap:  m.FinalLogitSoftcap,
		QueryPreAttnScalar: m.QueryPreAttnScalar,
		QueryKeyNorm:       m.QueryKeyNorm,
		TiedEmbeddings:     m.TiedEmbeddings,
		EmbedVocabSize:     m.EmbedVocabSize,
		StopTokenIDs:       m.StopTokenIDs,
		ChatTemplateTag:    m.ChatTemplateTag,
		EmbeddingScale:     m.EmbeddingScale,
	}
	if m.PerLayerAttention != nil {
		cfg.PerLayerAttention = make([]AttentionType, len(m.PerLayerAttention))
		for i, s := range m.PerLayerAttention {
			if s == "sliding_attention" {
				cfg.PerLayerAttention[i] = SlidingAttention
			}
		}
	}
	if m.MoE != nil {
		cfg.MoE = &MoEConfig{
			NumExperts:          m.MoE.NumExperts,
			TopK:                m.MoE.TopK,
			RenormalizeTopK:     m.MoE.RenormalizeTopK,
			HasRouterBias:       m.MoE.HasRouterBias,
			MXFP4:               m.MoE.MXFP4,
			DequantCacheEntries: m.MoE.DequantCacheEntries,
		}
	}
	return cfg
}

func parseActivation(s string) Activation {
	if s == "gelu" {
		return GeLU
	}
	return SiLU
}

func parseRoPEScalingType(s string) RoPEScalingType {
	switch s {
	case "linear":
		return RoPEScalingLinear
	case "yarn":
		return RoPEScalingYaRN
	default:
		return RoPEScalingNone
	}
}

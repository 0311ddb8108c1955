// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import "context"

// StopCheckMode selects when the batched multi-token decode path checks
// for an early stop condition.
type StopCheckMode int

const (
	// StopCheckBatch defers stop detection to a CPU scan after the whole
	// batch is read back.
	StopCheckBatch StopCheckMode = iota
	// StopCheckPerToken checks the stop condition on the CPU after every
	// sampled token in the batch and cuts the batch at the first stop. No
	// GPU-side stop kernel or per-slot stop flag is recorded; the fused
	// batch path runs all of its steps and is scanned token by token
	// after readback.
	StopCheckPerToken
)

// TokenFragment is one decoded output unit yielded by Generate: a token id
// plus its decoded text fragment.
type TokenFragment struct {
	ID   int32
	Text string
}

// OnTokenFunc is invoked once per yielded token, in order.
type OnTokenFunc func(frag TokenFragment)

// OnBatchFunc is invoked once per completed decode batch (single-token
// decode yields batches of length 1).
type OnBatchFunc func(batch []TokenFragment)

// GenerateOptions are the named per-call generation options. Numeric
// fields that have a meaningful zero value (Temperature==0 means greedy;
// MaxTokens==0 is a valid "generate nothing" request) are pointers so
// Resolve can distinguish "not set" from "explicitly zero".
type GenerateOptions struct {
	MaxTokens         *int
	Temperature       *float32
	TopP              *float32
	TopK              *int
	RepetitionPenalty *float32
	BatchSize         *int
	StopCheckMode     *StopCheckMode

	StopSequences           []string
	UseChatTemplate         bool
	DisableCommandBatching  bool
	DisableMultiTokenDecode bool
	Profile                 bool

	AbortSignal context.Context
	OnToken     OnTokenFunc
	OnBatch     OnBatchFunc
}

// RuntimeDefaults are the pipeline-level defaults GenerateOptions override.
type RuntimeDefaults struct {
	MaxTokens         int
	Temperature       float32
	TopP              float32
	TopK              int
	RepetitionPenalty float32
	BatchSize         int
	StopCheckMode     StopCheckMode
}

// DefaultRuntimeDefaults returns the conventional sampling defaults:
// temperature 1 (not greedy), nucleus threshold of 1 (disabled), no top-k
// cap, no repetition penalty, single-token decode.
func DefaultRuntimeDefaults() RuntimeDefaults {
	return RuntimeDefaults{
		MaxTokens:         256,
		Temperature:       1.0,
		TopP:              1.0,
		TopK:              0,
		RepetitionPenalty: 1.0,
		BatchSize:         1,
		StopCheckMode:     StopCheckBatch,
	}
}

// Resolve merges call-time overrides in opts over the runtime defaults,
// returning a fully populated ResolvedOptions. A nil pointer field means
// "use the runtime default"; a non-nil pointer is honored even when it
// points at the type's zero value (Temperature 0 = greedy, MaxTokens 0 =
// generate nothing).
func (opts GenerateOptions) Resolve(defaults RuntimeDefaults) ResolvedOptions {
	r := ResolvedOptions{
		MaxTokens:               defaults.MaxTokens,
		Temperature:             defaults.Temperature,
		TopP:                    defaults.TopP,
		TopK:                    defaults.TopK,
		RepetitionPenalty:       defaults.RepetitionPenalty,
		BatchSize:               defaults.BatchSize,
		StopCheckMode:           defaults.StopCheckMode,
		StopSequences:           opts.StopSequences,
		UseChatTemplate:         opts.UseChatTemplate,
		DisableCommandBatching:  opts.DisableCommandBatching,
		DisableMultiTokenDecode: opts.DisableMultiTokenDecode,
		Profile:                 opts.Profile,
		AbortSignal:             opts.AbortSignal,
		OnToken:                 opts.OnToken,
		OnBatch:                 opts.OnBatch,
	}
	if opts.MaxTokens != nil {
		r.MaxTokens = *opts.MaxTokens
	}
	if opts.Temperature != nil {
		r.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		r.TopP = *opts.TopP
	}
	if opts.TopK != nil {
		r.TopK = *opts.TopK
	}
	if opts.RepetitionPenalty != nil {
		r.RepetitionPenalty = *opts.RepetitionPenalty
	}
	if opts.BatchSize != nil {
		r.BatchSize = *opts.BatchSize
	}
	if opts.StopCheckMode != nil {
		r.StopCheckMode = *opts.StopCheckMode
	}
	if r.AbortSignal == nil {
		r.AbortSignal = context.Background()
	}
	return r
}

// ResolvedOptions is GenerateOptions with every field defaulted; the
// generator only ever works with this type.
type ResolvedOptions struct {
	MaxTokens               int
	Temperature             float32
	TopP                    float32
	TopK                    int
	RepetitionPenalty       float32
	StopSequences           []string
	UseChatTemplate         bool
	BatchSize               int
	StopCheckMode           StopCheckMode
	DisableCommandBatching  bool
	DisableMultiTokenDecode bool
	Profile                 bool

	AbortSignal context.Context
	OnToken     OnTokenFunc
	OnBatch     OnBatchFunc
}

// Int is a small helper for constructing *int override fields inline.
func Int(v int) *int { return &v }

// Float32 is a small helper for constructing *float32 override fields
// inline.
func Float32(v float32) *float32 { return &v }

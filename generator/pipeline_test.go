// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"context"
	"testing"

	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/stretchr/testify/require"
)

func fusedEligibleConfig() *config.ModelConfig {
	return &config.ModelConfig{VocabSize: 32}
}

func TestAcquireRejectsReentrantGeneration(t *testing.T) {
	p := &Pipeline{}
	require.NoError(t, p.acquire())
	err := p.acquire()
	var busyErr *generrors.Busy
	require.ErrorAs(t, err, &busyErr)
	p.release()
	require.NoError(t, p.acquire())
}

func TestAcquireResetsDegradationLatchesPerGeneration(t *testing.T) {
	p := &Pipeline{}
	require.NoError(t, p.acquire())
	p.latchDisableRecordedLogits()
	p.latchDisableFusedDecode()
	p.release()

	require.NoError(t, p.acquire())
	require.False(t, p.recordingDisabled())
	require.False(t, p.fusedDecodeDisabled())
}

func TestIsGreedyTreatsZeroAndNearZeroTemperatureAsGreedy(t *testing.T) {
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0
	require.True(t, isGreedy(ro))
	ro.Temperature = 1e-6
	require.True(t, isGreedy(ro))
	ro.Temperature = 0.8
	require.False(t, isGreedy(ro))
}

func TestAbortedReflectsContextCancellation(t *testing.T) {
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	require.False(t, aborted(ro))

	ctx, cancel := context.WithCancel(context.Background())
	ro.AbortSignal = ctx
	require.False(t, aborted(ro))
	cancel()
	require.True(t, aborted(ro))
}

func TestClassifyStopPrefersAbort(t *testing.T) {
	p := &Pipeline{}
	s := newStopState(&fakeTokenizer{}, []int32{5}, nil)
	require.Equal(t, "abort", p.classifyStop([]int32{5}, true, s))
}

func TestClassifyStopDetectsStopToken(t *testing.T) {
	p := &Pipeline{}
	s := newStopState(&fakeTokenizer{}, []int32{5}, nil)
	require.Equal(t, "stop_token", p.classifyStop([]int32{1, 5}, false, s))
}

func TestClassifyStopDetectsStopSequence(t *testing.T) {
	p := &Pipeline{}
	s := newStopState(&fakeTokenizer{}, nil, []string{"3 4"})
	require.Equal(t, "stop_sequence", p.classifyStop([]int32{1, 3, 4}, false, s))
}

func TestClassifyStopDefaultsToMaxTokens(t *testing.T) {
	p := &Pipeline{}
	s := newStopState(&fakeTokenizer{}, nil, nil)
	require.Equal(t, "max_tokens", p.classifyStop([]int32{1, 2, 3}, false, s))
}

func TestValidateTokenRangeRejectsOutOfRange(t *testing.T) {
	err := validateTokenRange([]int32{0, 5, 10}, 10)
	var rangeErr *generrors.TokenRangeError
	require.ErrorAs(t, err, &rangeErr)
}

func TestValidateTokenRangeAcceptsInRange(t *testing.T) {
	require.NoError(t, validateTokenRange([]int32{0, 5, 9}, 10))
}

func TestFusedBatchEligibleOnGreedyDenseNoSoftcap(t *testing.T) {
	p := &Pipeline{cfg: fusedEligibleConfig()}
	require.NoError(t, p.acquire())
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0
	ro.RepetitionPenalty = 1
	require.True(t, p.fusedBatchEligible(ro))
}

func TestFusedBatchEligibleRejectsNonGreedy(t *testing.T) {
	p := &Pipeline{cfg: fusedEligibleConfig()}
	require.NoError(t, p.acquire())
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0.8
	ro.RepetitionPenalty = 1
	require.False(t, p.fusedBatchEligible(ro))
}

func TestFusedBatchEligibleRejectsRepetitionPenalty(t *testing.T) {
	p := &Pipeline{cfg: fusedEligibleConfig()}
	require.NoError(t, p.acquire())
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0
	ro.RepetitionPenalty = 1.2
	require.False(t, p.fusedBatchEligible(ro))
}

func TestFusedBatchEligibleRejectsTiedEmbeddingPadding(t *testing.T) {
	cfg := fusedEligibleConfig()
	cfg.EmbedVocabSize = 16
	p := &Pipeline{cfg: cfg}
	require.NoError(t, p.acquire())
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0
	ro.RepetitionPenalty = 1
	require.False(t, p.fusedBatchEligible(ro))
}

func TestFusedBatchEligibleRejectsFinalLogitSoftcap(t *testing.T) {
	cfg := fusedEligibleConfig()
	cfg.FinalLogitSoftcap = 30
	p := &Pipeline{cfg: cfg}
	require.NoError(t, p.acquire())
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0
	ro.RepetitionPenalty = 1
	require.False(t, p.fusedBatchEligible(ro))
}

func TestFusedBatchEligibleRejectsMoE(t *testing.T) {
	cfg := fusedEligibleConfig()
	cfg.MoE = &config.MoEConfig{NumExperts: 4, TopK: 2}
	p := &Pipeline{cfg: cfg}
	require.NoError(t, p.acquire())
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0
	ro.RepetitionPenalty = 1
	require.False(t, p.fusedBatchEligible(ro))
}

func TestFusedBatchEligibleRejectsDisabledCommandBatching(t *testing.T) {
	p := &Pipeline{cfg: fusedEligibleConfig()}
	require.NoError(t, p.acquire())
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0
	ro.RepetitionPenalty = 1
	ro.DisableCommandBatching = true
	require.False(t, p.fusedBatchEligible(ro))
}

func TestFusedBatchEligibleRejectsLatchedFusedDecodeFailure(t *testing.T) {
	p := &Pipeline{cfg: fusedEligibleConfig()}
	require.NoError(t, p.acquire())
	p.latchDisableFusedDecode()
	ro := config.GenerateOptions{}.Resolve(config.DefaultRuntimeDefaults())
	ro.Temperature = 0
	ro.RepetitionPenalty = 1
	require.False(t, p.fusedBatchEligible(ro))
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"fmt"
	"sync"
	"time"

	"github.com/cogentcore/gpuinfer/base/logx"
	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/kvcache"
	"github.com/cogentcore/gpuinfer/layer"
	"github.com/cogentcore/gpuinfer/moe"
	"github.com/cogentcore/gpuinfer/moe/expertloader"
	"github.com/cogentcore/gpuinfer/ops"
	"github.com/cogentcore/gpuinfer/tokenizer"
	"github.com/cogentcore/gpuinfer/weightstore"
)

// Stats reports timing and token counts for one Generate call.
type Stats struct {
	PrefillTimeMS   float64
	DecodeTimeMS    float64
	TotalTimeMS     float64
	TokensGenerated int
	TTFTMS          float64

	// GPUTimeMS is the sum of every command recorder's measured
	// SubmitAndWait duration during this call (pure GPU queue-to-completion
	// time, excluding CPU-side encoding). Zero unless GenerateOptions.Profile
	// was set; see Pipeline.addGPUTime.
	GPUTimeMS float64
}

// Result is the outcome of one Generate call.
type Result struct {
	Text   string
	Tokens []int32
	Stats  Stats

	// StoppedOn names why generation ended: "max_tokens", "stop_token",
	// "stop_sequence", or "abort".
	StoppedOn string
}

// Pipeline owns one model's executor, KV cache, and resolved per-layer
// plans, and drives the generation loop over them. A Pipeline serves one
// generation at a time; is_generating guards re-entrant calls.
type Pipeline struct {
	dev   *gpu.Device
	ks    *ops.KernelSet
	cfg   *config.ModelConfig
	store weightstore.Store
	tok   tokenizer.Tokenizer

	cache    *kvcache.Cache
	executor *layer.Executor
	plans    []*layer.Plan

	defaults config.RuntimeDefaults

	mu         sync.Mutex
	generating bool

	// disableRecordedLogits and disableFusedDecode latch for the
	// remainder of one generation once their GPU fast path has failed
	// once, per call; see prefill.go and decode.go.
	disableRecordedLogits bool
	disableFusedDecode    bool

	// gpuTimeAccumMS accumulates CommandRecorder.Elapsed() across every
	// submission of one generation, when profiling is requested; see
	// addGPUTime.
	gpuTimeAccumMS float64
}

// New builds a Pipeline for the given device, config, weight store, and
// tokenizer, validating the config and allocating the KV cache and MoE
// dispatcher (if the model is a MoE model).
func New(dev *gpu.Device, cfg *config.ModelConfig, store weightstore.Store, tok tokenizer.Tokenizer, maxSeqLen int, defaults config.RuntimeDefaults) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ks := ops.NewKernelSet(dev)

	cacheDType := gpu.F32
	if dev.HasF16() {
		cacheDType = gpu.F16
	}
	cache, err := kvcache.New(kvcache.Config{
		NumLayers:  cfg.NumLayers,
		NumKVHeads: cfg.NumKVHeads,
		HeadDim:    cfg.HeadDim,
		MaxSeqLen:  maxSeqLen,
		DType:      cacheDType,
		Layout:     gpu.RowMajor,
		WindowSize: cfg.SlidingWindowSize,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	var moeDispatch *moe.Dispatcher
	if cfg.MoE != nil {
		fetch := expertloader.DefaultDenseFetch
		if cfg.MoE.MXFP4 {
			fetch = expertloader.DefaultMXFP4Fetch
		}
		loader := expertloader.New(store, fetch)
		moeDispatch = moe.NewDispatcher(ks, cfg.MoE, loader)
	}

	executor := layer.NewExecutor(ks, cfg, store, cache, moeDispatch)
	plans := make([]*layer.Plan, cfg.NumLayers)
	for i := range plans {
		plans[i] = layer.Resolve(cfg, store, i)
	}

	return &Pipeline{
		dev: dev, ks: ks, cfg: cfg, store: store, tok: tok,
		cache: cache, executor: executor, plans: plans,
		defaults: defaults,
	}, nil
}

// acquire sets the is_generating guard, returning *generrors.Busy if a
// generation is already in progress. The caller must call release.
func (p *Pipeline) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generating {
		return &generrors.Busy{}
	}
	p.generating = true
	p.disableRecordedLogits = false
	p.disableFusedDecode = false
	p.gpuTimeAccumMS = 0
	return nil
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.generating = false
	p.mu.Unlock()
}

func (p *Pipeline) recordingDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disableRecordedLogits
}

func (p *Pipeline) latchDisableRecordedLogits() {
	p.mu.Lock()
	already := p.disableRecordedLogits
	p.disableRecordedLogits = true
	p.mu.Unlock()
	if !already {
		logx.PrintlnWarn("generator: recorded prefill logits unhealthy, falling back to unrecorded for this generation")
	}
}

func (p *Pipeline) fusedDecodeDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disableFusedDecode
}

func (p *Pipeline) latchDisableFusedDecode() {
	p.mu.Lock()
	already := p.disableFusedDecode
	p.disableFusedDecode = true
	p.mu.Unlock()
	if !already {
		logx.PrintlnWarn("generator: fused GPU argmax decode failed, falling back to CPU sampling for this generation")
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// addGPUTime accumulates one recorder's measured elapsed time into this
// generation's running GPU-time total, when profiling was requested.
// Call sites pass rec.SubmitAndWait()'s return value directly.
func (p *Pipeline) addGPUTime(profile bool, elapsed time.Duration) {
	if !profile {
		return
	}
	p.mu.Lock()
	p.gpuTimeAccumMS += float64(elapsed) / float64(time.Millisecond)
	p.mu.Unlock()
}

func (p *Pipeline) gpuTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gpuTimeAccumMS
}

// greedyThreshold treats a temperature this close to zero as greedy, so a
// caller-supplied near-zero float doesn't silently fall through to
// division-heavy sampling code.
const greedyThreshold = 1e-5

func isGreedy(o config.ResolvedOptions) bool {
	return o.Temperature == 0 || o.Temperature < greedyThreshold
}

// aborted reports whether the caller's context has already been
// cancelled. Resolve guarantees AbortSignal is never nil.
func aborted(o config.ResolvedOptions) bool {
	return o.AbortSignal.Err() != nil
}

// validateTokenRange checks every prompt token id is within
// [0, vocab_size), the guard the generation loop runs before issuing any
// GPU work.
func validateTokenRange(ids []int32, vocabSize int) error {
	for i, id := range ids {
		if id < 0 || int(id) >= vocabSize {
			return &generrors.TokenRangeError{TokenID: id, VocabSize: vocabSize, Position: i}
		}
	}
	return nil
}

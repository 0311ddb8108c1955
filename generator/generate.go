// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"fmt"
	"time"

	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/kvcache"
)

// encodePrompt tokenizes prompt, applying the chat template marker is the
// caller's external templating collaborator's concern; this core only
// records whether the caller asked for it.
func (p *Pipeline) encodePrompt(prompt string, _ config.ResolvedOptions) ([]int32, error) {
	ids, err := p.tok.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("generator: encode prompt: %w", err)
	}
	return ids, nil
}

// Generate runs prefill over prompt followed by the decode loop, up to
// max_tokens or a stop condition, and returns the generated text and
// token ids (not including the prompt).
func (p *Pipeline) Generate(prompt string, opts config.GenerateOptions) (*Result, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	ro := opts.Resolve(p.defaults)
	overallStart := time.Now()

	promptIDs, err := p.encodePrompt(prompt, ro)
	if err != nil {
		return nil, err
	}

	prefillStart := time.Now()
	logits, err := p.prefill(promptIDs, ro)
	if err != nil {
		return nil, err
	}
	prefillMS := msSince(prefillStart)
	ttftMS := msSince(overallStart)

	stop := newStopState(p.tok, p.cfg.StopTokenIDs, ro.StopSequences)
	tokens, aborted := p.runDecodeLoop(logits, ro, stop)

	totalMS := msSince(overallStart)
	decodeMS := totalMS - prefillMS

	text, _ := p.tok.Decode(tokens, false, true)
	return &Result{
		Text:   text,
		Tokens: tokens,
		Stats: Stats{
			PrefillTimeMS:   prefillMS,
			DecodeTimeMS:    decodeMS,
			TotalTimeMS:     totalMS,
			TokensGenerated: len(tokens),
			TTFTMS:          ttftMS,
			GPUTimeMS:       p.gpuTime(),
		},
		StoppedOn: p.classifyStop(tokens, aborted, stop),
	}, nil
}

// runDecodeLoop samples the first token from the prefill logits, then
// runs the batched decode loop until max_tokens, a stop condition, or an
// abort is observed. Shared by Generate and GenerateWithPrefixKV.
func (p *Pipeline) runDecodeLoop(prefillLogits []float32, ro config.ResolvedOptions, stop *stopState) ([]int32, bool) {
	var tokens []int32
	if ro.MaxTokens <= 0 {
		return tokens, false
	}

	first := p.sampleRow(prefillLogits, nil, ro)
	tokens = append(tokens, first)
	if ro.OnToken != nil {
		text, _ := p.tok.Decode([]int32{first}, false, false)
		ro.OnToken(config.TokenFragment{ID: first, Text: text})
	}
	if stop.check(first, tokens) {
		return tokens, false
	}

	cur := first
	pos := p.cache.CurrentSeqLen()
	remaining := ro.MaxTokens - 1
	for remaining > 0 {
		if aborted(ro) {
			return tokens, true
		}
		n := ro.BatchSize
		if n > remaining {
			n = remaining
		}
		batch, next, stopped, err := p.decodeBatch(cur, pos, n, tokens, ro, stop)
		tokens = append(tokens, batch...)
		if err != nil {
			return tokens, false
		}
		pos += len(batch)
		remaining -= len(batch)
		cur = next
		if stopped {
			break
		}
	}
	return tokens, false
}

func (p *Pipeline) classifyStop(tokens []int32, aborted bool, stop *stopState) string {
	if aborted {
		return "abort"
	}
	if len(tokens) == 0 {
		return "max_tokens"
	}
	last := tokens[len(tokens)-1]
	if stop.isStopToken(last) {
		return "stop_token"
	}
	if stop.matchesSuffix(tokens) {
		return "stop_sequence"
	}
	return "max_tokens"
}

// PrefillKVOnly runs prefill over prompt and returns a Snapshot of the
// resulting KV cache, without entering the decode loop. The pipeline's
// cache is left populated; callers that want an independent continuation
// point should use the returned Snapshot rather than continuing to decode
// directly.
func (p *Pipeline) PrefillKVOnly(prompt string, opts config.GenerateOptions) (*kvcache.Snapshot, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	ro := opts.Resolve(p.defaults)
	promptIDs, err := p.encodePrompt(prompt, ro)
	if err != nil {
		return nil, err
	}
	if _, err := p.prefill(promptIDs, ro); err != nil {
		return nil, err
	}
	d := gpu.NewImmediate(p.dev)
	return p.cache.Clone(d, p.ks.CopyTensor, promptIDs)
}

// GenerateWithPrefixKV seeds the pipeline's KV cache from snap, runs
// prefill only over the suffix tokens not already covered by the
// snapshot, and then continues with the ordinary decode loop.
func (p *Pipeline) GenerateWithPrefixKV(snap *kvcache.Snapshot, suffix string, opts config.GenerateOptions) (*Result, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	d := gpu.NewImmediate(p.dev)
	if err := p.cache.CloneInto(d, p.ks.CopyTensor, snap); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	ro := opts.Resolve(p.defaults)
	overallStart := time.Now()
	suffixIDs, err := p.encodePrompt(suffix, ro)
	if err != nil {
		return nil, err
	}

	prefillStart := time.Now()
	logits, err := p.prefill(suffixIDs, ro)
	if err != nil {
		return nil, err
	}
	prefillMS := msSince(prefillStart)
	ttftMS := msSince(overallStart)

	stop := newStopState(p.tok, p.cfg.StopTokenIDs, ro.StopSequences)
	tokens, aborted := p.runDecodeLoop(logits, ro, stop)

	totalMS := msSince(overallStart)
	text, _ := p.tok.Decode(tokens, false, true)
	return &Result{
		Text:   text,
		Tokens: tokens,
		Stats: Stats{
			PrefillTimeMS:   prefillMS,
			DecodeTimeMS:    totalMS - prefillMS,
			TotalTimeMS:     totalMS,
			TokensGenerated: len(tokens),
			TTFTMS:          ttftMS,
			GPUTimeMS:       p.gpuTime(),
		},
		StoppedOn: p.classifyStop(tokens, aborted, stop),
	}, nil
}

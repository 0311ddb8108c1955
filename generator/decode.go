// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"fmt"
	"math/rand/v2"

	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/ops"
	"github.com/cogentcore/gpuinfer/weightstore"
)

// decodeStep runs one autoregressive step: embed tokenID at startPos,
// run every layer, compute logits, and sample the next token id. recent
// holds the ids already generated this call, for repetition penalty.
func (p *Pipeline) decodeStep(tokenID int32, startPos int, recent []int32, opts config.ResolvedOptions) (int32, error) {
	embedding, ok := p.store.Get(weightstore.Embedding)
	if !ok {
		return 0, fmt.Errorf("generator: missing weight %q", weightstore.Embedding)
	}
	lmHead, ok := p.store.Get(weightstore.LMHead)
	if !ok {
		return 0, fmt.Errorf("generator: missing weight %q", weightstore.LMHead)
	}
	scale := p.cfg.EmbeddingScale
	if scale == 0 {
		scale = 1
	}

	useRecorder := !opts.DisableCommandBatching && !p.recordingDisabled() && p.cfg.MoE == nil
	var d gpu.Dispatcher
	var rec *gpu.CommandRecorder
	if useRecorder {
		rec = gpu.NewCommandRecorder(p.dev, "decode", opts.Profile)
		d = gpu.NewRecording(rec)
	} else {
		d = gpu.NewImmediate(p.dev)
	}

	x, err := p.ks.Embed(d, []int32{tokenID}, embedding, p.cfg.HiddenSize, scale)
	if err != nil {
		return 0, fmt.Errorf("generator: decode embed: %w", err)
	}
	for _, plan := range p.plans {
		x, err = p.executor.Forward(d, plan, x, startPos, 1)
		if err != nil {
			return 0, fmt.Errorf("generator: decode: %w", err)
		}
	}
	logits, err := p.ks.MatMul(d, x, lmHead, ops.TransposeAuto)
	if err != nil {
		return 0, fmt.Errorf("generator: decode lm_head: %w", err)
	}

	// The fused argmax path only produces a correct result when no
	// further CPU-side transform (tied-embedding masking, softcap,
	// repetition penalty, nucleus/top-k sampling) is needed.
	fuse := isGreedy(opts) && !p.fusedDecodeDisabled() && opts.RepetitionPenalty == 1 &&
		p.cfg.EffectiveEmbedVocabSize() == p.cfg.VocabSize && p.cfg.FinalLogitSoftcap == 0

	var sampled *gpu.Tensor
	if fuse {
		sampled, err = p.ks.ArgmaxSample(d, logits, p.cfg.VocabSize)
		if err != nil {
			p.latchDisableFusedDecode()
			fuse = false
		}
	}

	if rec != nil {
		p.addGPUTime(opts.Profile, rec.SubmitAndWait())
	}

	if fuse {
		ids, err := readFloat32(gpu.NewImmediate(p.dev), p.ks, sampled)
		if err == nil && len(ids) > 0 {
			tokenID := int32(ids[0] + 0.5)
			if err := p.cache.Advance(startPos, 1); err != nil {
				return 0, fmt.Errorf("generator: %w", err)
			}
			return tokenID, nil
		}
		p.latchDisableFusedDecode()
	}

	row, err := p.lastRow(logits, 1)
	if err != nil {
		return 0, &generrors.LogitsHealthError{Stage: "unrecorded"}
	}
	row, err = p.finishLogits(row)
	if err != nil {
		return 0, err
	}
	next := p.sampleRow(row, recent, opts)

	if err := p.cache.Advance(startPos, 1); err != nil {
		return 0, fmt.Errorf("generator: %w", err)
	}
	return next, nil
}

// sampleRow runs the CPU sampling reference over one row of finished
// logits: repetition penalty, then temperature/top-p/top-k sampling (or
// argmax, for temperature 0).
func (p *Pipeline) sampleRow(row []float32, recent []int32, opts config.ResolvedOptions) int32 {
	work := append([]float32(nil), row...)
	ops.RepetitionPenalty(work, recent, opts.RepetitionPenalty)
	sp := p.tok.SpecialTokens()
	next := ops.Sample(work, ops.SampleParams{
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		TopK:        opts.TopK,
		PadID:       sp.Pad,
		HasPad:      sp.HasPad,
	}, rand.Float32)
	return int32(next)
}

// decodeBatch runs up to n decode steps, stopping early on a stop
// condition, and reports the batch to the caller as one unit for
// stop-check-mode and on_batch-callback purposes. When the caller hasn't
// set DisableMultiTokenDecode and fusedBatchEligible holds, it records
// every step into one CommandRecorder and submits once (see
// decodeBatchFused); otherwise it falls back to calling decodeStep n
// times, each with its own submission.
func (p *Pipeline) decodeBatch(tokenID int32, startPos int, n int, generated []int32, opts config.ResolvedOptions, stop *stopState) ([]int32, int32, bool, error) {
	if n > 1 && !opts.DisableMultiTokenDecode && p.fusedBatchEligible(opts) {
		out, cur, err := p.decodeBatchFused(tokenID, startPos, n, opts)
		if err == nil {
			return p.checkBatch(out, cur, generated, opts, stop)
		}
		p.latchDisableFusedDecode()
	}

	out := make([]int32, 0, n)
	cur := tokenID
	pos := startPos
	for i := 0; i < n; i++ {
		if aborted(opts) {
			return out, cur, true, nil
		}
		next, err := p.decodeStep(cur, pos, generated, opts)
		if err != nil {
			return out, cur, false, err
		}
		out = append(out, next)
		generated = append(generated, next)
		cur = next
		pos++

		if opts.OnToken != nil {
			text, _ := p.tok.Decode([]int32{next}, false, false)
			opts.OnToken(config.TokenFragment{ID: next, Text: text})
		}
		if opts.StopCheckMode == config.StopCheckPerToken {
			if stop.check(next, generated) {
				return out, cur, true, nil
			}
		}
	}
	if opts.StopCheckMode == config.StopCheckBatch {
		if stop.checkTail(out, generated) {
			return out, cur, true, nil
		}
	}
	if opts.OnBatch != nil && len(out) > 0 {
		opts.OnBatch(p.fragments(out))
	}
	return out, cur, false, nil
}

// fusedBatchEligible reports whether decodeBatchFused can stand in for a
// run of sequential decodeStep calls: every step must be safe to fuse on
// its own terms (the same gating decodeStep uses for its single-step
// argmax fast path), MoE must be off (a dispatcher round trip mid-layer
// breaks one open recording), and command batching/recording must not
// already be latched off for this generation.
func (p *Pipeline) fusedBatchEligible(opts config.ResolvedOptions) bool {
	return isGreedy(opts) && !p.fusedDecodeDisabled() && opts.RepetitionPenalty == 1 &&
		p.cfg.EffectiveEmbedVocabSize() == p.cfg.VocabSize && p.cfg.FinalLogitSoftcap == 0 &&
		p.cfg.MoE == nil && !opts.DisableCommandBatching && !p.recordingDisabled()
}

// decodeBatchFused records n chained decode steps into a single
// CommandRecorder and submits once: each step's sampled token id tensor
// feeds the next step's embed lookup directly (ops.EmbedFromTensor), so
// the whole batch never leaves the GPU until every step has been
// recorded. Every step's sampled id is written into one shared output
// tensor (ops.WriteSampledID) and read back together at the end. KV
// cache bookkeeping is only advanced once the submission that performed
// the corresponding writes has completed, so a mid-recording error never
// leaves current_seq_len ahead of what's actually in the cache buffers.
func (p *Pipeline) decodeBatchFused(tokenID int32, startPos int, n int, opts config.ResolvedOptions) ([]int32, int32, error) {
	embedding, ok := p.store.Get(weightstore.Embedding)
	if !ok {
		return nil, 0, fmt.Errorf("generator: missing weight %q", weightstore.Embedding)
	}
	lmHead, ok := p.store.Get(weightstore.LMHead)
	if !ok {
		return nil, 0, fmt.Errorf("generator: missing weight %q", weightstore.LMHead)
	}
	scale := p.cfg.EmbeddingScale
	if scale == 0 {
		scale = 1
	}

	rec := gpu.NewCommandRecorder(p.dev, "decode_batch", opts.Profile)
	d := gpu.NewRecording(rec)

	batch, err := gpu.NewTensor(p.dev.Pool, gpu.F32, gpu.Shape{n}, "decode_batch.ids")
	if err != nil {
		return nil, 0, fmt.Errorf("generator: decode batch: allocate output: %w", err)
	}
	rec.Track(batch.Buffer)

	var prevSampled *gpu.Tensor
	for i := 0; i < n; i++ {
		pos := startPos + i
		var x *gpu.Tensor
		if prevSampled == nil {
			x, err = p.ks.Embed(d, []int32{tokenID}, embedding, p.cfg.HiddenSize, scale)
		} else {
			x, err = p.ks.EmbedFromTensor(d, prevSampled, embedding, p.cfg.HiddenSize, scale)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("generator: decode batch embed: %w", err)
		}
		for _, plan := range p.plans {
			if x, err = p.executor.Forward(d, plan, x, pos, 1); err != nil {
				return nil, 0, fmt.Errorf("generator: decode batch: %w", err)
			}
		}
		logits, err := p.ks.MatMul(d, x, lmHead, ops.TransposeAuto)
		if err != nil {
			return nil, 0, fmt.Errorf("generator: decode batch lm_head: %w", err)
		}
		sampled, err := p.ks.ArgmaxSample(d, logits, p.cfg.VocabSize)
		if err != nil {
			return nil, 0, fmt.Errorf("generator: decode batch sample: %w", err)
		}
		if err := p.ks.WriteSampledID(d, batch, i, sampled); err != nil {
			return nil, 0, fmt.Errorf("generator: decode batch: writing sampled id: %w", err)
		}
		prevSampled = sampled
	}

	p.addGPUTime(opts.Profile, rec.SubmitAndWait())

	for i := 0; i < n; i++ {
		if err := p.cache.Advance(startPos+i, 1); err != nil {
			return nil, 0, fmt.Errorf("generator: %w", err)
		}
	}

	raw, err := readFloat32(gpu.NewImmediate(p.dev), p.ks, batch)
	if err != nil {
		return nil, 0, fmt.Errorf("generator: decode batch: readback: %w", err)
	}
	out := make([]int32, n)
	for i, v := range raw {
		out[i] = int32(v + 0.5)
	}
	return out, out[len(out)-1], nil
}

// checkBatch applies the same stop-check-mode, on_token, and on_batch
// handling decodeBatch's sequential loop applies per step, but after the
// fact: decodeBatchFused always runs its full n steps since no CPU-visible
// result exists until the whole batch has been read back, so an earlier
// stop condition can only be discovered by scanning the already-produced
// tokens rather than short-circuiting the GPU work that produced them.
func (p *Pipeline) checkBatch(out []int32, cur int32, generated []int32, opts config.ResolvedOptions, stop *stopState) ([]int32, int32, bool, error) {
	for i, next := range out {
		generated = append(generated, next)
		if opts.OnToken != nil {
			text, _ := p.tok.Decode([]int32{next}, false, false)
			opts.OnToken(config.TokenFragment{ID: next, Text: text})
		}
		if opts.StopCheckMode == config.StopCheckPerToken && stop.check(next, generated) {
			return out[:i+1], next, true, nil
		}
	}
	if opts.StopCheckMode == config.StopCheckBatch && stop.checkTail(out, generated) {
		return out, cur, true, nil
	}
	if opts.OnBatch != nil && len(out) > 0 {
		opts.OnBatch(p.fragments(out))
	}
	return out, cur, false, nil
}

// fragments decodes each id in ids individually, pairing it with its own
// decoded text the way OnBatch reports a completed batch.
func (p *Pipeline) fragments(ids []int32) []config.TokenFragment {
	out := make([]config.TokenFragment, len(ids))
	for i, id := range ids {
		text, _ := p.tok.Decode([]int32{id}, false, false)
		out[i] = config.TokenFragment{ID: id, Text: text}
	}
	return out
}

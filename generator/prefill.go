// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"fmt"
	"math"

	"github.com/cogentcore/gpuinfer/config"
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/ops"
	"github.com/cogentcore/gpuinfer/weightstore"
)

// prefillCheckpointLayers submits and waits on the open recorder every
// this many layers during prefill, bounding how many tracked buffers
// accumulate on one recorder for a long prompt; 0 disables checkpointing.
const prefillCheckpointLayers = 8

// prefill embeds and runs every layer over the full prompt, then computes
// the next-token logits from the last position's hidden state. The KV
// cache entries for every prompt position are written during the pass;
// current_seq_len is advanced only once a healthy logits row has been
// produced.
func (p *Pipeline) prefill(tokenIDs []int32, opts config.ResolvedOptions) ([]float32, error) {
	if err := validateTokenRange(tokenIDs, p.cfg.VocabSize); err != nil {
		return nil, err
	}
	startPos := p.cache.CurrentSeqLen()

	preferRecorded := !opts.DisableCommandBatching && !p.recordingDisabled() && p.cfg.MoE == nil
	row, err := p.runPrefillPass(tokenIDs, startPos, preferRecorded, opts)
	if err != nil {
		if !preferRecorded {
			return nil, &generrors.LogitsHealthError{Stage: "unrecorded"}
		}
		p.latchDisableRecordedLogits()
		row, err = p.runPrefillPass(tokenIDs, startPos, false, opts)
		if err != nil {
			return nil, &generrors.LogitsHealthError{Stage: "unrecorded"}
		}
	}

	if err := p.cache.Advance(startPos, len(tokenIDs)); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	return p.finishLogits(row)
}

// runPrefillPass runs one full embed+layers+lm_head pass, recorded into a
// single CommandRecorder when recorded is true, and returns the raw (pre
// padding/softcap) logits row for the last prompt position. A non-finite
// or all-zero result is reported as an error so the caller can retry on
// the other path.
func (p *Pipeline) runPrefillPass(tokenIDs []int32, startPos int, recorded bool, opts config.ResolvedOptions) ([]float32, error) {
	nTokens := len(tokenIDs)

	embedding, ok := p.store.Get(weightstore.Embedding)
	if !ok {
		return nil, fmt.Errorf("generator: missing weight %q", weightstore.Embedding)
	}
	lmHead, ok := p.store.Get(weightstore.LMHead)
	if !ok {
		return nil, fmt.Errorf("generator: missing weight %q", weightstore.LMHead)
	}
	scale := p.cfg.EmbeddingScale
	if scale == 0 {
		scale = 1
	}

	var d gpu.Dispatcher
	var rec *gpu.CommandRecorder
	if recorded {
		rec = gpu.NewCommandRecorder(p.dev, "prefill", opts.Profile)
		d = gpu.NewRecording(rec)
	} else {
		d = gpu.NewImmediate(p.dev)
	}

	x, err := p.ks.Embed(d, tokenIDs, embedding, p.cfg.HiddenSize, scale)
	if err != nil {
		return nil, fmt.Errorf("generator: prefill embed: %w", err)
	}

	for i, plan := range p.plans {
		x, err = p.executor.Forward(d, plan, x, startPos, nTokens)
		if err != nil {
			return nil, fmt.Errorf("generator: prefill: %w", err)
		}
		if rec != nil && prefillCheckpointLayers > 0 && (i+1)%prefillCheckpointLayers == 0 && i+1 < len(p.plans) {
			p.addGPUTime(opts.Profile, rec.SubmitAndWait())
			rec = gpu.NewCommandRecorder(p.dev, "prefill", opts.Profile)
			d = gpu.NewRecording(rec)
		}
	}

	logits, err := p.ks.MatMul(d, x, lmHead, ops.TransposeAuto)
	if err != nil {
		return nil, fmt.Errorf("generator: prefill lm_head: %w", err)
	}
	if rec != nil {
		p.addGPUTime(opts.Profile, rec.SubmitAndWait())
	}

	row, err := p.lastRow(logits, nTokens)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// lastRow reads the whole logits tensor back and returns only the final
// row (the next-token distribution for the last prompt/decode position),
// failing if any value is non-finite or the row is degenerately all-zero.
func (p *Pipeline) lastRow(logits *gpu.Tensor, nTokens int) ([]float32, error) {
	d := gpu.NewImmediate(p.dev)
	all, err := readFloat32(d, p.ks, logits)
	if err != nil {
		return nil, err
	}
	vocab := len(all) / nTokens
	row := append([]float32(nil), all[(nTokens-1)*vocab:nTokens*vocab]...)
	allZero := true
	for _, v := range row {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("generator: non-finite logit")
		}
		if v != 0 {
			allZero = false
		}
	}
	if allZero {
		return nil, fmt.Errorf("generator: all-zero logits")
	}
	return row, nil
}

// finishLogits applies tied-embedding vocab padding and final-logit
// softcap to one row of raw logits.
func (p *Pipeline) finishLogits(row []float32) ([]float32, error) {
	effective := p.cfg.EffectiveEmbedVocabSize()
	if effective < p.cfg.VocabSize {
		for i := effective; i < len(row) && i < p.cfg.VocabSize; i++ {
			row[i] = float32(math.Inf(-1))
		}
	}
	if p.cfg.FinalLogitSoftcap != 0 {
		sc := p.cfg.FinalLogitSoftcap
		for i, v := range row {
			row[i] = sc * float32(math.Tanh(float64(v/sc)))
		}
	}
	return row, nil
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kvcache

import (
	"github.com/cogentcore/gpuinfer/gpu"
)

// CopyKernel writes newK/newV into the cache's layer storage starting at
// startPos, for nTokens positions. It is satisfied by the ops package's
// cache-write kernel; kept as a narrow interface here so kvcache has no
// import-cycle dependency on ops.
type CopyKernel func(d gpu.Dispatcher, dst, src *gpu.Tensor, startPos, nTokens int) error

// UpdateFromGPU runs the immediate (submit-and-wait) cache write for one
// layer: cast-if-needed is the caller's responsibility (the layer executor
// inserts casts when activation dtype != cache dtype, per the layer
// executor's dtype negotiation).
func (c *Cache) UpdateFromGPU(d gpu.Dispatcher, copy CopyKernel, layer int, k, v *gpu.Tensor, startPos, nTokens int) error {
	if err := c.ensureLayer(d.Device().Pool, layer); err != nil {
		return err
	}
	ls := c.layers[layer]
	if err := copy(d, ls.Keys, k, startPos, nTokens); err != nil {
		return err
	}
	if err := copy(d, ls.Values, v, startPos, nTokens); err != nil {
		return err
	}
	return nil
}

// RecordUpdateFromGPU is the batched counterpart of UpdateFromGPU: it
// appends the cache-write kernels to the recorder's encoder without
// waiting. Callers are responsible for calling Advance once per step,
// after all layers in that step have recorded their writes, so that
// current_seq_len advances atomically across layers.
func (c *Cache) RecordUpdateFromGPU(rec *gpu.CommandRecorder, copy CopyKernel, layer int, k, v *gpu.Tensor, startPos, nTokens int) error {
	if err := c.ensureLayer(rec.Device.Pool, layer); err != nil {
		return err
	}
	d := gpu.NewRecording(rec)
	ls := c.layers[layer]
	if err := copy(d, ls.Keys, k, startPos, nTokens); err != nil {
		return err
	}
	if err := copy(d, ls.Values, v, startPos, nTokens); err != nil {
		return err
	}
	return nil
}

// Advance is the single point where current_seq_len moves forward; the
// generator calls it once per prefill/decode step after every layer has
// written its slice, keeping all layers' advancement in lock-step.
func (c *Cache) Advance(startPos, nTokens int) error {
	return c.advance(startPos, nTokens)
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kvcache

import (
	"fmt"

	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// Snapshot is an immutable prefix of a Cache: enough to seed a later
// continuation via CloneInto, without aliasing the source cache's live
// buffers (the source generation may keep writing after the snapshot is
// taken).
type Snapshot struct {
	cfg    Config
	seqLen int
	tokens []int32
	layers []layerStore
}

// SeqLen is the number of positions captured in the snapshot.
func (s *Snapshot) SeqLen() int { return s.seqLen }

// Tokens returns the input token ids the snapshot was taken over.
func (s *Snapshot) Tokens() []int32 { return append([]int32(nil), s.tokens...) }

// CopyTensorKernel copies the logical contents of src into a freshly
// allocated tensor; used by Clone to avoid aliasing GPU buffers between a
// cache and its snapshots.
type CopyTensorKernel func(d gpu.Dispatcher, pool *gpu.BufferPool, src *gpu.Tensor, label string) (*gpu.Tensor, error)

// Clone captures an independent snapshot of the cache's first
// CurrentSeqLen positions and the given token ids.
// The snapshot owns its own buffers; mutating the source cache afterward
// does not affect it.
func (c *Cache) Clone(d gpu.Dispatcher, copyTensor CopyTensorKernel, tokens []int32) (*Snapshot, error) {
	if c.currentSeqLen == 0 {
		return nil, &generrors.SnapshotUnavailable{Reason: "cache is empty"}
	}
	snap := &Snapshot{cfg: c.cfg, seqLen: c.currentSeqLen, tokens: append([]int32(nil), tokens...)}
	snap.layers = make([]layerStore, c.cfg.NumLayers)
	for i, ls := range c.layers {
		if ls.Keys == nil {
			continue
		}
		k, err := copyTensor(d, d.Device().Pool, ls.Keys, fmt.Sprintf("kv.snapshot.k.%d", i))
		if err != nil {
			return nil, &generrors.SnapshotUnavailable{Reason: err.Error()}
		}
		v, err := copyTensor(d, d.Device().Pool, ls.Values, fmt.Sprintf("kv.snapshot.v.%d", i))
		if err != nil {
			return nil, &generrors.SnapshotUnavailable{Reason: err.Error()}
		}
		snap.layers[i] = layerStore{Keys: k, Values: v}
	}
	return snap, nil
}

// CloneInto seeds a (typically fresh) cache from a snapshot: copies the
// snapshot's layer buffers in and sets current_seq_len to the snapshot's
// seq_len, so the caller can run prefill only on the new suffix before
// entering the decode loop (generate_with_prefix_kv).
func (dst *Cache) CloneInto(d gpu.Dispatcher, copyTensor CopyTensorKernel, snap *Snapshot) error {
	if snap.cfg.NumLayers != dst.cfg.NumLayers || snap.cfg.MaxSeqLen != dst.cfg.MaxSeqLen {
		return fmt.Errorf("kvcache: snapshot shape %+v incompatible with cache shape %+v", snap.cfg, dst.cfg)
	}
	for i, ls := range snap.layers {
		if ls.Keys == nil {
			continue
		}
		k, err := copyTensor(d, d.Device().Pool, ls.Keys, fmt.Sprintf("kv.k.%d", i))
		if err != nil {
			return err
		}
		v, err := copyTensor(d, d.Device().Pool, ls.Values, fmt.Sprintf("kv.v.%d", i))
		if err != nil {
			return err
		}
		dst.layers[i] = layerStore{Keys: k, Values: v}
	}
	dst.currentSeqLen = snap.seqLen
	return nil
}

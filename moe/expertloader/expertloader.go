// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package expertloader memoises on-demand MoE expert weight loads so that
// concurrent requests for the same (layer, expert) during one decode step
// share a single in-flight load ("expert weight loads" as
// a host-side suspension point).
package expertloader

import (
	"fmt"
	"sync"

	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/weightstore"
	"golang.org/x/sync/singleflight"
)

// DenseExpert holds one expert's separate gate/up/down projection weights
// ("Dense-per-expert").
type DenseExpert struct {
	Gate, Up, Down *gpu.WeightBuffer
}

// MXFP4Expert holds one expert's MXFP4-quantised fused weights
// (GPT-OSS style): block-packed gate_up and down projections plus their
// scales and optional biases.
type MXFP4Expert struct {
	GateUpBlocks, GateUpScales *gpu.WeightBuffer
	DownBlocks, DownScales     *gpu.WeightBuffer
	Bias, DownBias             *gpu.WeightBuffer
}

// ExpertWeights holds one expert's resolved projection weights in
// whichever of the two supported formats the model uses; exactly one of
// Dense or MXFP4 is set.
type ExpertWeights struct {
	Dense *DenseExpert
	MXFP4 *MXFP4Expert
}

func key(layer, expert int) string {
	return fmt.Sprintf("%d:%d", layer, expert)
}

// FetchFunc resolves one expert's weights from the weight store, given
// its conventional per-layer-per-expert key prefix. Supplied by the
// caller so this package stays independent of the store's key naming for
// dense vs MXFP4 layouts.
type FetchFunc func(store weightstore.Store, layer, expert int) (*ExpertWeights, error)

// Loader fetches and memoises per-(layer, expert) weight sets, so that
// concurrent requests for the same expert within or across decode steps
// share one load (singleflight.Group).
type Loader struct {
	store weightstore.Store
	fetch FetchFunc
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*ExpertWeights
}

// New returns a Loader backed by store, resolving cache misses via fetch.
func New(store weightstore.Store, fetch FetchFunc) *Loader {
	return &Loader{store: store, fetch: fetch, cache: make(map[string]*ExpertWeights)}
}

// Get returns the memoised weights for (layer, expert), loading them on
// first request. Concurrent Get calls for the same key block on the same
// in-flight load rather than duplicating it.
func (l *Loader) Get(layer, expert int) (*ExpertWeights, error) {
	k := key(layer, expert)

	l.mu.RLock()
	if w, ok := l.cache[k]; ok {
		l.mu.RUnlock()
		return w, nil
	}
	l.mu.RUnlock()

	v, err, _ := l.group.Do(k, func() (any, error) {
		l.mu.RLock()
		if w, ok := l.cache[k]; ok {
			l.mu.RUnlock()
			return w, nil
		}
		l.mu.RUnlock()

		w, err := l.fetch(l.store, layer, expert)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[k] = w
		l.mu.Unlock()
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExpertWeights), nil
}

// Prefetch kicks off loads for the given layer's predicted experts
// without waiting for them, so loading overlaps with the current layer's
// compute ("Optional: ... invoke expert_loader.prefetch"). Errors
// are swallowed; a real miss surfaces again on the blocking Get call that
// actually needs the expert.
func (l *Loader) Prefetch(layer int, experts []int) {
	for _, e := range experts {
		go func(expert int) {
			_, _ = l.Get(layer, expert)
		}(e)
	}
}

// DefaultDenseFetch resolves one expert's separate gate/up/down weights
// from the store under the conventional weightstore.ExpertKey names.
func DefaultDenseFetch(store weightstore.Store, layer, expert int) (*ExpertWeights, error) {
	gate, ok := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertGateProj))
	if !ok {
		return nil, fmt.Errorf("expertloader: layer %d expert %d: missing gate_proj", layer, expert)
	}
	up, ok := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertUpProj))
	if !ok {
		return nil, fmt.Errorf("expertloader: layer %d expert %d: missing up_proj", layer, expert)
	}
	down, ok := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertDownProj))
	if !ok {
		return nil, fmt.Errorf("expertloader: layer %d expert %d: missing down_proj", layer, expert)
	}
	return &ExpertWeights{Dense: &DenseExpert{Gate: gate, Up: up, Down: down}}, nil
}

// DefaultMXFP4Fetch resolves one expert's block-quantised fused gate_up
// and down weights (GPT-OSS style). Bias weights are optional.
func DefaultMXFP4Fetch(store weightstore.Store, layer, expert int) (*ExpertWeights, error) {
	gateUpBlocks, ok := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertGateUpBlocks))
	if !ok {
		return nil, fmt.Errorf("expertloader: layer %d expert %d: missing gate_up_blocks", layer, expert)
	}
	gateUpScales, ok := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertGateUpScales))
	if !ok {
		return nil, fmt.Errorf("expertloader: layer %d expert %d: missing gate_up_scales", layer, expert)
	}
	downBlocks, ok := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertDownBlocks))
	if !ok {
		return nil, fmt.Errorf("expertloader: layer %d expert %d: missing down_blocks", layer, expert)
	}
	downScales, ok := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertDownScales))
	if !ok {
		return nil, fmt.Errorf("expertloader: layer %d expert %d: missing down_scales", layer, expert)
	}
	bias, _ := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertBias))
	downBias, _ := store.Get(weightstore.ExpertKey(layer, expert, weightstore.ExpertDownBias))
	return &ExpertWeights{MXFP4: &MXFP4Expert{
		GateUpBlocks: gateUpBlocks, GateUpScales: gateUpScales,
		DownBlocks: downBlocks, DownScales: downScales,
		Bias: bias, DownBias: downBias,
	}}, nil
}

// Evict drops every cached expert for a layer, used when the model
// unloads or a layer's weights are replaced.
func (l *Loader) Evict(layer int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := fmt.Sprintf("%d:", layer)
	for k := range l.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(l.cache, k)
		}
	}
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package expertloader

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/weightstore"
	"github.com/stretchr/testify/require"
)

func TestGetMemoisesByLayerAndExpert(t *testing.T) {
	var calls int32
	fetch := func(store weightstore.Store, layer, expert int) (*ExpertWeights, error) {
		atomic.AddInt32(&calls, 1)
		return &ExpertWeights{Dense: &DenseExpert{}}, nil
	}
	l := New(weightstore.NewMapStore(), fetch)

	w1, err := l.Get(0, 1)
	require.NoError(t, err)
	w2, err := l.Get(0, 1)
	require.NoError(t, err)
	require.Same(t, w1, w2)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	_, err = l.Get(0, 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGetDeduplicatesConcurrentLoads(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	fetch := func(store weightstore.Store, layer, expert int) (*ExpertWeights, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &ExpertWeights{Dense: &DenseExpert{}}, nil
	}
	l := New(weightstore.NewMapStore(), fetch)

	var wg sync.WaitGroup
	results := make([]*ExpertWeights, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := l.Get(3, 7)
			require.NoError(t, err)
			results[i] = w
		}(i)
	}
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, w := range results {
		require.Same(t, results[0], w)
	}
}

func TestGetPropagatesFetchError(t *testing.T) {
	fetch := func(store weightstore.Store, layer, expert int) (*ExpertWeights, error) {
		return nil, fmt.Errorf("boom")
	}
	l := New(weightstore.NewMapStore(), fetch)
	_, err := l.Get(0, 0)
	require.Error(t, err)
}

func TestEvictDropsOnlyGivenLayer(t *testing.T) {
	var calls int32
	fetch := func(store weightstore.Store, layer, expert int) (*ExpertWeights, error) {
		atomic.AddInt32(&calls, 1)
		return &ExpertWeights{Dense: &DenseExpert{}}, nil
	}
	l := New(weightstore.NewMapStore(), fetch)

	_, _ = l.Get(0, 0)
	_, _ = l.Get(1, 0)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))

	l.Evict(0)
	_, _ = l.Get(0, 0) // re-fetches
	_, _ = l.Get(1, 0) // still cached
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDefaultDenseFetchRejectsMissingWeight(t *testing.T) {
	_, err := DefaultDenseFetch(weightstore.NewMapStore(), 0, 0)
	require.Error(t, err)
}

func TestDefaultDenseFetchResolvesAllThreeProjections(t *testing.T) {
	store := weightstore.NewMapStore()
	store.GPU[weightstore.ExpertKey(0, 0, weightstore.ExpertGateProj)] = &gpu.WeightBuffer{}
	store.GPU[weightstore.ExpertKey(0, 0, weightstore.ExpertUpProj)] = &gpu.WeightBuffer{}
	store.GPU[weightstore.ExpertKey(0, 0, weightstore.ExpertDownProj)] = &gpu.WeightBuffer{}
	w, err := DefaultDenseFetch(store, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, w.Dense)
	require.Nil(t, w.MXFP4)
}

func TestDefaultMXFP4FetchRejectsMissingBlocks(t *testing.T) {
	_, err := DefaultMXFP4Fetch(weightstore.NewMapStore(), 0, 0)
	require.Error(t, err)
}

func TestDefaultMXFP4FetchAllowsMissingBias(t *testing.T) {
	store := weightstore.NewMapStore()
	store.GPU[weightstore.ExpertKey(1, 2, weightstore.ExpertGateUpBlocks)] = &gpu.WeightBuffer{}
	store.GPU[weightstore.ExpertKey(1, 2, weightstore.ExpertGateUpScales)] = &gpu.WeightBuffer{}
	store.GPU[weightstore.ExpertKey(1, 2, weightstore.ExpertDownBlocks)] = &gpu.WeightBuffer{}
	store.GPU[weightstore.ExpertKey(1, 2, weightstore.ExpertDownScales)] = &gpu.WeightBuffer{}
	w, err := DefaultMXFP4Fetch(store, 1, 2)
	require.NoError(t, err)
	require.NotNil(t, w.MXFP4)
	require.Nil(t, w.MXFP4.Bias)
}

func TestPrefetchEventuallyPopulatesCache(t *testing.T) {
	fetch := func(store weightstore.Store, layer, expert int) (*ExpertWeights, error) {
		return &ExpertWeights{Dense: &DenseExpert{}}, nil
	}
	l := New(weightstore.NewMapStore(), fetch)
	l.Prefetch(2, []int{0, 1, 2})
	// Blocking Get after Prefetch must still succeed regardless of
	// whether the prefetch goroutine already populated the cache.
	w, err := l.Get(2, 1)
	require.NoError(t, err)
	require.NotNil(t, w)
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"github.com/cogentcore/gpuinfer/gpu"
)

// CacheWrite writes src (the newly computed K or V for nTokens positions)
// into dst's row range [startPos, startPos+nTokens) in place, where both
// tensors share the same per-position row size (num_kv_heads * head_dim).
// It satisfies kvcache.CopyKernel.
func (ks *KernelSet) CacheWrite(d gpu.Dispatcher, dst, src *gpu.Tensor, startPos, nTokens int) error {
	rowSize := dst.Shape.NumElements() / dst.Shape[0]
	params := packParams(d.Device(), []float32{float32(rowSize), float32(startPos), float32(nTokens)})
	defer d.Device().Pool.Release(params)
	return ks.run(d, "kv_write.wgsl", "main", []bufferBinding{
		{0, src.Buffer, true}, {1, dst.Buffer, false}, {2, params, true},
	}, nTokens*rowSize, 64)
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"math"

	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/gpuinfer/ops"
)

// readFloat32 casts t to f32 if necessary and maps its buffer back to the
// host, decoding it as a plain []float32. It is the only place this
// package crosses the GPU/CPU boundary for bulk tensor data (logits,
// sampled ids); the routing subsystem uses the same float32-bit-pattern
// convention for its own integer payloads.
func readFloat32(d gpu.Dispatcher, ks *ops.KernelSet, t *gpu.Tensor) ([]float32, error) {
	f32t, err := ks.CastF16F32(d, t, gpu.F32)
	if err != nil {
		return nil, err
	}
	raw, err := d.Device().Pool.Read(f32t.Buffer, f32t.ByteSize())
	if err != nil {
		return nil, err
	}
	if f32t != t {
		d.Device().Pool.Release(f32t.Buffer)
	}
	return bytesToFloat32(raw), nil
}

func bytesToFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ops

import (
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
)

// TransposeB selects whether matmul reads its weight operand transposed.
type TransposeB int

const (
	TransposeAuto TransposeB = iota
	TransposeYes
	TransposeNo
)

// ResolveTranspose implements the auto-transpose rule: in TransposeAuto,
// row-major weight layout implies transpose, column-major implies none.
func ResolveTranspose(t TransposeB, layout gpu.Layout) bool {
	switch t {
	case TransposeYes:
		return true
	case TransposeNo:
		return false
	default:
		return layout == gpu.RowMajor
	}
}

// MatMul computes x @ w (or x @ wᵀ, per ResolveTranspose) and returns a
// [rows(x), n] tensor, where n is the weight's non-contracted dimension.
func (ks *KernelSet) MatMul(d gpu.Dispatcher, x *gpu.Tensor, w *gpu.WeightBuffer, transpose TransposeB) (*gpu.Tensor, error) {
	tb := ResolveTranspose(transpose, w.Layout)
	k := x.Shape[len(x.Shape)-1]
	rows := x.Shape.NumElements() / k
	n := outDim(w, tb)

	out, err := gpu.NewTensor(d.Device().Pool, x.DType, gpu.Shape{rows, n}, "matmul.out")
	if err != nil {
		return nil, generrors.NewKernelError("matmul", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(rows), float32(k), float32(n), boolF32(tb)})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "matmul.wgsl", "main", []bufferBinding{
		{0, x.Buffer, true}, {1, w.Buffer, true}, {2, out.Buffer, false}, {3, params, true},
	}, rows*n, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// MatMulResidual computes matmul(x, w) + residual in one dispatch, used on
// the decode-only output-projection fast path.
func (ks *KernelSet) MatMulResidual(d gpu.Dispatcher, x *gpu.Tensor, w *gpu.WeightBuffer, residual *gpu.Tensor, transpose TransposeB) (*gpu.Tensor, error) {
	tb := ResolveTranspose(transpose, w.Layout)
	k := x.Shape[len(x.Shape)-1]
	rows := x.Shape.NumElements() / k
	n := outDim(w, tb)

	out, err := gpu.NewTensor(d.Device().Pool, x.DType, gpu.Shape{rows, n}, "matmul_residual.out")
	if err != nil {
		return nil, generrors.NewKernelError("matmul_residual", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(rows), float32(k), float32(n), boolF32(tb)})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "matmul_residual.wgsl", "main", []bufferBinding{
		{0, x.Buffer, true}, {1, w.Buffer, true}, {2, residual.Buffer, true}, {3, out.Buffer, false}, {4, params, true},
	}, rows*n, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

// MatMulRMSNormResidual fuses down-projection, RMSNorm, and residual add
// into one dispatch, the decode-only fused down path. Eligibility
// (f32 activations, f32 down weights, hidden size within one workgroup's
// scratch budget, no LoRA on down_proj) is the layer executor's concern.
func (ks *KernelSet) MatMulRMSNormResidual(d gpu.Dispatcher, x *gpu.Tensor, w *gpu.WeightBuffer, normWeight *gpu.WeightBuffer, residual *gpu.Tensor, eps float32) (*gpu.Tensor, error) {
	k := x.Shape[len(x.Shape)-1]
	n := w.Shape[len(w.Shape)-1]
	out, err := gpu.NewTensor(d.Device().Pool, x.DType, gpu.Shape{1, n}, "matmul_rmsnorm_residual.out")
	if err != nil {
		return nil, generrors.NewKernelError("matmul_rmsnorm_residual", "allocate output", err)
	}
	params := packParams(d.Device(), []float32{float32(k), float32(n), eps})
	defer d.Device().Pool.Release(params)
	if err := ks.run(d, "matmul_rmsnorm_residual.wgsl", "main", []bufferBinding{
		{0, x.Buffer, true}, {1, w.Buffer, true}, {2, normWeight.Buffer, true}, {3, residual.Buffer, true}, {4, out.Buffer, false}, {5, params, true},
	}, n, 64); err != nil {
		return nil, err
	}
	track(d, out)
	return out, nil
}

func outDim(w *gpu.WeightBuffer, transpose bool) int {
	if transpose {
		return w.Shape[0]
	}
	return w.Shape[len(w.Shape)-1]
}

func boolF32(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

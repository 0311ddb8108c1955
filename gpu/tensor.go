// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
)

// DType is the element type of a Tensor or WeightBuffer.
type DType int

const (
	F16 DType = iota
	F32
)

// Size returns the byte size of one element of this dtype.
func (d DType) Size() int {
	switch d {
	case F16:
		return 2
	case F32:
		return 4
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case F16:
		return "f16"
	case F32:
		return "f32"
	default:
		return "unknown"
	}
}

// Layout describes the memory layout of a WeightBuffer.
type Layout int

const (
	RowMajor Layout = iota
	ColumnMajor
)

// Shape is an ordered sequence of tensor dimensions.
type Shape []int

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Tensor is a reference to a GPU buffer plus its dtype/shape metadata.
// Tensors are views: the backing Buffer's ownership is tracked separately
// via BufferOwner, not by the Tensor itself.
type Tensor struct {
	Buffer *Buffer
	DType  DType
	Shape  Shape
	Label  string
}

// ByteSize returns the number of bytes this tensor's logical shape
// occupies, which may be less than Buffer.Capacity (bucket rounding).
func (t *Tensor) ByteSize() uint64 {
	return uint64(t.Shape.NumElements() * t.DType.Size())
}

// NewTensor acquires a buffer of the right size from the pool and wraps
// it as a tensor owned by the caller (OwnerTensor).
func NewTensor(pool *BufferPool, dtype DType, shape Shape, label string) (*Tensor, error) {
	n := shape.NumElements()
	if n <= 0 {
		return nil, fmt.Errorf("gpu: NewTensor %q: non-positive shape %v", label, shape)
	}
	size := uint64(n * dtype.Size())
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	buf, err := pool.Acquire(size, usage, label)
	if err != nil {
		return nil, err
	}
	return &Tensor{Buffer: buf, DType: dtype, Shape: shape, Label: label}, nil
}

// WeightBuffer is an immutable buffer plus layout metadata. Weights live
// for the model's lifetime; they are never released during inference and
// are owned by the weight store, not the buffer pool.
type WeightBuffer struct {
	Buffer *Buffer
	DType  DType
	Layout Layout
	Shape  Shape
}

// AsTensor produces a read-only Tensor view over this weight, for ops
// whose signature expects a Tensor input.
func (w *WeightBuffer) AsTensor(label string) *Tensor {
	return &Tensor{Buffer: w.Buffer, DType: w.DType, Shape: w.Shape, Label: label}
}

// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpu

import (
	"math"

	"github.com/cogentcore/webgpu/wgpu"
)

// Warps returns the number of warps (workgroups) sufficient to compute n
// elements, given threads per workgroup in this dimension: ceil(n/threads).
func Warps(n, threads int) int {
	return int(math.Ceil(float64(n) / float64(threads)))
}

// KernelPipeline is a compiled compute pipeline for one kernel (one WGSL
// entry point), shared across all dispatches of that kernel regardless of
// whether they go through the immediate or recording Dispatcher.
type KernelPipeline struct {
	Name     string
	Pipeline *wgpu.ComputePipeline
	Layout   *wgpu.BindGroupLayout
}

func (kp *KernelPipeline) dispatch(enc *wgpu.ComputePassEncoder, bg *wgpu.BindGroup, nx, ny, nz int) {
	enc.SetPipeline(kp.Pipeline)
	enc.SetBindGroup(0, bg, nil)
	enc.DispatchWorkgroups(uint32(nx), uint32(ny), uint32(nz))
}

// Dispatcher is the run-or-record façade every kernel in package ops is
// built on, the run-vs-record duality: a single kernel
// function is parameterised by a Dispatcher rather than implemented twice.
// Immediate issues one compute pass and submits-and-waits immediately;
// Recording appends to an existing CommandRecorder's encoder and returns
// without waiting, so the generator can batch hundreds of dispatches into
// a single submission.
type Dispatcher interface {
	// RunCompute runs the given kernel over the given bind group and
	// workgroup counts.
	RunCompute(kp *KernelPipeline, bg *wgpu.BindGroup, nx, ny, nz int) error

	// Recording reports whether this dispatcher defers to a command
	// recorder (true) or submits immediately (false). Ops use this to
	// decide whether readback/debug probes are permitted.
	Recording() bool

	// Device returns the device this dispatcher issues work against.
	Device() *Device
}

// Immediate is a Dispatcher that issues one kernel and submits-and-waits
// before returning, for ops called outside of a batched generation step
// (e.g. ad hoc debug invocations, or when command batching is disabled).
type Immediate struct {
	Dev *Device
}

func NewImmediate(dev *Device) *Immediate { return &Immediate{Dev: dev} }

func (im *Immediate) Device() *Device { return im.Dev }
func (im *Immediate) Recording() bool { return false }

func (im *Immediate) RunCompute(kp *KernelPipeline, bg *wgpu.BindGroup, nx, ny, nz int) error {
	enc := im.Dev.NewCommandEncoder(kp.Name + ".immediate")
	pass := enc.BeginComputePass(nil)
	kp.dispatch(pass, bg, nx, ny, nz)
	pass.End()
	cmd := enc.Finish(nil)
	im.Dev.SubmitAndWait(cmd)
	return nil
}

// Recording is a Dispatcher that appends kernel dispatches into an
// existing CommandRecorder's encoder without submitting, so the caller
// can batch arbitrarily many dispatches into one submission. Per the ops
// contract, no readback or CPU-side observation is permitted while a
// Recording dispatcher is active.
type Recording struct {
	Rec *CommandRecorder
}

func NewRecording(rec *CommandRecorder) *Recording { return &Recording{Rec: rec} }

func (rd *Recording) Device() *Device { return rd.Rec.Device }
func (rd *Recording) Recording() bool { return true }

func (rd *Recording) RunCompute(kp *KernelPipeline, bg *wgpu.BindGroup, nx, ny, nz int) error {
	pass := rd.Rec.Encoder.BeginComputePass(nil)
	kp.dispatch(pass, bg, nx, ny, nz)
	pass.End()
	return nil
}

// Dispatch1D is a convenience wrapper computing the number of warps for a
// common 1D compute shader invocation over n elements at the given
// threads-per-workgroup, then dispatching through d. See Warps.
func Dispatch1D(d Dispatcher, kp *KernelPipeline, bg *wgpu.BindGroup, n, threads int) error {
	return d.RunCompute(kp, bg, Warps(n, threads), 1, 1)
}

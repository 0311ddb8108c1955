// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpu

import (
	"fmt"
	"sync"

	"github.com/cogentcore/gpuinfer/base/errors"
	"github.com/cogentcore/webgpu/wgpu"
)

// Device wraps the WebGPU logical device and its queue, and owns the
// process-wide resources scoped to a single model instance: the buffer
// pool and the readback guard. Per design notes, these singleton-shaped
// resources are per-Device rather than package-global, so that multiple
// model instances can run side by side without sharing state.
type Device struct {
	GPU *GPU

	// Device is the underlying WebGPU logical device.
	Device *wgpu.Device

	// Queue is this device's command queue.
	Queue *wgpu.Queue

	// Pool is the buffer pool backing all transient tensor allocations
	// made through this device.
	Pool *BufferPool

	readbackMu     sync.Mutex
	readbackReason string
	readbackAllow  bool
}

// NewDevice requests a new logical Device from the given GPU adapter.
func NewDevice(gp *GPU) (*Device, error) {
	if gp.Adapter == nil {
		return nil, errors.Log(fmt.Errorf("gpu: GPU.Config must be called before NewDevice"))
	}
	wd, err := gp.Adapter.RequestDevice(nil)
	if err != nil {
		return nil, errors.Log(fmt.Errorf("gpu: RequestDevice: %w", err))
	}
	d := &Device{
		GPU:    gp,
		Device: wd,
		Queue:  wd.GetQueue(),
	}
	d.Pool = NewBufferPool(d)
	return d, nil
}

// HasF16 reports whether the device adapter supports the f16 shader
// extension. Used by the ops layer's dtype negotiation.
func (d *Device) HasF16() bool {
	return d.Device.HasFeature(wgpu.FeatureNameShaderF16)
}

// HasSubgroups reports whether the device adapter supports subgroup
// operations, used by fused reduction kernels (softmax+top-k, RMSNorm).
func (d *Device) HasSubgroups() bool {
	return d.Device.HasFeature(wgpu.FeatureNameSubgroups)
}

// AllowReadback gates CPU-side observation of GPU state (buffer maps,
// staging reads) outside of a submission boundary, returning a func that
// restores the previous setting. BufferPool.Read reads the flag but does
// not act on it, and no Dispatcher asserts against readback while a
// CommandRecorder is open.
func (d *Device) AllowReadback(reason string) func() {
	d.readbackMu.Lock()
	prevAllow, prevReason := d.readbackAllow, d.readbackReason
	d.readbackAllow = true
	d.readbackReason = reason
	d.readbackMu.Unlock()
	return func() {
		d.readbackMu.Lock()
		d.readbackAllow, d.readbackReason = prevAllow, prevReason
		d.readbackMu.Unlock()
	}
}

func (d *Device) readbackAllowed() (bool, string) {
	d.readbackMu.Lock()
	defer d.readbackMu.Unlock()
	return d.readbackAllow, d.readbackReason
}

// WaitDone blocks until all work submitted to this device's queue has
// completed. Used at surface/device teardown and in tests.
func (d *Device) WaitDone() {
	d.Device.Poll(true, nil)
}

// NewCommandEncoder starts a new raw WebGPU command encoder, the building
// block a CommandRecorder wraps with tracked-buffer bookkeeping.
func (d *Device) NewCommandEncoder(label string) *wgpu.CommandEncoder {
	return d.Device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
}

// SubmitAndWait submits the given finished command buffer(s) and blocks
// until the GPU has completed them.
func (d *Device) SubmitAndWait(cmds ...*wgpu.CommandBuffer) {
	d.Queue.Submit(cmds...)
	d.WaitDone()
}

// Release releases the device and its owned buffer pool.
func (d *Device) Release() {
	if d.Pool != nil {
		d.Pool.ReleaseAll()
		d.Pool = nil
	}
	if d.Device != nil {
		d.Device.Release()
		d.Device = nil
	}
}

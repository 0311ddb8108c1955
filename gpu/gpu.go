// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gpu is the device abstraction and kernel-dispatch façade for the
// inference core: GPU adapter/device selection, the buffer pool, tensors,
// command recording, and the run-or-record duality that every kernel in
// package ops is built on.
package gpu

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cogentcore/gpuinfer/base/errors"
	"github.com/cogentcore/gpuinfer/base/logx"
	"github.com/cogentcore/webgpu/wgpu"
)

var (
	// Debug is whether to enable debug mode, getting
	// more diagnostic output about GPU configuration and dispatch.
	// It should be set using [SetDebug].
	Debug = false

	// DebugAdapter provides detailed information about the selected
	// GPU adapter device (i.e., the type and limits of the hardware).
	DebugAdapter = false
)

// SetDebug sets [Debug] (debug mode). If it is set to true,
// it calls [wgpu.SetLogLevel]([wgpu.LogLevelDebug]). Otherwise,
// it calls [wgpu.SetLogLevel]([wgpu.LogLevelError]).
func SetDebug(debug bool) {
	Debug = debug
	if Debug {
		wgpu.SetLogLevel(wgpu.LogLevelDebug)
	} else {
		wgpu.SetLogLevel(wgpu.LogLevelError)
	}
}

func init() { SetDebug(false) }

// GPU represents the GPU hardware adapter. This runtime is compute-only:
// there is no swapchain/surface concern, unlike cogentcore's graphics GPU.
type GPU struct {
	// Instance represents the WebGPU system overall.
	Instance *wgpu.Instance

	// Adapter represents the specific GPU hardware device used.
	Adapter *wgpu.Adapter

	// DeviceName is the name of the physical GPU device.
	DeviceName string

	// AppName is the name of the application, set during Config and used
	// in the init of the GPU instance.
	AppName string

	// Properties are the general properties of the GPU adapter.
	Properties wgpu.AdapterInfo

	// Limits are the limits of the current GPU adapter.
	Limits wgpu.SupportedLimits

	// MaxComputeWorkGroupCount1D is the maximum number of compute threads
	// per compute shader invocation for a 1D number of threads per warp.
	// This is not defined anywhere in the formal spec but has been
	// determined empirically for common vendors; see Config.
	MaxComputeWorkGroupCount1D int
}

// NewGPU returns a new GPU struct configured for compute only.
// Call Config to select and initialize the adapter.
func NewGPU() *GPU {
	return &GPU{}
}

// Config configures the GPU using the given application name, selecting
// an adapter and populating Properties/Limits.
func (gp *GPU) Config(name string) error {
	gp.AppName = name
	gp.Instance = wgpu.CreateInstance(nil)

	adapters := gp.Instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return errors.Log(fmt.Errorf("gpu: no WebGPU adapters available"))
	}
	idx := gp.SelectGPU(adapters)
	gp.Adapter = adapters[idx]
	gp.Properties = gp.Adapter.GetInfo()
	gp.DeviceName = gp.Properties.Name
	if Debug || DebugAdapter {
		logx.PrintlnInfo("gpu: selected device:", gp.DeviceName)
	}
	gp.Limits = gp.Adapter.GetLimits()
	if DebugAdapter {
		logx.PrintlnDebug(gp.PropertiesString())
	}
	if gp.MaxComputeWorkGroupCount1D == 0 {
		if strings.Contains(gp.DeviceName, "NVIDIA") {
			gp.MaxComputeWorkGroupCount1D = (1 << 31) - 1
		} else {
			gp.MaxComputeWorkGroupCount1D = int(gp.Limits.Limits.MaxComputeWorkgroupsPerDimension)
		}
	}
	return nil
}

// SelectGPU picks an adapter index from the given candidates. It honors
// the COMPUTE_DEVICE_SELECT environment variable (by index or substring
// match against the adapter name), falling back to scoring for discrete,
// non-GL adapters.
func (gp *GPU) SelectGPU(adapters []*wgpu.Adapter) int {
	n := len(adapters)
	if n == 1 {
		return 0
	}
	if ev := os.Getenv("COMPUTE_DEVICE_SELECT"); ev != "" {
		if idx, err := strconv.Atoi(ev); err == nil && idx >= 0 && idx < n {
			return idx
		}
		for i := range n {
			props := adapters[i].GetInfo()
			if gpuIsBadBackend(props.BackendType) {
				continue
			}
			if strings.Contains(props.Name, ev) {
				if Debug {
					logx.PrintfDebug("gpu: selected device named %q via COMPUTE_DEVICE_SELECT, index %d\n", props.Name, i)
				}
				return i
			}
		}
	}
	hiscore, best := -1, 0
	for i := range n {
		props := adapters[i].GetInfo()
		if gpuIsBadBackend(props.BackendType) {
			continue
		}
		score := 0
		if props.AdapterType == wgpu.AdapterTypeDiscreteGPU {
			score++
		}
		if !gpuIsGLBackend(props.BackendType) {
			score++
		}
		if score > hiscore {
			hiscore, best = score, i
		}
	}
	return best
}

func gpuIsGLBackend(bet wgpu.BackendType) bool {
	return bet == wgpu.BackendTypeOpenGL || bet == wgpu.BackendTypeOpenGLES
}

func gpuIsBadBackend(bet wgpu.BackendType) bool {
	return bet == wgpu.BackendTypeUndefined || bet == wgpu.BackendTypeNull
}

// Release releases GPU resources. Call after every Device sharing this
// adapter has been released.
func (gp *GPU) Release() {
	if gp.Adapter != nil {
		gp.Adapter.Release()
		gp.Adapter = nil
	}
	if gp.Instance != nil {
		gp.Instance.Release()
		gp.Instance = nil
	}
}

// NewDevice returns a new compute Device for this GPU.
func (gp *GPU) NewDevice() (*Device, error) {
	return NewDevice(gp)
}

// PropertiesString returns a human-readable summary of the GPU properties,
// for debug logging only.
func (gp *GPU) PropertiesString() string {
	props, _ := json.MarshalIndent(&gp.Properties, "", "  ")
	limits, _ := json.MarshalIndent(&gp.Limits.Limits, "", "  ")
	return "\n######## GPU Properties\n" + string(props) + "\n" + string(limits)
}

// NoDisplayGPU initializes WebGPU and returns the GPU and a compute Device
// with the given name, without any display/surface dependency — the
// normal path for a headless inference server.
func NoDisplayGPU(name string) (*GPU, *Device, error) {
	gp := NewGPU()
	if err := gp.Config(name); err != nil {
		return nil, nil, err
	}
	dev, err := gp.NewDevice()
	if err != nil {
		return nil, nil, err
	}
	return gp, dev, nil
}

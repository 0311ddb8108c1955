// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ops exposes one function per inference kernel: RMSNorm, matmul,
// attention, RoPE, the MoE gather/scatter pair, sampling, and the rest of
// the forward pass's kernel set. Every op is parameterised by a
// gpu.Dispatcher so the same implementation serves both the immediate
// (submit-and-wait) and recording (batched) call sites; see gpu.Dispatcher.
package ops

import (
	"embed"
	"fmt"
	"math"
	"sync"

	"github.com/cogentcore/gpuinfer/base/errors"
	"github.com/cogentcore/gpuinfer/generrors"
	"github.com/cogentcore/gpuinfer/gpu"
	"github.com/cogentcore/webgpu/wgpu"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

// bufferBinding is one storage-buffer binding in a kernel's bind group.
type bufferBinding struct {
	Binding  uint32
	Buffer   *gpu.Buffer
	ReadOnly bool
}

// KernelSet lazily compiles and caches the compute pipeline for each named
// kernel entry point, bound to one device. Pipeline creation (shader
// module compile + bind group layout + pipeline layout) is expensive, so
// every op call goes through get rather than recreating its pipeline.
type KernelSet struct {
	dev *gpu.Device

	mu        sync.Mutex
	pipelines map[string]*gpu.KernelPipeline
}

// NewKernelSet returns an empty kernel set bound to dev; pipelines compile
// on first use.
func NewKernelSet(dev *gpu.Device) *KernelSet {
	return &KernelSet{dev: dev, pipelines: make(map[string]*gpu.KernelPipeline)}
}

// get returns the compiled pipeline for (shaderFile, entryPoint, nBindings),
// compiling it on first request.
func (ks *KernelSet) get(shaderFile, entryPoint string, nBindings int) (*gpu.KernelPipeline, error) {
	key := shaderFile + "#" + entryPoint
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if kp, ok := ks.pipelines[key]; ok {
		return kp, nil
	}
	src, err := shaderFS.ReadFile("shaders/" + shaderFile)
	if err != nil {
		return nil, fmt.Errorf("ops: shader %q: %w", shaderFile, err)
	}
	mod, err := ks.dev.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          shaderFile,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: string(src)},
	})
	if err != nil {
		return nil, fmt.Errorf("ops: compile %q: %w", shaderFile, err)
	}
	entries := make([]wgpu.BindGroupLayoutEntry, nBindings)
	for i := range entries {
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage},
		}
	}
	layout, err := ks.dev.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   key + ".layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("ops: bind group layout %q: %w", key, err)
	}
	plLayout, err := ks.dev.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            key + ".pipeline_layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{layout},
	})
	if err != nil {
		return nil, fmt.Errorf("ops: pipeline layout %q: %w", key, err)
	}
	pipeline, err := ks.dev.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  key,
		Layout: plLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     mod,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ops: create compute pipeline %q: %w", key, err)
	}
	kp := &gpu.KernelPipeline{Name: key, Pipeline: pipeline, Layout: layout}
	ks.pipelines[key] = kp
	return kp, nil
}

// bindGroup builds a bind group for the given bindings against kp's layout.
func (ks *KernelSet) bindGroup(kp *gpu.KernelPipeline, bindings []bufferBinding) (*wgpu.BindGroup, error) {
	entries := make([]wgpu.BindGroupEntry, len(bindings))
	for i, b := range bindings {
		entries[i] = wgpu.BindGroupEntry{
			Binding: b.Binding,
			Buffer:  b.Buffer.Raw,
			Size:    b.Buffer.Size,
		}
	}
	bg, err := ks.dev.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   kp.Name + ".bindgroup",
		Layout:  kp.Layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("ops: bind group for %q: %w", kp.Name, err)
	}
	return bg, nil
}

// run compiles (if needed) and dispatches a kernel over n elements in the
// first dimension, threads per workgroup, returning a KernelError wrapping any failure so
// callers can surface it as a generation-aborting error.
func (ks *KernelSet) run(d gpu.Dispatcher, shaderFile, entryPoint string, bindings []bufferBinding, n, threads int) error {
	kp, err := ks.get(shaderFile, entryPoint, len(bindings))
	if err != nil {
		return errors.Log(generrors.NewKernelError(entryPoint, "pipeline compile", err))
	}
	bg, err := ks.bindGroup(kp, bindings)
	if err != nil {
		return errors.Log(generrors.NewKernelError(entryPoint, "bind group", err))
	}
	if err := gpu.Dispatch1D(d, kp, bg, n, threads); err != nil {
		return errors.Log(generrors.NewKernelError(entryPoint, "dispatch", err))
	}
	return nil
}

// packParams uploads a small list of uniform parameters (packed as f32,
// reinterpreted by the shader's Params struct as needed) into a fresh
// uniform buffer. Callers release it once the dispatch that reads it has
// been submitted.
func packParams(dev *gpu.Device, values []float32) *gpu.Buffer {
	buf, err := dev.Pool.Acquire(uint64(len(values))*4, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst, "params")
	if err != nil {
		panic(err) // uniform buffers are tiny and bucket-rounded; failure means the device is gone
	}
	raw := make([]byte, len(values)*4)
	for i, v := range values {
		bits := math.Float32bits(v)
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}
	dev.Queue.WriteBuffer(buf.Raw, 0, raw)
	return buf
}

// track hands a freshly allocated output tensor's buffer to the active
// recorder, if any, so it is released automatically after submission; for
// an Immediate dispatcher there is no recorder and the caller owns release.
func track(d gpu.Dispatcher, t *gpu.Tensor) {
	if rd, ok := d.(*gpu.Recording); ok {
		rd.Rec.Track(t.Buffer)
	}
}

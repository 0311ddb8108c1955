// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// BufferOwner is the sum type naming which of the three entities owns a
// Buffer at a given instant: the free pool, a live tensor, or a command
// recorder holding it for deferred release. Exactly one holds true at any
// time; this is the explicit tracking design notes calls for in place of
// the dynamic WeakMap-based ownership of the source implementation.
type BufferOwner int

const (
	OwnerPool BufferOwner = iota
	OwnerTensor
	OwnerRecorder
)

func (o BufferOwner) String() string {
	switch o {
	case OwnerPool:
		return "pool"
	case OwnerTensor:
		return "tensor"
	case OwnerRecorder:
		return "recorder"
	default:
		return "unknown"
	}
}

// Buffer is a GPU-resident byte range acquired from a BufferPool.
type Buffer struct {
	// Raw is the underlying WebGPU buffer handle.
	Raw *wgpu.Buffer

	// Size is the requested size in bytes; Capacity is the bucket-rounded
	// size actually backing Raw.
	Size     uint64
	Capacity uint64

	Label string

	mu    sync.Mutex
	owner BufferOwner
	pool  *BufferPool
}

// Owner returns the buffer's current owner.
func (b *Buffer) Owner() BufferOwner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

func (b *Buffer) setOwner(o BufferOwner) {
	b.mu.Lock()
	b.owner = o
	b.mu.Unlock()
}

// bucketSizes are the rounding buckets (bytes) a requested allocation is
// rounded up to, so the pool's free list can serve same-shape requests
// across decode steps without reallocating.
var bucketSizes = []uint64{
	1 << 10, 1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20,
	1 << 21, 1 << 22, 1 << 23, 1 << 24, 1 << 25, 1 << 26, 1 << 27, 1 << 28,
}

func roundToBucket(size uint64) uint64 {
	i := sort.Search(len(bucketSizes), func(i int) bool { return bucketSizes[i] >= size })
	if i == len(bucketSizes) {
		// Larger than the largest bucket: round up to the next MB boundary.
		const mb = 1 << 20
		return (size + mb - 1) / mb * mb
	}
	return bucketSizes[i]
}

// BufferPool is the process-wide (per-Device) free list of GPU buffers.
// Acquire rounds the requested size up to a bucket and reuses a free
// buffer of that bucket if one exists; Release returns a buffer to the
// free list. It is safe for cooperative (single-goroutine-at-a-time)
// interleaving and also safe under genuine concurrent use (expert
// prefetch) via its internal mutex.
type BufferPool struct {
	dev *Device

	mu   sync.Mutex
	free map[uint64][]*Buffer
	live map[*Buffer]bool
}

// NewBufferPool constructs an empty pool bound to the given device.
func NewBufferPool(dev *Device) *BufferPool {
	return &BufferPool{
		dev:  dev,
		free: make(map[uint64][]*Buffer),
		live: make(map[*Buffer]bool),
	}
}

// Acquire returns a Buffer of at least sizeBytes, owned by OwnerTensor.
// It reuses a free buffer from the bucket if available, otherwise
// allocates a new one from the device.
func (p *BufferPool) Acquire(sizeBytes uint64, usage wgpu.BufferUsage, label string) (*Buffer, error) {
	if sizeBytes == 0 {
		return nil, fmt.Errorf("gpu: Acquire: zero-size buffer requested for %q", label)
	}
	cap := roundToBucket(sizeBytes)

	p.mu.Lock()
	if bucket := p.free[cap]; len(bucket) > 0 {
		b := bucket[len(bucket)-1]
		p.free[cap] = bucket[:len(bucket)-1]
		p.mu.Unlock()
		b.Size = sizeBytes
		b.Label = label
		b.setOwner(OwnerTensor)
		p.mu.Lock()
		p.live[b] = true
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	raw, err := p.dev.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label:            label,
		Size:             cap,
		Usage:            usage,
		MappedAtCreation: false,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: CreateBuffer %q (%d bytes): %w", label, cap, err)
	}
	b := &Buffer{Raw: raw, Size: sizeBytes, Capacity: cap, Label: label, owner: OwnerTensor, pool: p}
	p.mu.Lock()
	p.live[b] = true
	p.mu.Unlock()
	return b, nil
}

// Release returns a buffer to the pool's free list. It is a fatal error
// (panic) to release a buffer that
// is still tracked by an active, unsubmitted command recorder — callers
// must route through CommandRecorder.Track instead in that case.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.Owner() == OwnerRecorder {
		panic(fmt.Sprintf("gpu: Release called on buffer %q still tracked by an active command recorder", b.Label))
	}
	b.setOwner(OwnerPool)
	p.mu.Lock()
	delete(p.live, b)
	p.free[b.Capacity] = append(p.free[b.Capacity], b)
	p.mu.Unlock()
}

// Read maps the given buffer for reading and returns up to byteCount
// bytes. The caller must ensure any submission writing to b has already
// completed (this is a blocking map operation).
func (p *BufferPool) Read(b *Buffer, byteCount uint64) ([]byte, error) {
	allow, _ := p.dev.readbackAllowed()
	_ = allow // readback is always allowed outside of a recording dispatcher; the recording dispatcher never calls Read directly.
	done := make(chan error, 1)
	err := b.Raw.MapAsync(wgpu.MapModeRead, 0, byteCount, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			done <- fmt.Errorf("gpu: buffer map failed: %v", status)
			return
		}
		done <- nil
	})
	if err != nil {
		return nil, err
	}
	p.dev.Device.Poll(true, nil)
	if err := <-done; err != nil {
		return nil, err
	}
	defer b.Raw.Unmap()
	view := b.Raw.GetMappedRange(0, uint(byteCount))
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// LiveCount returns the number of buffers currently owned by a tensor or
// a recorder (i.e. not sitting free in the pool). Used by tests to assert
// every tracked buffer returns to the pool exactly once.
func (p *BufferPool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// ReleaseAll force-releases every live and free buffer; called on device
// teardown only.
func (p *BufferPool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for b := range p.live {
		b.Raw.Release()
	}
	for _, bucket := range p.free {
		for _, b := range bucket {
			b.Raw.Release()
		}
	}
	p.live = make(map[*Buffer]bool)
	p.free = make(map[uint64][]*Buffer)
}

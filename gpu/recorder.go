// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpu

import (
	"time"

	"github.com/cogentcore/webgpu/wgpu"
)

// CommandRecorder is a stateful builder holding a GPU command encoder
// plus the list of temporary buffers to release once the submission
// completes. Lifecycle: NewCommandRecorder -> kernels appended via ops ->
// SubmitAndWait (or Submit) -> all tracked buffers returned to the pool.
//
// No tensor whose backing buffer is tracked by a recorder may be released
// through BufferPool.Release before that recorder submits; use Track to
// hand a buffer to the recorder instead, which flips its owner to
// OwnerRecorder until the submission completes.
type CommandRecorder struct {
	Device  *Device
	Encoder *wgpu.CommandEncoder

	tracked []*Buffer
	profile bool
	started time.Time
	elapsed time.Duration
	label   string
}

// NewCommandRecorder starts a new recorder on the given device.
func NewCommandRecorder(dev *Device, label string, profile bool) *CommandRecorder {
	return &CommandRecorder{
		Device:  dev,
		Encoder: dev.NewCommandEncoder(label),
		profile: profile,
		label:   label,
	}
}

// Track hands ownership of b to the recorder: it will be released back
// to the pool once the recorder's submission completes. Calling Track
// twice on the same buffer, or tracking a buffer already owned by another
// recorder, is a caller bug and panics (mirrors the fatal-on-double-track
// invariant).
func (r *CommandRecorder) Track(b *Buffer) {
	if b.Owner() == OwnerRecorder {
		panic("gpu: buffer already tracked by a command recorder")
	}
	b.setOwner(OwnerRecorder)
	r.tracked = append(r.tracked, b)
}

// TrackedCount reports how many buffers are currently tracked; a non-zero
// result after Submit would indicate a bug in the release pass.
func (r *CommandRecorder) TrackedCount() int { return len(r.tracked) }

// releaseTracked returns every tracked buffer to the pool exactly once,
// satisfying the no-double-release, no-leak buffer-tracking invariant.
func (r *CommandRecorder) releaseTracked() {
	for _, b := range r.tracked {
		b.setOwner(OwnerPool)
		r.Device.Pool.Release(b)
	}
	r.tracked = nil
}

// Submit finishes the encoder and submits it without waiting for
// completion. Tracked buffers are NOT released yet — call Wait or
// SubmitAndWait when the caller needs to observe any produced value.
// Submit is for the pure fire-and-forget case (e.g. embedding write that
// nothing downstream of this call needs to read back before enqueuing
// more work into a *new* recorder).
func (r *CommandRecorder) Submit() *wgpu.CommandBuffer {
	r.started = time.Now()
	cmd := r.Encoder.Finish(nil)
	r.Device.Queue.Submit(cmd)
	return cmd
}

// SubmitAndWait finishes the encoder, submits it, blocks until the GPU
// queue has completed the work, and then releases every tracked buffer
// back to the pool. This is the common case used by the generator
// between prefill checkpoints and at the end of every decode step.
func (r *CommandRecorder) SubmitAndWait() time.Duration {
	start := time.Now()
	cmd := r.Encoder.Finish(nil)
	r.Device.Queue.Submit(cmd)
	r.Device.WaitDone()
	r.elapsed = time.Since(start)
	r.releaseTracked()
	return r.elapsed
}

// Wait blocks on device completion and releases tracked buffers for a
// recorder that was previously Submit()-ed without waiting.
func (r *CommandRecorder) Wait() {
	r.Device.WaitDone()
	r.releaseTracked()
}

// Elapsed returns the wall-clock duration of the most recent
// SubmitAndWait call, accumulated into Generation Stats by the generator
// when profiling is enabled.
func (r *CommandRecorder) Elapsed() time.Duration { return r.elapsed }

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TaskSpec describes a unit of concurrent work: a compiled, self-
// contained module, the entry symbol to invoke, and its primitive
// scalar arguments. Richer structured payloads never cross this
// boundary.
type TaskSpec struct {
	Module []byte  `json:"module"`
	Entry  string  `json:"entry"`
	Args   []int64 `json:"args"`
}

// TaskHandle is an opaque identifier for a spawned task. Handles index
// into the scheduler's task table; raw task pointers never cross an
// API boundary.
type TaskHandle uint64

// task is the scheduler's internal record of one unit of work. It is
// owned exclusively by the scheduler until resolved, at which point
// the result is transferred to joiners via doneCh.
type task struct {
	id      TaskHandle
	spec    *TaskSpec
	scopeID uint64

	state     atomic.Int32 // TaskState
	cancelled atomic.Bool  // checked only at suspension points

	// ctx is cancelled when the task is cancelled, its per-call
	// deadline elapses, or the runtime shuts down. Engines observe it
	// at their internal checkpoints; host imports observe it at every
	// yield point.
	ctx    context.Context
	cancel context.CancelFunc

	resolveOnce sync.Once
	result      TaskResult
	doneCh      chan struct{}
}

func newTask(id TaskHandle, spec *TaskSpec, scopeID uint64, parent context.Context, timeout time.Duration) *task {
	t := &task{
		id:      id,
		spec:    spec,
		scopeID: scopeID,
		doneCh:  make(chan struct{}),
	}
	if timeout > 0 {
		t.ctx, t.cancel = context.WithTimeout(parent, timeout)
	} else {
		t.ctx, t.cancel = context.WithCancel(parent)
	}
	t.state.Store(int32(TaskPending))
	return t
}

// State returns the task's current lifecycle state.
func (t *task) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *task) setState(s TaskState) {
	t.state.Store(int32(s))
}

// requestCancel sets the cancellation flag and cancels the task
// context. Idempotent. The flag takes effect at the next suspension
// point; the context cancellation bounds how long compute-only code
// can defer that check.
func (t *task) requestCancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
	}
}

// resolve records the task's final result exactly once and wakes all
// joiners. Later calls are ignored, so a cancellation racing a normal
// completion cannot overwrite the result.
func (t *task) resolve(r TaskResult) {
	t.resolveOnce.Do(func() {
		t.result = r
		if r.Cancelled {
			t.setState(TaskCancelled)
		} else {
			t.setState(TaskCompleted)
		}
		t.cancel()
		close(t.doneCh)
	})
}

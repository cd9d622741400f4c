// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"context"
	"time"
)

// Env is the fixed host-import table handed to an engine for one task
// execution: channel create/send/receive/close, sleep, and a debug
// print. There is no ambient file, network, or shared-memory access.
//
// Every method is a yield point: the task's cancellation flag is
// checked before the operation proceeds, and blocking operations abort
// with a cancellation fault when the task context ends.
type Env struct {
	rt   *Runtime
	task *task
}

func newEnv(rt *Runtime, t *task) *Env {
	return &Env{rt: rt, task: t}
}

// Context returns the task context. It ends when the task is
// cancelled, its per-call deadline elapses, or the runtime shuts down.
// Engines must observe it at their internal checkpoints.
func (e *Env) Context() context.Context {
	return e.task.ctx
}

// Cancelled reports whether cancellation has been requested for the
// running task.
func (e *Env) Cancelled() bool {
	return e.task.cancelled.Load()
}

// checkpoint is the cancellation check performed at every yield point.
func (e *Env) checkpoint() error {
	if e.task.cancelled.Load() {
		return errCancelled
	}
	if e.task.ctx.Err() != nil {
		return ctxFault(e.task.ctx)
	}
	return nil
}

// suspend marks the task as parked at a suspension point and tells the
// scheduler the worker is no longer making progress, so it can grow a
// spare worker if runnable tasks would otherwise starve.
func (e *Env) suspend() {
	e.task.setState(TaskSuspended)
	e.rt.sched.enterWait()
}

func (e *Env) resume() {
	e.rt.sched.exitWait()
	e.task.setState(TaskRunning)
}

// ChanCreate creates a channel owned by the task's scope. capacity 0
// is a rendezvous channel, > 0 a bounded buffer, < 0 unbounded.
func (e *Env) ChanCreate(capacity int) ChannelHandle {
	return e.rt.channels.create(capacity, e.task.scopeID).id
}

// ChanSend delivers v on the channel, suspending until buffer space or
// a matching receiver is available. It returns false without error for
// a closed or unknown channel, matching the wire contract of the
// chan_send host import.
func (e *Env) ChanSend(h ChannelHandle, v int64) (bool, error) {
	if err := e.checkpoint(); err != nil {
		return false, err
	}
	ch, ok := e.rt.channels.get(h)
	if !ok {
		return false, nil
	}
	e.suspend()
	defer e.resume()
	return ch.send(e.task.ctx, v)
}

// ChanReceive returns the next value in FIFO order, suspending while
// the channel is open and empty. ok is false once the channel is
// closed and drained, or when the handle is unknown.
func (e *Env) ChanReceive(h ChannelHandle) (int64, bool, error) {
	if err := e.checkpoint(); err != nil {
		return 0, false, err
	}
	ch, ok := e.rt.channels.get(h)
	if !ok {
		return 0, false, nil
	}
	e.suspend()
	defer e.resume()
	return ch.receive(e.task.ctx)
}

// ChanClose closes the channel. Idempotent; unknown handles are a
// no-op.
func (e *Env) ChanClose(h ChannelHandle) {
	if ch, ok := e.rt.channels.get(h); ok {
		ch.close()
	}
}

// Sleep parks the task for the given duration, waking early with a
// cancellation fault if the task is cancelled.
func (e *Env) Sleep(d time.Duration) error {
	if err := e.checkpoint(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	e.suspend()
	defer e.resume()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-e.task.ctx.Done():
		return ctxFault(e.task.ctx)
	}
}

// Print emits a task debug message through the runtime logger.
func (e *Env) Print(msg string) {
	if e.rt.logger != nil {
		e.rt.logger.Info("task print", "task", uint64(e.task.id), "msg", msg)
	}
}

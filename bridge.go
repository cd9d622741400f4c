// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"context"
	"fmt"
	"time"
)

// This file is the host-bridge surface: the narrow API a managed host
// runtime calls into. Only primitive scalars and opaque integer
// handles cross it, and every failure surfaces as a structured
// {kind, message} fault, never a raw panic.

// ResultEntry is the boundary shape of one task outcome: exactly one
// of {ok:true,value}, {ok:false,error} or {cancelled:true}.
type ResultEntry struct {
	OK        bool   `json:"ok"`
	Value     int64  `json:"value,omitempty"`
	Error     *Fault `json:"error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func entryOf(r TaskResult) ResultEntry {
	switch {
	case r.Cancelled:
		return ResultEntry{Cancelled: true}
	case r.Err != nil:
		return ResultEntry{Error: FaultOf(r.Err)}
	default:
		return ResultEntry{OK: true, Value: r.Value}
	}
}

// GroupResult is the boundary shape of a resolved scope. Results holds
// the per-task entries in spawn order; Error carries the representative
// fault for cancel_on_error and timeout scopes; Value and OK carry the
// winner of a first scope.
type GroupResult struct {
	Results []ResultEntry `json:"results"`
	Error   *Fault        `json:"error,omitempty"`
	Value   int64         `json:"value,omitempty"`
	OK      bool          `json:"ok,omitempty"`
}

// GroupFuture is the pending result of a SpawnGroup call.
type GroupFuture struct {
	ch chan *GroupResult
}

// Wait blocks until the group resolves and returns its result. It can
// be called once; use Done for multiplexed waiting.
func (f *GroupFuture) Wait() *GroupResult {
	return <-f.ch
}

// Done returns a channel that delivers the group result when the scope
// resolves.
func (f *GroupFuture) Done() <-chan *GroupResult {
	return f.ch
}

// ParseScopeMode maps a boundary mode string onto a ScopeMode.
func ParseScopeMode(s string) (ScopeMode, error) {
	switch s {
	case "all":
		return ScopeAll, nil
	case "cancel_on_error":
		return ScopeCancelOnError, nil
	case "first":
		return ScopeFirst, nil
	case "timeout":
		return ScopeTimeout, nil
	default:
		return 0, NewFault(KindJoin, "unknown scope mode %q", s)
	}
}

// SpawnGroup runs the specs as one scope under the given mode and
// returns a future for the aggregate result. timeoutMs applies to the
// "timeout" mode. The future always resolves; faults are embedded in
// the result rather than raised.
func (rt *Runtime) SpawnGroup(specs []*TaskSpec, mode string, timeoutMs int64) *GroupFuture {
	f := &GroupFuture{ch: make(chan *GroupResult, 1)}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.ch <- &GroupResult{Error: NewFault(KindTrap, "panic in spawn group: %v", r)}
			}
		}()

		m, err := ParseScopeMode(mode)
		if err != nil {
			f.ch <- &GroupResult{Error: FaultOf(err)}
			return
		}
		sr, err := rt.RunScope(context.Background(), m, time.Duration(timeoutMs)*time.Millisecond, specs)
		if err != nil {
			f.ch <- &GroupResult{Error: FaultOf(err)}
			return
		}
		out := &GroupResult{Results: make([]ResultEntry, len(sr.Results))}
		for i, r := range sr.Results {
			out.Results[i] = entryOf(r)
		}
		if sr.Err != nil {
			out.Error = FaultOf(sr.Err)
		}
		if sr.Won {
			out.OK = true
			out.Value = sr.Value
		}
		f.ch <- out
	}()
	return f
}

// The package-level functions below operate on the process-wide
// default runtime (see Init), mirroring the boundary signatures
// one-to-one for FFI-style callers.

func defaultOrErr() (*Runtime, error) {
	rt := Default()
	if rt == nil {
		return nil, fmt.Errorf("runtime not initialized: call Init first")
	}
	return rt, nil
}

// SpawnGroup runs a task group on the default runtime.
func SpawnGroup(specs []*TaskSpec, mode string, timeoutMs int64) *GroupFuture {
	rt, err := defaultOrErr()
	if err != nil {
		f := &GroupFuture{ch: make(chan *GroupResult, 1)}
		f.ch <- &GroupResult{Error: WrapFault(KindJoin, err)}
		return f
	}
	return rt.SpawnGroup(specs, mode, timeoutMs)
}

// ChannelCreate creates a channel on the default runtime and returns
// its handle, or 0 when the runtime is not initialized.
func ChannelCreate(capacity int) ChannelHandle {
	rt, err := defaultOrErr()
	if err != nil {
		return 0
	}
	return rt.ChannelCreate(capacity)
}

// ChannelSend sends on the default runtime.
func ChannelSend(h ChannelHandle, v int64) (bool, error) {
	rt, err := defaultOrErr()
	if err != nil {
		return false, WrapFault(KindJoin, err)
	}
	return rt.ChannelSend(h, v)
}

// ChannelReceive receives on the default runtime. ok is false for a
// closed-and-drained channel, matching the scalar-or-null boundary
// shape.
func ChannelReceive(h ChannelHandle) (int64, bool, error) {
	rt, err := defaultOrErr()
	if err != nil {
		return 0, false, WrapFault(KindJoin, err)
	}
	return rt.ChannelReceive(h)
}

// ChannelClose closes a channel on the default runtime. Idempotent.
func ChannelClose(h ChannelHandle) {
	if rt, err := defaultOrErr(); err == nil {
		rt.ChannelClose(h)
	}
}

// Cancel requests cancellation of a task on the default runtime.
func Cancel(h TaskHandle) {
	if rt, err := defaultOrErr(); err == nil {
		rt.Cancel(h)
	}
}

// Shutdown tears down the default runtime.
func Shutdown() error {
	return ShutdownDefault()
}

// HealthCheck is the liveness probe of the bridge.
func HealthCheck() string {
	return "tovarun ok"
}

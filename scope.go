// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"context"
	"time"
)

// ScopeMode selects the completion policy of a structured-concurrency
// scope.
type ScopeMode int

const (
	// ScopeAll waits for every child and aggregates all results. An
	// individual failure never cancels siblings.
	ScopeAll ScopeMode = iota

	// ScopeCancelOnError cancels all unresolved children on the first
	// child error; children that already resolved Ok are retained in
	// the result set, distinguished from the cancelled ones.
	ScopeCancelOnError

	// ScopeFirst races the children: the first Ok wins and cancels the
	// rest; later sibling errors are discarded.
	ScopeFirst

	// ScopeTimeout behaves like ScopeAll under a group deadline; when
	// the deadline elapses every unresolved child is cancelled and the
	// scope reports a single timeout fault.
	ScopeTimeout
)

// String returns the string representation of a ScopeMode.
func (m ScopeMode) String() string {
	switch m {
	case ScopeAll:
		return "all"
	case ScopeCancelOnError:
		return "cancel_on_error"
	case ScopeFirst:
		return "first"
	case ScopeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ScopeResult is the aggregate outcome of a scope.
//
// Results always holds the per-child outcomes in spawn order. Err is
// the representative error for CancelOnError (first child error),
// Timeout (deadline fault) and a fully failed First race. For First,
// Won reports whether any child succeeded and Value carries the
// winner's scalar.
type ScopeResult struct {
	Mode    ScopeMode
	Results []TaskResult
	Err     error
	Value   int64
	Won     bool
}

type childDone struct {
	index  int
	result TaskResult
}

// RunScope spawns the given task specs as one scope and blocks until
// the scope resolves under the given mode. timeout is only meaningful
// for ScopeTimeout, where it must be positive.
//
// A scope moves through three phases, all inside this call: open
// (issuing spawns), draining (collecting child results per mode), and
// resolved (terminal, after the exit barrier).
//
// The structured-concurrency guarantee: RunScope never returns while
// any child is still pending, running, or suspended. The exit barrier
// is a finalizer that cancels and joins every child and releases all
// scope-owned resources, and it runs even if the caller's context is
// cancelled mid-flight.
func (rt *Runtime) RunScope(ctx context.Context, mode ScopeMode, timeout time.Duration, specs []*TaskSpec) (*ScopeResult, error) {
	if !rt.started.Load() || rt.stopped.Load() {
		return nil, errShutdown
	}
	if mode == ScopeTimeout && timeout <= 0 {
		return nil, NewFault(KindJoin, "timeout mode requires a positive deadline")
	}

	n := len(specs)
	res := &ScopeResult{Mode: mode, Results: make([]TaskResult, n)}
	if n == 0 {
		return res, nil
	}

	scopeID := rt.scopeIDs.Add(1)
	handles := make([]TaskHandle, n)
	done := make(chan childDone, n)

	// Open: issue every spawn. A spawn that fails (runtime shutting
	// down) resolves that child immediately with the spawn fault.
	for i, spec := range specs {
		h, err := rt.sched.spawn(spec, scopeID)
		if err != nil {
			done <- childDone{index: i, result: Errored(err)}
			continue
		}
		handles[i] = h
		go func(idx int, handle TaskHandle) {
			done <- childDone{index: idx, result: rt.sched.join(handle)}
		}(i, h)
	}

	cancelChildren := func() {
		for _, h := range handles {
			if h != 0 {
				rt.sched.cancelTask(h)
			}
		}
	}

	// Finalizer: the scope-exit synchronization barrier. Joining a
	// resolved child returns immediately, so this is cheap on the
	// normal path and a hard cancel-and-drain on every other path.
	defer func() {
		cancelChildren()
		for _, h := range handles {
			if h != 0 {
				rt.sched.join(h)
				rt.sched.release(h)
			}
		}
		rt.channels.releaseScope(scopeID)
	}()

	// Draining: collect child results until all have resolved.
	var timerC <-chan time.Time
	if mode == ScopeTimeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	ctxC := ctx.Done()

	var lastErr error
	for received := 0; received < n; {
		select {
		case d := <-done:
			received++
			res.Results[d.index] = d.result
			switch mode {
			case ScopeCancelOnError:
				if d.result.IsErr() && res.Err == nil {
					res.Err = d.result.Err
					cancelChildren()
				}
			case ScopeFirst:
				if d.result.IsOK() && !res.Won {
					res.Won = true
					res.Value = d.result.Value
					cancelChildren()
				} else if d.result.IsErr() {
					lastErr = d.result.Err
				}
			}
		case <-timerC:
			timerC = nil
			if res.Err == nil {
				res.Err = NewFault(KindTimeout, "scope deadline of %s elapsed", timeout)
			}
			cancelChildren()
		case <-ctxC:
			ctxC = nil
			if res.Err == nil {
				res.Err = ctxFault(ctx)
			}
			cancelChildren()
		}
	}

	if mode == ScopeFirst && !res.Won && res.Err == nil {
		// Every racer failed or was cancelled; surface the last error
		// observed, falling back to cancellation.
		if lastErr != nil {
			res.Err = lastErr
		} else {
			res.Err = errCancelled
		}
	}
	return res, nil
}

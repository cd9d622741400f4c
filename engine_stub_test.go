// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"sync/atomic"
	"testing"
	"time"
)

// stubEngine is a test engine whose behavior is selected by the entry
// symbol, so scheduler, scope and bridge semantics can be tested
// without a real sandbox.
//
//	echo(v)              -> v
//	sum(a, b, ...)       -> a + b + ...
//	fail(code)           -> task fault carrying code
//	panic()              -> panics
//	sleep(ms, v)         -> sleeps, then returns v
//	failAfter(ms, code)  -> sleeps, then fails
//	send(ch, v)          -> sends v, returns 1 on success
//	recv(ch)             -> receives one value
//	produce(ch, n)       -> sends 0..n-1, closes ch, returns n
//	consume(ch)          -> drains ch, returns the sum
//	sendAfter(ch, ms, v) -> sleeps, then sends v
//	chanMake(cap)        -> creates a scope-owned channel
//	spin()               -> compute loop until cancelled
//	deafSpin()           -> compute loop that ignores cancellation
type stubEngine struct{}

func stubEngineFactory() EngineFactory {
	return func() (Engine, error) {
		return &stubEngine{}, nil
	}
}

func (e *stubEngine) Execute(env *Env, spec *TaskSpec) (int64, error) {
	arg := func(i int) int64 {
		if i < len(spec.Args) {
			return spec.Args[i]
		}
		return 0
	}

	switch spec.Entry {
	case "echo":
		return arg(0), nil

	case "sum":
		var total int64
		for _, a := range spec.Args {
			total += a
		}
		return total, nil

	case "fail":
		return 0, NewFault(KindTask, "task failed with code %d", arg(0))

	case "panic":
		panic("stub engine panic")

	case "sleep":
		if err := env.Sleep(time.Duration(arg(0)) * time.Millisecond); err != nil {
			return 0, err
		}
		return arg(1), nil

	case "failAfter":
		if err := env.Sleep(time.Duration(arg(0)) * time.Millisecond); err != nil {
			return 0, err
		}
		return 0, NewFault(KindTask, "task failed with code %d", arg(1))

	case "send":
		ok, err := env.ChanSend(ChannelHandle(arg(0)), arg(1))
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, NewFault(KindChannelClosed, "send on closed channel")
		}
		return 1, nil

	case "recv":
		v, ok, err := env.ChanReceive(ChannelHandle(arg(0)))
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, NewFault(KindChannelClosed, "receive on closed channel")
		}
		return v, nil

	case "produce":
		ch := ChannelHandle(arg(0))
		n := arg(1)
		for i := int64(0); i < n; i++ {
			ok, err := env.ChanSend(ch, i)
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, NewFault(KindChannelClosed, "send on closed channel")
			}
		}
		env.ChanClose(ch)
		return n, nil

	case "consume":
		ch := ChannelHandle(arg(0))
		var total int64
		for {
			v, ok, err := env.ChanReceive(ch)
			if err != nil {
				return 0, err
			}
			if !ok {
				return total, nil
			}
			total += v
		}

	case "sendAfter":
		if err := env.Sleep(time.Duration(arg(1)) * time.Millisecond); err != nil {
			return 0, err
		}
		ok, err := env.ChanSend(ChannelHandle(arg(0)), arg(2))
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, NewFault(KindChannelClosed, "send on closed channel")
		}
		return arg(2), nil

	case "chanMake":
		return int64(env.ChanCreate(int(arg(0)))), nil

	case "spin":
		// Compute-only body: no host calls, checks the preemption
		// checkpoint every few thousand steps like a metered engine.
		var i uint64
		for {
			i++
			if i%4096 == 0 {
				if env.Context().Err() != nil {
					return 0, NewFault(KindCancelled, "task cancelled")
				}
			}
		}

	case "deafSpin":
		// Worst case for preemption: no host calls and no checkpoint
		// at all. The stop flag only exists so tests can release the
		// abandoned goroutine during cleanup.
		for !deafStop.Load() {
		}
		return 0, nil

	default:
		return 0, NewFault(KindTrap, "function %q not found", spec.Entry)
	}
}

func (e *stubEngine) Close() error {
	return nil
}

// deafStop releases deafSpin bodies at test cleanup.
var deafStop atomic.Bool

// newTestRuntime builds and starts a runtime backed by the stub
// engine, torn down with the test.
func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithEngine(stubEngineFactory())}, opts...)
	rt, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := rt.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Shutdown(); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return rt
}

func spec(entry string, args ...int64) *TaskSpec {
	return &TaskSpec{Entry: entry, Args: args}
}

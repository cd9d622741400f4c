// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// runtimeOptions contains configuration options for the runtime.
type runtimeOptions struct {
	workers        int           // Base worker count (CPU parallelism)
	maxWorkers     int           // Cap on base + spare workers, 0 = unlimited
	queueSize      int           // Per-worker run queue capacity
	executeTimeout time.Duration // Per-task deadline, 0 = none
	fuelInterval   time.Duration // Checkpoint grace before an engine is abandoned
}

// Runtime is the structured-concurrency execution runtime: a
// work-stealing scheduler driving sandboxed engine invocations, a
// channel table for task communication, a select multiplexer, and the
// scope manager. Create one with New, or use the process-wide default
// via Init/Default.
type Runtime struct {
	options       *runtimeOptions
	engineFactory EngineFactory
	logger        *slog.Logger

	sched    *scheduler
	channels *channelTable

	scopeIDs atomic.Uint64

	baseCtx    context.Context
	baseCancel context.CancelFunc

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates a runtime with the given options. An engine factory is
// required; everything else has defaults sized to the host.
func New(opts ...Option) (*Runtime, error) {
	cpuCount := runtime.GOMAXPROCS(0)

	rt := &Runtime{
		logger: slog.Default(),
		options: &runtimeOptions{
			workers:      cpuCount,
			queueSize:    256,
			fuelInterval: 100 * time.Millisecond,
		},
		channels: &channelTable{},
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.engineFactory == nil {
		return nil, fmt.Errorf("an engine factory must be provided")
	}

	rt.baseCtx, rt.baseCancel = context.WithCancel(context.Background())
	rt.sched = newScheduler(rt)
	return rt, nil
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithEngine configures the sandbox engine factory.
func WithEngine(factory EngineFactory) Option {
	return func(rt *Runtime) {
		rt.engineFactory = factory
	}
}

// WithLogger configures the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// WithWorkers sets the base worker count. Defaults to the available
// CPU parallelism.
func WithWorkers(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.options.workers = n
		}
	}
}

// WithMaxWorkers caps the total worker count, base workers plus the
// spares grown to cover suspension points. Zero (the default) means no
// cap. Note that a cap below the number of simultaneously suspended
// tasks can deadlock workloads whose tasks block on each other.
func WithMaxWorkers(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.options.maxWorkers = n
		}
	}
}

// WithQueueSize sets the per-worker run queue capacity.
func WithQueueSize(n int) Option {
	return func(rt *Runtime) {
		if n > 0 {
			rt.options.queueSize = n
		}
	}
}

// WithExecuteTimeout sets a per-task deadline applied to every spawned
// task. Zero (the default) means no call-level deadline; scope-level
// deadlines compose with it independently.
func WithExecuteTimeout(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.options.executeTimeout = d
		}
	}
}

// WithFuelInterval sets the grace an engine is given to reach an
// internal preemption checkpoint after its task context ends. An
// engine still executing past the interval is abandoned and replaced,
// and the task resolves as cancelled or timed out, so a task body that
// never yields cannot stall the scheduler. Defaults to 100ms.
func WithFuelInterval(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.options.fuelInterval = d
		}
	}
}

// Start brings up the worker pool. It must be called before any spawn.
func (rt *Runtime) Start() error {
	if rt.stopped.Load() {
		return errShutdown
	}
	if !rt.started.CompareAndSwap(false, true) {
		return nil
	}
	return rt.sched.start()
}

// Shutdown stops accepting new spawns, cancels and drains every
// outstanding task, closes all channels, and releases the workers.
// Idempotent.
func (rt *Runtime) Shutdown() error {
	rt.stopOnce.Do(func() {
		rt.stopped.Store(true)
		rt.sched.shuttingDown.Store(true)
		rt.baseCancel()
		rt.sched.shutdown()
		rt.channels.closeAll()
		if rt.logger != nil {
			rt.logger.Debug("runtime stopped")
		}
	})
	return nil
}

// Spawn enqueues a host-owned task and returns its handle immediately.
func (rt *Runtime) Spawn(spec *TaskSpec) (TaskHandle, error) {
	if !rt.started.Load() || rt.stopped.Load() {
		return 0, errShutdown
	}
	return rt.sched.spawn(spec, 0)
}

// Join suspends the caller until the task resolves.
func (rt *Runtime) Join(h TaskHandle) TaskResult {
	return rt.sched.join(h)
}

// JoinContext is Join with a caller-side deadline or cancellation.
func (rt *Runtime) JoinContext(ctx context.Context, h TaskHandle) TaskResult {
	return rt.sched.joinContext(ctx, h)
}

// Cancel requests cancellation of a task. Idempotent; the request
// takes effect at the task's next suspension point or preemption
// checkpoint.
func (rt *Runtime) Cancel(h TaskHandle) {
	rt.sched.cancelTask(h)
}

// Exec runs a single task to completion and releases its handle: the
// spawn-join convenience the original runtime exposed as exec_wasm.
func (rt *Runtime) Exec(spec *TaskSpec) TaskResult {
	h, err := rt.Spawn(spec)
	if err != nil {
		return Errored(err)
	}
	res := rt.Join(h)
	rt.sched.release(h)
	return res
}

// ChannelCreate creates a host-owned channel. capacity 0 is a
// rendezvous channel, > 0 a bounded buffer, < 0 unbounded.
func (rt *Runtime) ChannelCreate(capacity int) ChannelHandle {
	return rt.channels.create(capacity, 0).id
}

// ChannelSend delivers v from the host side, waiting for buffer space
// or a matching receiver. It returns false without error if the
// channel is closed or unknown.
func (rt *Runtime) ChannelSend(h ChannelHandle, v int64) (bool, error) {
	ch, ok := rt.channels.get(h)
	if !ok {
		return false, nil
	}
	return ch.send(rt.baseCtx, v)
}

// ChannelReceive takes the next value from the host side, waiting while
// the channel is open and empty. ok is false once the channel is
// closed and drained, or when the handle is unknown.
func (rt *Runtime) ChannelReceive(h ChannelHandle) (int64, bool, error) {
	ch, ok := rt.channels.get(h)
	if !ok {
		return 0, false, nil
	}
	return ch.receive(rt.baseCtx)
}

// ChannelClose closes the channel. Idempotent; unknown handles are a
// no-op.
func (rt *Runtime) ChannelClose(h ChannelHandle) {
	if ch, ok := rt.channels.get(h); ok {
		ch.close()
	}
}

// ChannelRelease drops one handle reference; the last release destroys
// the channel.
func (rt *Runtime) ChannelRelease(h ChannelHandle) {
	rt.channels.release(h)
}

// HealthCheck is a trivial liveness probe.
func (rt *Runtime) HealthCheck() string {
	return "tovarun ok"
}

var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// Init initializes and starts the process-wide default runtime. The
// first call wins; later calls return the existing instance and ignore
// their options, so the default runtime is init-once until
// ShutdownDefault or process exit.
func Init(opts ...Option) (*Runtime, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT != nil {
		return defaultRT, nil
	}
	rt, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(); err != nil {
		return nil, err
	}
	defaultRT = rt
	return rt, nil
}

// Default returns the process-wide runtime initialized by Init, or nil
// if Init has not been called.
func Default() *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRT
}

// ShutdownDefault tears down the process-wide runtime, if any.
func ShutdownDefault() error {
	defaultMu.Lock()
	rt := defaultRT
	defaultRT = nil
	defaultMu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Shutdown()
}

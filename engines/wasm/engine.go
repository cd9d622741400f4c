// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package wasmengine implements the tovarun.Engine interface on top of
// wazero. Each task instantiates a fresh module with its own linear
// memory, so no task can observe another task's state, and the only
// externally visible effects go through the "tova" host-import module:
// chan_create, chan_send, chan_receive, chan_close, sleep and print.
package wasmengine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	tovarun "github.com/tova-lang/tovarun"
)

// ChanClosedSentinel is the value chan_receive yields for a closed,
// drained channel. i64 min avoids collision with legitimate -1 values.
const ChanClosedSentinel int64 = math.MinInt64

// Engine executes WASM task bodies. One engine is owned by one worker;
// the underlying wazero runtime and its compiled-module cache are
// reused across tasks while every execution gets its own instance.
type Engine struct {
	runtime     wazero.Runtime
	interpreter bool

	mu       sync.Mutex
	compiled map[[sha256.Size]byte]wazero.CompiledModule
}

// Option configures an Engine before its wazero runtime is created.
type Option func(*Engine)

// WithInterpreter forces wazero's interpreter instead of the compiler
// backend, for platforms without compiler support.
func WithInterpreter() Option {
	return func(e *Engine) {
		e.interpreter = true
	}
}

// NewFactory returns a tovarun.EngineFactory creating WASM engines.
func NewFactory(opts ...Option) tovarun.EngineFactory {
	return func() (tovarun.Engine, error) {
		return newEngine(opts...)
	}
}

type envKey struct{}

func envFrom(ctx context.Context) *tovarun.Env {
	env, _ := ctx.Value(envKey{}).(*tovarun.Env)
	return env
}

func newEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		compiled: make(map[[sha256.Size]byte]wazero.CompiledModule),
	}
	for _, opt := range opts {
		opt(e)
	}

	ctx := context.Background()
	var cfg wazero.RuntimeConfig
	if e.interpreter {
		cfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		cfg = wazero.NewRuntimeConfig()
	}
	// Close-on-context-done inserts preemption checkpoints into guest
	// code, so a compute-only body with no host calls still observes
	// cancellation.
	cfg = cfg.WithCloseOnContextDone(true)
	e.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)

	if err := e.instantiateHostModule(ctx); err != nil {
		_ = e.runtime.Close(ctx)
		return nil, err
	}
	return e, nil
}

// instantiateHostModule registers the fixed host-import table. Every
// import resolves the executing task's Env from the call context, so
// one host module serves all tasks on this engine.
func (e *Engine) instantiateHostModule(ctx context.Context) error {
	b := e.runtime.NewHostModuleBuilder("tova")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, capacity int32) int32 {
		env := envFrom(ctx)
		if env == nil {
			return -1
		}
		return int32(env.ChanCreate(int(capacity)))
	}).Export("chan_create")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, ch int32, v int64) int32 {
		env := envFrom(ctx)
		if env == nil {
			return -1
		}
		ok, err := env.ChanSend(tovarun.ChannelHandle(ch), v)
		if err != nil || !ok {
			return -1
		}
		return 0
	}).Export("chan_send")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, ch int32) int64 {
		env := envFrom(ctx)
		if env == nil {
			return ChanClosedSentinel
		}
		v, ok, err := env.ChanReceive(tovarun.ChannelHandle(ch))
		if err != nil || !ok {
			return ChanClosedSentinel
		}
		return v
	}).Export("chan_receive")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, ch int32) {
		if env := envFrom(ctx); env != nil {
			env.ChanClose(tovarun.ChannelHandle(ch))
		}
	}).Export("chan_close")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, ms int64) {
		if env := envFrom(ctx); env != nil {
			// A cancellation during sleep ends the task context; the
			// runtime aborts the instance at the next checkpoint.
			_ = env.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}).Export("sleep")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, v int64) {
		if env := envFrom(ctx); env != nil {
			env.Print(strconv.FormatInt(v, 10))
		}
	}).Export("print")

	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// compile returns the compiled module for the given bytes, caching by
// content hash so a batch sharing one module compiles it once.
func (e *Engine) compile(ctx context.Context, moduleBytes []byte) (wazero.CompiledModule, error) {
	key := sha256.Sum256(moduleBytes)
	e.mu.Lock()
	cm, ok := e.compiled[key]
	e.mu.Unlock()
	if ok {
		return cm, nil
	}
	cm, err := e.runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return nil, tovarun.NewFault(tovarun.KindTrap, "wasm compile error: %v", err)
	}
	e.mu.Lock()
	if prior, ok := e.compiled[key]; ok {
		e.mu.Unlock()
		_ = cm.Close(ctx)
		return prior, nil
	}
	e.compiled[key] = cm
	e.mu.Unlock()
	return cm, nil
}

// Execute implements tovarun.Engine.
func (e *Engine) Execute(env *tovarun.Env, spec *tovarun.TaskSpec) (int64, error) {
	ctx := context.WithValue(env.Context(), envKey{}, env)

	compiled, err := e.compile(ctx, spec.Module)
	if err != nil {
		return 0, err
	}

	// Fresh instance per task: a private linear memory region is what
	// turns "no shared mutable state" into a guarantee.
	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		if abortErr := e.abortFault(env); abortErr != nil {
			return 0, abortErr
		}
		return 0, tovarun.NewFault(tovarun.KindTrap, "wasm instantiation error: %v", err)
	}
	defer mod.Close(context.Background())

	fn := mod.ExportedFunction(spec.Entry)
	if fn == nil {
		return 0, tovarun.NewFault(tovarun.KindTrap, "function %q not found", spec.Entry)
	}
	def := fn.Definition()
	params := def.ParamTypes()
	if len(params) != len(spec.Args) {
		return 0, tovarun.NewFault(tovarun.KindTrap,
			"function %q takes %d arguments, got %d", spec.Entry, len(params), len(spec.Args))
	}

	stack := make([]uint64, len(params))
	for i, arg := range spec.Args {
		switch params[i] {
		case api.ValueTypeI32:
			stack[i] = api.EncodeI32(int32(arg))
		case api.ValueTypeF32:
			stack[i] = api.EncodeF32(float32(arg))
		case api.ValueTypeF64:
			stack[i] = api.EncodeF64(float64(arg))
		default:
			stack[i] = api.EncodeI64(arg)
		}
	}

	results, err := fn.Call(ctx, stack...)
	if err != nil {
		if abortErr := e.abortFault(env); abortErr != nil {
			return 0, abortErr
		}
		return 0, tovarun.NewFault(tovarun.KindTrap, "wasm execution error: %v", err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	switch rts := def.ResultTypes(); rts[0] {
	case api.ValueTypeI32:
		return int64(api.DecodeI32(results[0])), nil
	case api.ValueTypeF32:
		return int64(api.DecodeF32(results[0])), nil
	case api.ValueTypeF64:
		return int64(api.DecodeF64(results[0])), nil
	default:
		return int64(results[0]), nil
	}
}

// abortFault classifies an execution error caused by the task context
// ending rather than by the guest itself. Returns nil when the context
// is still live.
func (e *Engine) abortFault(env *tovarun.Env) error {
	ctxErr := env.Context().Err()
	if ctxErr == nil {
		return nil
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return tovarun.NewFault(tovarun.KindTimeout, "task deadline elapsed")
	}
	return tovarun.NewFault(tovarun.KindCancelled, "task cancelled")
}

// Close releases the wazero runtime and all compiled modules.
func (e *Engine) Close() error {
	return e.runtime.Close(context.Background())
}

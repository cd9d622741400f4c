// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package gojaengine implements the tovarun.Engine interface on the
// pure-Go goja JavaScript engine. Task modules are JS source whose
// entry is a global function over scalar arguments. Every task runs in
// a fresh goja.Runtime, so no task observes another task's globals,
// and the only host surface is the global "tova" object: chanCreate,
// chanSend, chanReceive, chanClose, sleep and print.
package gojaengine

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/dop251/goja"

	tovarun "github.com/tova-lang/tovarun"
)

// Engine executes JavaScript task bodies. One engine is owned by one
// worker; compiled programs are cached across tasks by content hash
// while every execution gets its own runtime.
type Engine struct {
	mu       sync.Mutex
	programs map[[sha256.Size]byte]*goja.Program
}

// NewFactory returns a tovarun.EngineFactory creating goja engines.
func NewFactory() tovarun.EngineFactory {
	return func() (tovarun.Engine, error) {
		return &Engine{programs: make(map[[sha256.Size]byte]*goja.Program)}, nil
	}
}

var errInterrupted = errors.New("task interrupted")

func (e *Engine) compile(src []byte) (*goja.Program, error) {
	key := sha256.Sum256(src)
	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.programs[key]; ok {
		return prog, nil
	}
	prog, err := goja.Compile("task.js", string(src), true)
	if err != nil {
		return nil, tovarun.NewFault(tovarun.KindTrap, "js compile error: %v", err)
	}
	e.programs[key] = prog
	return prog, nil
}

// Execute implements tovarun.Engine.
func (e *Engine) Execute(env *tovarun.Env, spec *tovarun.TaskSpec) (int64, error) {
	prog, err := e.compile(spec.Module)
	if err != nil {
		return 0, err
	}

	// Fresh runtime per task: the isolation guarantee.
	vm := goja.New()
	e.installHostObject(vm, env)

	// Interrupt is goja's preemption checkpoint; wiring it to the task
	// context makes tight JS loops cancellable without cooperation.
	stop := context.AfterFunc(env.Context(), func() {
		vm.Interrupt(errInterrupted)
	})
	defer stop()

	if _, err := vm.RunProgram(prog); err != nil {
		return 0, e.classify(env, err)
	}
	fn, ok := goja.AssertFunction(vm.Get(spec.Entry))
	if !ok {
		return 0, tovarun.NewFault(tovarun.KindTrap, "function %q not found", spec.Entry)
	}

	args := make([]goja.Value, len(spec.Args))
	for i, a := range spec.Args {
		args[i] = vm.ToValue(a)
	}
	res, err := fn(goja.Undefined(), args...)
	if err != nil {
		return 0, e.classify(env, err)
	}
	return res.ToInteger(), nil
}

// installHostObject binds the fixed host-import table as the global
// "tova" object.
func (e *Engine) installHostObject(vm *goja.Runtime, env *tovarun.Env) {
	obj := vm.NewObject()
	_ = obj.Set("chanCreate", func(capacity int) int64 {
		return int64(env.ChanCreate(capacity))
	})
	_ = obj.Set("chanSend", func(ch, v int64) bool {
		ok, err := env.ChanSend(tovarun.ChannelHandle(ch), v)
		return err == nil && ok
	})
	_ = obj.Set("chanReceive", func(ch int64) goja.Value {
		v, ok, err := env.ChanReceive(tovarun.ChannelHandle(ch))
		if err != nil || !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	_ = obj.Set("chanClose", func(ch int64) {
		env.ChanClose(tovarun.ChannelHandle(ch))
	})
	_ = obj.Set("sleep", func(ms int64) {
		_ = env.Sleep(time.Duration(ms) * time.Millisecond)
	})
	_ = obj.Set("print", func(msg string) {
		env.Print(msg)
	})
	_ = vm.Set("tova", obj)
}

// classify maps a goja error onto the fault taxonomy: interrupts become
// cancellation or timeout depending on why the task context ended,
// thrown JS values are application errors, everything else is a trap.
func (e *Engine) classify(env *tovarun.Env, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(env.Context().Err(), context.DeadlineExceeded) {
			return tovarun.NewFault(tovarun.KindTimeout, "task deadline elapsed")
		}
		return tovarun.NewFault(tovarun.KindCancelled, "task cancelled")
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return tovarun.NewFault(tovarun.KindTask, "%s", exc.Error())
	}
	return tovarun.NewFault(tovarun.KindTrap, "js execution error: %v", err)
}

// Close implements tovarun.Engine. Program caches need no teardown.
func (e *Engine) Close() error {
	return nil
}

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

// Engine runs one task body to completion inside isolated memory. An
// engine instance is owned by a single worker and reused across tasks,
// but every Execute call must give the task body a fresh, private
// memory region: no task may observe another task's state.
//
// The only way a task body affects the outside world is through the
// host-import surface exposed by the Env passed to Execute. Engines
// must observe env.Context() at their internal checkpoints so that
// compute-bound bodies with no host calls remain preemptable.
//
// Execute returns the task's scalar result, or an error which the
// scheduler maps onto the fault taxonomy. Engines should return
// *Fault values directly where they can classify the failure.
type Engine interface {
	Execute(env *Env, spec *TaskSpec) (int64, error)

	// Close releases the engine and its resources. The scheduler may
	// close an engine while an abandoned Execute is still in flight;
	// implementations must tolerate that, and should abort the call
	// where they can.
	Close() error
}

// EngineFactory creates a new engine instance. Each worker calls the
// factory once at startup, so factories must be safe for concurrent
// use while the engines they return need not be.
type EngineFactory func() (Engine, error)

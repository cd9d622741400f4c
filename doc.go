// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package tovarun is a structured-concurrency execution runtime: a
// work-stealing scheduler that drives many lightweight, memory-isolated
// tasks, connected only through bounded FIFO channels, with a select
// multiplexer and block-scoped lifetime semantics: no task outlives
// its enclosing scope.
//
//   - Tasks: compiled module bytes + entry symbol + scalar args,
//     executed by a pluggable sandbox engine (see engines/wasm and
//     engines/goja). Every failure resolves as a tagged TaskResult;
//     nothing unwinds past the task boundary.
//   - Channels: rendezvous (capacity 0), bounded, or unbounded FIFO
//     pipes addressed by opaque integer handles.
//   - Select: commits to one ready case chosen uniformly at random,
//     with optional default and timeout branches.
//   - Scopes: a task group resolves under one of four policies (all,
//     cancel_on_error, first, timeout) and always joins or cancels
//     every child before returning.
//   - Cancellation is cooperative: it takes effect at suspension
//     points, with engine preemption checkpoints bounding how long
//     compute-only code can defer the check.
//
// Create a Runtime with New and an engine factory, or initialize the
// process-wide default with Init and use the package-level bridge
// functions.
package tovarun

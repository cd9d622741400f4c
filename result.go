// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

// TaskState represents the lifecycle state of a task.
type TaskState int32

const (
	TaskPending   TaskState = iota // queued, not yet picked up by a worker
	TaskRunning                    // executing on a worker
	TaskSuspended                  // parked at a suspension point
	TaskCompleted                  // resolved with Ok or Err
	TaskCancelled                  // resolved by cancellation
)

// String returns the string representation of a TaskState.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskResult is the tagged outcome of a task: exactly one of Ok(value),
// Err(fault) or Cancelled. A task failure is never delivered as a raw
// panic or trap; the executor converts every internal fault into this
// shape before it reaches a caller.
type TaskResult struct {
	Value     int64
	Err       error
	Cancelled bool
}

// OK builds a successful result carrying a scalar value.
func OK(value int64) TaskResult {
	return TaskResult{Value: value}
}

// Errored builds a failed result. The error is normalized to a *Fault.
func Errored(err error) TaskResult {
	return TaskResult{Err: FaultOf(err)}
}

// CancelledResult builds a result for a task that was cancelled before
// producing a value.
func CancelledResult() TaskResult {
	return TaskResult{Cancelled: true, Err: errCancelled}
}

// IsOK reports whether the result is a success.
func (r TaskResult) IsOK() bool {
	return !r.Cancelled && r.Err == nil
}

// IsErr reports whether the result is a non-cancellation failure.
func (r TaskResult) IsErr() bool {
	return !r.Cancelled && r.Err != nil
}

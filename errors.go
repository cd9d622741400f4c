// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"errors"
	"fmt"
)

// FaultKind classifies a runtime fault. Every failure that crosses the
// task boundary is delivered as a *Fault with one of these kinds; no
// raw panic or engine trap is allowed to escape into calling code.
type FaultKind string

const (
	// KindTask is an application error raised by the task body itself.
	KindTask FaultKind = "task_error"

	// KindTrap is an execution fault: missing entry point, illegal
	// operation, out-of-bounds access, argument/arity mismatch.
	KindTrap FaultKind = "trap_error"

	// KindTimeout means a call-level or scope-level deadline elapsed.
	KindTimeout FaultKind = "timeout_error"

	// KindCancelled marks explicit or cascaded cancellation.
	KindCancelled FaultKind = "cancelled_error"

	// KindJoin is a scheduler-internal failure joining a task, such as
	// joining an unknown handle or spawning after shutdown.
	KindJoin FaultKind = "join_error"

	// KindChannelClosed is a send or receive against a closed channel
	// where the operation cannot be expressed as a normal return.
	KindChannelClosed FaultKind = "channel_closed_error"
)

// Fault is the structured {kind, message} error surfaced at every
// interface boundary.
type Fault struct {
	Kind    FaultKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// NewFault creates a fault of the given kind with a formatted message.
func NewFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapFault wraps err as a fault of the given kind, preserving the
// cause for errors.Is/errors.As.
func WrapFault(kind FaultKind, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Message: err.Error(), cause: err}
}

// FaultOf extracts the first *Fault in err's chain. If err is not a
// fault, it is wrapped as a trap so callers always see {kind, message}.
func FaultOf(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: KindTrap, Message: err.Error(), cause: err}
}

// KindOf reports the fault kind of err, or "" if err is nil.
func KindOf(err error) FaultKind {
	if err == nil {
		return ""
	}
	return FaultOf(err).Kind
}

// IsKind reports whether err carries a fault of the given kind.
func IsKind(err error, kind FaultKind) bool {
	if err == nil {
		return false
	}
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

// IsCancelled reports whether err is a cancellation fault.
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// IsTimeout reports whether err is a deadline fault.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

var (
	// errCancelled is the shared cancellation fault used by suspension
	// points; it carries no task-specific detail on purpose, so it can
	// be compared cheaply and reused without allocation.
	errCancelled = &Fault{Kind: KindCancelled, Message: "task cancelled"}

	// errShutdown rejects operations against a stopped runtime.
	errShutdown = &Fault{Kind: KindJoin, Message: "runtime is shut down"}
)

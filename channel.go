// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ChannelHandle is an opaque identifier for a channel. Handles index
// into the runtime's channel table; raw channel pointers never cross a
// task or host boundary.
type ChannelHandle uint32

// sendWaiter is a blocked sender. done receives true when the value was
// delivered (buffered or handed to a receiver) and false when the
// channel closed underneath the sender.
type sendWaiter struct {
	value int64
	done  chan bool
}

// recvOutcome is the completion of a blocked receiver. ok is false when
// the channel closed with nothing left to drain.
type recvOutcome struct {
	value int64
	ok    bool
}

type recvWaiter struct {
	done chan recvOutcome
}

// channel is a capacity-bounded FIFO pipe between tasks. capacity 0 is
// a synchronous rendezvous, capacity > 0 a bounded buffer, capacity < 0
// unbounded. Blocked senders and receivers wait in FIFO order on
// per-waiter buffered channels, so completions are delivered exactly
// once even when a close or cancellation races a hand-off.
//
// Invariants held under mu:
//   - recvq is non-empty only when the buffer is empty and sendq is empty
//   - sendq is non-empty only when the buffer is full (or capacity == 0)
//   - buffered count never exceeds capacity
type channel struct {
	id         ChannelHandle
	capacity   int
	ownerScope uint64
	refs       atomic.Int32

	mu     sync.Mutex
	buf    []int64
	head   int
	closed bool
	sendq  []*sendWaiter
	recvq  []*recvWaiter
}

func (c *channel) size() int {
	return len(c.buf) - c.head
}

func (c *channel) pushLocked(v int64) {
	c.buf = append(c.buf, v)
}

func (c *channel) popLocked() int64 {
	v := c.buf[c.head]
	c.head++
	if c.head > 64 && c.head*2 >= len(c.buf) {
		c.buf = append(c.buf[:0], c.buf[c.head:]...)
		c.head = 0
	}
	return v
}

// roomLocked reports whether a value can be buffered without blocking.
func (c *channel) roomLocked() bool {
	return c.capacity < 0 || c.size() < c.capacity
}

// send delivers v, suspending the caller until buffer space or a
// matching receiver is available. It returns false immediately if the
// channel is closed. ctx cancellation aborts the wait with a fault.
func (c *channel) send(ctx context.Context, v int64) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, nil
	}
	if len(c.recvq) > 0 {
		// A receiver is already parked, so the buffer is empty; hand
		// the value over directly. This is the only completion path
		// for a rendezvous channel.
		w := c.recvq[0]
		c.recvq = c.recvq[1:]
		c.mu.Unlock()
		w.done <- recvOutcome{value: v, ok: true}
		return true, nil
	}
	if c.roomLocked() {
		c.pushLocked(v)
		c.mu.Unlock()
		return true, nil
	}
	w := &sendWaiter{value: v, done: make(chan bool, 1)}
	c.sendq = append(c.sendq, w)
	c.mu.Unlock()

	select {
	case delivered := <-w.done:
		return delivered, nil
	case <-ctx.Done():
		if c.removeSender(w) {
			return false, ctxFault(ctx)
		}
		// Lost the race: a completion is already in flight and must be
		// honored, otherwise a receiver would observe a phantom value.
		return <-w.done, nil
	}
}

// receive returns the next value in FIFO order, suspending while the
// channel is open and empty. ok is false once the channel is closed and
// fully drained.
func (c *channel) receive(ctx context.Context) (int64, bool, error) {
	c.mu.Lock()
	if c.size() > 0 {
		v := c.popLocked()
		c.promoteSenderLocked()
		c.mu.Unlock()
		return v, true, nil
	}
	if len(c.sendq) > 0 {
		// capacity == 0: take the value straight from a parked sender.
		w := c.sendq[0]
		c.sendq = c.sendq[1:]
		c.mu.Unlock()
		w.done <- true
		return w.value, true, nil
	}
	if c.closed {
		c.mu.Unlock()
		return 0, false, nil
	}
	w := &recvWaiter{done: make(chan recvOutcome, 1)}
	c.recvq = append(c.recvq, w)
	c.mu.Unlock()

	select {
	case out := <-w.done:
		return out.value, out.ok, nil
	case <-ctx.Done():
		if c.removeReceiver(w) {
			return 0, false, ctxFault(ctx)
		}
		out := <-w.done
		return out.value, out.ok, nil
	}
}

// promoteSenderLocked refills the slot a receive just freed from the
// oldest parked sender, preserving per-channel FIFO order.
func (c *channel) promoteSenderLocked() {
	if len(c.sendq) == 0 || !c.roomLocked() {
		return
	}
	w := c.sendq[0]
	c.sendq = c.sendq[1:]
	c.pushLocked(w.value)
	w.done <- true
}

// trySend is the non-blocking poll used by the select multiplexer.
// ready is false when the operation would suspend; sent is false when
// the case committed against a closed channel.
func (c *channel) trySend(v int64) (sent, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, true
	}
	if len(c.recvq) > 0 {
		w := c.recvq[0]
		c.recvq = c.recvq[1:]
		w.done <- recvOutcome{value: v, ok: true}
		return true, true
	}
	if c.roomLocked() {
		c.pushLocked(v)
		return true, true
	}
	return false, false
}

// tryRecv is the non-blocking poll used by the select multiplexer.
// ready is false when the operation would suspend; ok is false when the
// case committed against a closed, drained channel.
func (c *channel) tryRecv() (v int64, ok, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size() > 0 {
		v = c.popLocked()
		c.promoteSenderLocked()
		return v, true, true
	}
	if len(c.sendq) > 0 {
		w := c.sendq[0]
		c.sendq = c.sendq[1:]
		w.done <- true
		return w.value, true, true
	}
	if c.closed {
		return 0, false, true
	}
	return 0, false, false
}

// close marks the channel closed. Idempotent. Parked senders unblock
// immediately with a failed send; parked receivers unblock with the
// closed sentinel once nothing is left to drain (a non-empty buffer
// implies no parked receivers, so buffered values keep draining via
// receive until empty).
func (c *channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	senders := c.sendq
	c.sendq = nil
	var receivers []*recvWaiter
	if c.size() == 0 {
		receivers = c.recvq
		c.recvq = nil
	}
	c.mu.Unlock()

	for _, w := range senders {
		w.done <- false
	}
	for _, w := range receivers {
		w.done <- recvOutcome{}
	}
}

func (c *channel) removeSender(w *sendWaiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.sendq {
		if s == w {
			c.sendq = append(c.sendq[:i], c.sendq[i+1:]...)
			return true
		}
	}
	return false
}

func (c *channel) removeReceiver(w *recvWaiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.recvq {
		if r == w {
			c.recvq = append(c.recvq[:i], c.recvq[i+1:]...)
			return true
		}
	}
	return false
}

// channelTable maps opaque handles to channels. Lookups are lock-free
// via sync.Map; entries are reference-counted by outstanding handles
// and destroyed when the count drops to zero.
type channelTable struct {
	entries sync.Map // ChannelHandle -> *channel
	nextID  atomic.Uint32
}

func (tbl *channelTable) create(capacity int, ownerScope uint64) *channel {
	c := &channel{
		id:         ChannelHandle(tbl.nextID.Add(1)),
		capacity:   capacity,
		ownerScope: ownerScope,
	}
	c.refs.Store(1)
	tbl.entries.Store(c.id, c)
	return c
}

func (tbl *channelTable) get(h ChannelHandle) (*channel, bool) {
	v, ok := tbl.entries.Load(h)
	if !ok {
		return nil, false
	}
	return v.(*channel), true
}

// retain takes an additional reference on a live handle.
func (tbl *channelTable) retain(h ChannelHandle) bool {
	c, ok := tbl.get(h)
	if !ok {
		return false
	}
	c.refs.Add(1)
	return true
}

// release drops one reference; the last release closes the channel and
// removes it from the table.
func (tbl *channelTable) release(h ChannelHandle) {
	c, ok := tbl.get(h)
	if !ok {
		return
	}
	if c.refs.Add(-1) <= 0 {
		tbl.entries.Delete(h)
		c.close()
	}
}

// releaseScope releases every channel owned by the given scope. Called
// by the scope finalizer so task-created channels cannot outlive their
// scope.
func (tbl *channelTable) releaseScope(scopeID uint64) {
	tbl.entries.Range(func(key, value any) bool {
		c := value.(*channel)
		if c.ownerScope == scopeID {
			tbl.release(c.id)
		}
		return true
	})
}

// closeAll closes every channel; used during runtime shutdown to
// unblock any parked task.
func (tbl *channelTable) closeAll() {
	tbl.entries.Range(func(key, value any) bool {
		value.(*channel).close()
		return true
	})
}

// ctxFault maps a done context to the fault a suspension point reports:
// a deadline surfaces as a timeout, everything else as cancellation.
func ctxFault(ctx context.Context) *Fault {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewFault(KindTimeout, "deadline elapsed")
	}
	return errCancelled
}

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFIFOWithinCapacity(t *testing.T) {
	rt := newTestRuntime(t)
	ch := rt.ChannelCreate(100)

	// None of the first 100 sends may block: run them inline with a
	// watchdog on the whole batch.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(0); i < 100; i++ {
			ok, err := rt.ChannelSend(ch, i)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sends within capacity blocked")
	}

	rt.ChannelClose(ch)

	var got []int64
	for {
		v, ok, err := rt.ChannelReceive(ch)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, int64(i), v)
	}
}

func TestRendezvousChannelSendWaitsForReceiver(t *testing.T) {
	rt := newTestRuntime(t)
	ch := rt.ChannelCreate(0)

	sent := make(chan bool, 1)
	go func() {
		ok, _ := rt.ChannelSend(ch, 42)
		sent <- ok
	}()

	// With no receiver pending the send must stay suspended.
	select {
	case <-sent:
		t.Fatal("rendezvous send completed without a receiver")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok, err := rt.ChannelReceive(ch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	select {
	case ok := <-sent:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send did not complete after matching receive")
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	ch := rt.ChannelCreate(4)

	ok, err := rt.ChannelSend(ch, 1)
	require.NoError(t, err)
	require.True(t, ok)

	rt.ChannelClose(ch)
	rt.ChannelClose(ch) // second close is a no-op

	// Buffered values keep draining after close.
	v, ok, err := rt.ChannelReceive(ch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	_, ok, err = rt.ChannelReceive(ch)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rt.ChannelSend(ch, 2)
	require.NoError(t, err)
	assert.False(t, ok, "send after close must fail")
}

func TestChannelCloseUnblocksParkedSender(t *testing.T) {
	rt := newTestRuntime(t)
	ch := rt.ChannelCreate(1)

	ok, err := rt.ChannelSend(ch, 1)
	require.NoError(t, err)
	require.True(t, ok)

	sent := make(chan bool, 1)
	go func() {
		ok, _ := rt.ChannelSend(ch, 2) // buffer full: parks
		sent <- ok
	}()
	time.Sleep(20 * time.Millisecond)

	rt.ChannelClose(ch)
	select {
	case ok := <-sent:
		assert.False(t, ok, "parked sender must observe the close as a failed send")
	case <-time.After(time.Second):
		t.Fatal("close did not unblock the parked sender")
	}
}

func TestChannelCloseUnblocksParkedReceiver(t *testing.T) {
	rt := newTestRuntime(t)
	ch := rt.ChannelCreate(4)

	got := make(chan bool, 1)
	go func() {
		_, ok, _ := rt.ChannelReceive(ch)
		got <- ok
	}()
	time.Sleep(20 * time.Millisecond)

	rt.ChannelClose(ch)
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock the parked receiver")
	}
}

func TestChannelUnbounded(t *testing.T) {
	rt := newTestRuntime(t)
	ch := rt.ChannelCreate(-1)

	for i := int64(0); i < 1000; i++ {
		ok, err := rt.ChannelSend(ch, i)
		require.NoError(t, err)
		require.True(t, ok)
	}
	rt.ChannelClose(ch)

	for i := int64(0); i < 1000; i++ {
		v, ok, err := rt.ChannelReceive(ch)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok, err := rt.ChannelReceive(ch)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannelBufferNeverExceedsCapacity(t *testing.T) {
	rt := newTestRuntime(t)
	ch := rt.ChannelCreate(2)

	for i := int64(0); i < 2; i++ {
		ok, err := rt.ChannelSend(ch, i)
		require.NoError(t, err)
		require.True(t, ok)
	}

	c, found := rt.channels.get(ch)
	require.True(t, found)
	assert.Equal(t, 2, c.size())

	sent := make(chan struct{})
	go func() {
		rt.ChannelSend(ch, 2)
		close(sent)
	}()
	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	size := c.size()
	c.mu.Unlock()
	assert.LessOrEqual(t, size, 2, "buffered count exceeded capacity")

	_, _, err := rt.ChannelReceive(ch)
	require.NoError(t, err)
	<-sent
}

func TestChannelUnknownHandle(t *testing.T) {
	rt := newTestRuntime(t)

	ok, err := rt.ChannelSend(ChannelHandle(9999), 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = rt.ChannelReceive(ChannelHandle(9999))
	require.NoError(t, err)
	assert.False(t, ok)

	rt.ChannelClose(ChannelHandle(9999)) // no-op, no panic
}

func TestChannelReleaseDestroysHandle(t *testing.T) {
	rt := newTestRuntime(t)
	ch := rt.ChannelCreate(4)

	require.True(t, rt.channels.retain(ch))
	rt.ChannelRelease(ch)
	_, found := rt.channels.get(ch)
	assert.True(t, found, "handle must survive while references remain")

	rt.ChannelRelease(ch)
	_, found = rt.channels.get(ch)
	assert.False(t, found, "last release must destroy the channel")
}

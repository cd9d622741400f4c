// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tovarun "github.com/tova-lang/tovarun"
	gojaengine "github.com/tova-lang/tovarun/engines/goja"
)

func newJSRuntime(t *testing.T) *tovarun.Runtime {
	t.Helper()
	rt, err := tovarun.New(
		tovarun.WithEngine(gojaengine.NewFactory()),
		tovarun.WithWorkers(2),
	)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	t.Cleanup(func() {
		require.NoError(t, rt.Shutdown())
	})
	return rt
}

func jsSpec(src, entry string, args ...int64) *tovarun.TaskSpec {
	return &tovarun.TaskSpec{Module: []byte(src), Entry: entry, Args: args}
}

func TestJSExec(t *testing.T) {
	rt := newJSRuntime(t)

	res := rt.Exec(jsSpec(`function double(v) { return v * 2 }`, "double", 21))
	require.True(t, res.IsOK(), "exec failed: %v", res.Err)
	assert.Equal(t, int64(42), res.Value)
}

func TestJSThrowIsTaskError(t *testing.T) {
	rt := newJSRuntime(t)

	res := rt.Exec(jsSpec(`function boom() { throw new Error("deliberate") }`, "boom"))
	require.True(t, res.IsErr())
	assert.Equal(t, tovarun.KindTask, tovarun.KindOf(res.Err))
	assert.Contains(t, res.Err.Error(), "deliberate")
}

func TestJSMissingEntryIsTrap(t *testing.T) {
	rt := newJSRuntime(t)

	res := rt.Exec(jsSpec(`function present() { return 1 }`, "absent"))
	require.True(t, res.IsErr())
	assert.Equal(t, tovarun.KindTrap, tovarun.KindOf(res.Err))
}

func TestJSSyntaxErrorIsTrap(t *testing.T) {
	rt := newJSRuntime(t)

	res := rt.Exec(jsSpec(`function broken( {`, "broken"))
	require.True(t, res.IsErr())
	assert.Equal(t, tovarun.KindTrap, tovarun.KindOf(res.Err))
}

func TestJSGlobalsDoNotLeakBetweenTasks(t *testing.T) {
	rt := newJSRuntime(t)

	res := rt.Exec(jsSpec(`var counter = 0; function bump() { counter += 1; return counter }`, "bump"))
	require.True(t, res.IsOK(), "exec failed: %v", res.Err)
	assert.Equal(t, int64(1), res.Value)

	// Same module again: a fresh runtime, so the global starts over.
	res = rt.Exec(jsSpec(`var counter = 0; function bump() { counter += 1; return counter }`, "bump"))
	require.True(t, res.IsOK(), "exec failed: %v", res.Err)
	assert.Equal(t, int64(1), res.Value)
}

func TestJSCancelTightLoop(t *testing.T) {
	rt := newJSRuntime(t)

	h, err := rt.Spawn(jsSpec(`function spin() { for (;;) {} }`, "spin"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	rt.Cancel(h)

	done := make(chan tovarun.TaskResult, 1)
	go func() { done <- rt.Join(h) }()
	select {
	case res := <-done:
		assert.True(t, res.Cancelled, "got %+v", res)
	case <-time.After(10 * time.Second):
		t.Fatal("interrupt never reached the loop")
	}
}

func TestJSSleepCancellation(t *testing.T) {
	rt := newJSRuntime(t)

	h, err := rt.Spawn(jsSpec(`function nap(ms) { tova.sleep(ms); return 1 }`, "nap", 10000))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	rt.Cancel(h)

	start := time.Now()
	res := rt.Join(h)
	assert.True(t, res.Cancelled, "got %+v", res)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestJSExecuteTimeout(t *testing.T) {
	rt, err := tovarun.New(
		tovarun.WithEngine(gojaengine.NewFactory()),
		tovarun.WithWorkers(1),
		tovarun.WithExecuteTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Shutdown()

	res := rt.Exec(jsSpec(`function spin() { for (;;) {} }`, "spin"))
	require.True(t, res.IsErr())
	assert.Equal(t, tovarun.KindTimeout, tovarun.KindOf(res.Err))
}

func TestJSChannelPipeline(t *testing.T) {
	rt := newJSRuntime(t)
	ch := rt.ChannelCreate(8)

	const producer = `
function produce(ch, n) {
	for (var i = 0; i < n; i++) {
		tova.chanSend(ch, i)
	}
	tova.chanClose(ch)
	return n
}`
	const consumer = `
function drain(ch) {
	var total = 0
	for (;;) {
		var v = tova.chanReceive(ch)
		if (v === null) {
			return total
		}
		total += v
	}
}`

	hProd, err := rt.Spawn(jsSpec(producer, "produce", int64(ch), 10))
	require.NoError(t, err)
	hCons, err := rt.Spawn(jsSpec(consumer, "drain", int64(ch)))
	require.NoError(t, err)

	res := rt.Join(hCons)
	require.True(t, res.IsOK(), "consumer failed: %v", res.Err)
	assert.Equal(t, int64(45), res.Value)

	res = rt.Join(hProd)
	require.True(t, res.IsOK(), "producer failed: %v", res.Err)
	assert.Equal(t, int64(10), res.Value)
}

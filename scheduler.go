// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// scheduler is the M:N work-stealing pool. A fixed set of base workers
// (sized to available CPU parallelism) pulls tasks from per-worker
// queues, falling back to a global overflow queue and then to stealing
// from sibling queues. When every live worker is parked at a suspension
// point while runnable tasks exist, a spare worker is grown; spares
// retire as soon as they run dry.
type scheduler struct {
	rt *Runtime

	workers         sync.Map     // uint32 -> *worker
	workerIds       atomic.Value // *[]uint32, copy-on-write (steal order)
	workerCount     atomic.Int32
	workerIdCounter atomic.Uint32
	blocked         atomic.Int32 // workers parked at suspension points
	roundRobin      atomic.Uint32

	tasks      sync.Map // TaskHandle -> *task
	nextTaskID atomic.Uint64

	// global is the unbounded overflow run queue; Spawn never blocks.
	globalMu sync.Mutex
	global   []*task

	wakeCh       chan struct{}
	stopCh       chan struct{}
	shuttingDown atomic.Bool
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// worker owns one engine instance and drains tasks until shutdown (or,
// for spares, until idle).
type worker struct {
	sched  *scheduler
	name   string
	id     uint32
	spare  bool
	queue  chan *task
	initCh chan error
	engine Engine
}

func newScheduler(rt *Runtime) *scheduler {
	s := &scheduler{
		rt:     rt,
		wakeCh: make(chan struct{}, 64),
		stopCh: make(chan struct{}),
	}
	emptyIds := make([]uint32, 0)
	s.workerIds.Store(&emptyIds)
	return s
}

// start brings up the base workers.
func (s *scheduler) start() error {
	for i := 0; i < s.rt.options.workers; i++ {
		if _, err := s.addWorker(false); err != nil {
			return fmt.Errorf("failed to create worker %d: %w", i, err)
		}
	}
	if s.rt.logger != nil {
		s.rt.logger.Debug("scheduler started",
			"workers", s.rt.options.workers,
			"queueSize", s.rt.options.queueSize,
			"executeTimeout", s.rt.options.executeTimeout,
		)
	}
	return nil
}

// addWorkerToList adds a worker ID to the steal-order list using
// copy-on-write.
func (s *scheduler) addWorkerToList(id uint32) {
	for {
		oldPtr := s.workerIds.Load().(*[]uint32)
		old := *oldPtr
		next := make([]uint32, len(old)+1)
		copy(next, old)
		next[len(old)] = id
		if s.workerIds.CompareAndSwap(oldPtr, &next) {
			return
		}
	}
}

// removeWorkerFromList removes a worker ID using copy-on-write.
func (s *scheduler) removeWorkerFromList(id uint32) {
	for {
		oldPtr := s.workerIds.Load().(*[]uint32)
		old := *oldPtr
		next := make([]uint32, 0, len(old))
		for _, v := range old {
			if v != id {
				next = append(next, v)
			}
		}
		if s.workerIds.CompareAndSwap(oldPtr, &next) {
			return
		}
	}
}

// addWorker creates and starts a worker, waiting for its engine to
// initialize before it joins the steal order.
func (s *scheduler) addWorker(spare bool) (*worker, error) {
	id := s.workerIdCounter.Add(1)
	w := &worker{
		sched:  s,
		name:   "worker-" + strconv.FormatUint(uint64(id), 10),
		id:     id,
		spare:  spare,
		queue:  make(chan *task, s.rt.options.queueSize),
		initCh: make(chan error, 1),
	}
	s.workerCount.Add(1)
	s.wg.Add(1)
	go w.run()

	if err := <-w.initCh; err != nil {
		s.workerCount.Add(-1)
		return nil, fmt.Errorf("worker engine init failed: %w", err)
	}
	s.workers.Store(id, w)
	s.addWorkerToList(id)
	if spare && s.rt.logger != nil {
		s.rt.logger.Debug("spare worker started", "worker", w.name, "blocked", s.blocked.Load())
	}
	return w, nil
}

// spawn enqueues a task in Pending state and returns immediately; it
// never blocks the caller.
func (s *scheduler) spawn(spec *TaskSpec, scopeID uint64) (TaskHandle, error) {
	if s.shuttingDown.Load() {
		return 0, errShutdown
	}
	id := TaskHandle(s.nextTaskID.Add(1))
	t := newTask(id, spec, scopeID, s.rt.baseCtx, s.rt.options.executeTimeout)
	s.tasks.Store(id, t)
	s.enqueue(t)
	s.signalWake()

	// Every live worker may be parked inside a blocking host import;
	// without a spare this task could never be picked up.
	if s.workerCount.Load()-s.blocked.Load() <= 0 {
		s.growSpare()
	}
	return id, nil
}

// enqueue places a task on a worker queue in round-robin order,
// overflowing to the global queue when all per-worker queues are full.
func (s *scheduler) enqueue(t *task) {
	ids := *s.workerIds.Load().(*[]uint32)
	if n := len(ids); n > 0 {
		start := s.roundRobin.Add(1)
		for i := 0; i < n; i++ {
			id := ids[(start+uint32(i))%uint32(n)]
			if v, ok := s.workers.Load(id); ok {
				select {
				case v.(*worker).queue <- t:
					return
				default:
				}
			}
		}
	}
	s.globalMu.Lock()
	s.global = append(s.global, t)
	s.globalMu.Unlock()
}

func (s *scheduler) popGlobal() *task {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if len(s.global) == 0 {
		return nil
	}
	t := s.global[0]
	s.global = s.global[1:]
	return t
}

func (s *scheduler) signalWake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// hasRunnable reports whether any queue holds a pending task.
func (s *scheduler) hasRunnable() bool {
	s.globalMu.Lock()
	n := len(s.global)
	s.globalMu.Unlock()
	if n > 0 {
		return true
	}
	found := false
	s.workers.Range(func(_, value any) bool {
		if len(value.(*worker).queue) > 0 {
			found = true
			return false
		}
		return true
	})
	return found
}

// enterWait records that a worker parked at a suspension point; if that
// leaves no worker free while runnable tasks exist, grow a spare so
// the parked task's peer (sender, receiver, or timer) can make
// progress.
func (s *scheduler) enterWait() {
	blocked := s.blocked.Add(1)
	if s.workerCount.Load()-blocked <= 0 && s.hasRunnable() {
		s.growSpare()
	}
}

func (s *scheduler) exitWait() {
	s.blocked.Add(-1)
}

func (s *scheduler) growSpare() {
	if s.shuttingDown.Load() {
		return
	}
	if limit := s.rt.options.maxWorkers; limit > 0 && s.workerCount.Load() >= int32(limit) {
		return
	}
	if _, err := s.addWorker(true); err != nil && s.rt.logger != nil {
		s.rt.logger.Error("failed to grow spare worker", "error", err)
	}
}

// lookup resolves a handle. Unknown handles are a join fault.
func (s *scheduler) lookup(h TaskHandle) (*task, error) {
	v, ok := s.tasks.Load(h)
	if !ok {
		return nil, NewFault(KindJoin, "unknown task handle %d", uint64(h))
	}
	return v.(*task), nil
}

// join suspends the caller until the task resolves; it wakes exactly
// once with the task's result.
func (s *scheduler) join(h TaskHandle) TaskResult {
	t, err := s.lookup(h)
	if err != nil {
		return Errored(err)
	}
	<-t.doneCh
	return t.result
}

// joinContext is join with a caller-side deadline.
func (s *scheduler) joinContext(ctx context.Context, h TaskHandle) TaskResult {
	t, err := s.lookup(h)
	if err != nil {
		return Errored(err)
	}
	select {
	case <-t.doneCh:
		return t.result
	case <-ctx.Done():
		return Errored(ctxFault(ctx))
	}
}

// cancelTask sets the task's cancellation flag. Idempotent; takes
// effect at the task's next suspension point or engine checkpoint.
func (s *scheduler) cancelTask(h TaskHandle) {
	if v, ok := s.tasks.Load(h); ok {
		v.(*task).requestCancel()
	}
}

// release drops the task record once its result has been consumed.
func (s *scheduler) release(h TaskHandle) {
	s.tasks.Delete(h)
}

// shutdown stops accepting spawns, cancels and drains all outstanding
// tasks, and releases workers deterministically.
func (s *scheduler) shutdown() {
	s.stopOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.tasks.Range(func(_, value any) bool {
			value.(*task).requestCancel()
			return true
		})
		close(s.stopCh)
		s.wg.Wait()
		if s.rt.logger != nil {
			s.rt.logger.Debug("scheduler stopped")
		}
	})
}

func (w *worker) run() {
	s := w.sched
	defer func() {
		s.workers.Delete(w.id)
		s.removeWorkerFromList(w.id)
		s.workerCount.Add(-1)
		// A task can race onto this queue while the worker is exiting;
		// push strays back to the global queue so nothing is stranded.
		for {
			select {
			case t := <-w.queue:
				s.globalMu.Lock()
				s.global = append(s.global, t)
				s.globalMu.Unlock()
				s.signalWake()
				continue
			default:
			}
			break
		}
		if w.engine != nil {
			if err := w.engine.Close(); err != nil && s.rt.logger != nil {
				s.rt.logger.Error("failed to close engine", "worker", w.name, "error", err)
			}
		}
		s.wg.Done()
	}()

	engine, err := s.rt.engineFactory()
	if err != nil {
		w.initCh <- err
		close(w.initCh)
		return
	}
	w.engine = engine
	w.initCh <- nil
	close(w.initCh)

	for {
		t := w.next()
		if t == nil {
			return
		}
		if !w.execute(t) {
			if !w.reclaim() {
				return
			}
		}
	}
}

// next returns the next runnable task: own queue, then the global
// overflow queue, then stealing from a sibling. Returns nil when the
// worker should exit.
func (w *worker) next() *task {
	s := w.sched
	for {
		select {
		case t := <-w.queue:
			return t
		default:
		}
		if t := s.popGlobal(); t != nil {
			return t
		}
		if t := w.steal(); t != nil {
			return t
		}

		if s.shuttingDown.Load() {
			if !s.hasRunnable() {
				return nil
			}
			time.Sleep(100 * time.Microsecond)
			continue
		}
		if w.spare {
			// Spares exist only to cover blocked workers; retire as
			// soon as there is nothing to run.
			return nil
		}
		select {
		case <-s.wakeCh:
		case <-s.stopCh:
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// steal takes one task from a sibling queue, starting from a random
// victim so contention spreads evenly.
func (w *worker) steal() *task {
	s := w.sched
	ids := *s.workerIds.Load().(*[]uint32)
	n := len(ids)
	if n < 2 {
		return nil
	}
	start := rand.IntN(n)
	for i := 0; i < n; i++ {
		id := ids[(start+i)%n]
		if id == w.id {
			continue
		}
		if v, ok := s.workers.Load(id); ok {
			select {
			case t := <-v.(*worker).queue:
				return t
			default:
			}
		}
	}
	return nil
}

// execute runs one task through the engine and resolves it. Any fault,
// including a panic inside the engine or a task body, is recorded on
// this task only; it never tears down the worker, siblings, or the
// pool.
//
// The engine runs on its own goroutine so the scheduler keeps control:
// once the task context ends, the engine gets one fuel interval to
// reach an internal preemption checkpoint and return on its own. An
// engine still running past that is abandoned, the task resolves
// immediately, and execute reports false so the worker replaces the
// engine.
func (w *worker) execute(t *task) bool {
	if t.cancelled.Load() {
		t.resolve(CancelledResult())
		return true
	}
	if err := t.ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			t.resolve(Errored(NewFault(KindTimeout, "deadline elapsed before task started")))
		} else {
			t.resolve(CancelledResult())
		}
		return true
	}

	t.setState(TaskRunning)
	env := newEnv(w.sched.rt, t)

	// Pin the engine: reclaim may swap w.engine while an abandoned
	// call is still draining.
	engine := w.engine
	res := make(chan TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- Errored(NewFault(KindTrap, "panic in task body: %v", r))
				if w.sched.rt.logger != nil {
					w.sched.rt.logger.Error("task panic recovered",
						"worker", w.name,
						"task", uint64(t.id),
						"error", r)
				}
			}
		}()
		value, err := engine.Execute(env, t.spec)
		res <- w.resultOf(t, value, err)
	}()

	select {
	case r := <-res:
		t.resolve(r)
		return true
	case <-t.ctx.Done():
	}

	grace := time.NewTimer(w.sched.rt.options.fuelInterval)
	defer grace.Stop()
	select {
	case r := <-res:
		t.resolve(r)
		return true
	case <-grace.C:
		if errors.Is(t.ctx.Err(), context.DeadlineExceeded) && !t.cancelled.Load() {
			t.resolve(Errored(NewFault(KindTimeout, "task deadline elapsed")))
		} else {
			t.resolve(CancelledResult())
		}
		if w.sched.rt.logger != nil {
			w.sched.rt.logger.Warn("abandoning engine past fuel interval",
				"worker", w.name,
				"task", uint64(t.id))
		}
		return false
	}
}

// reclaim replaces the engine after an execution was abandoned. The
// old engine is closed in the background, which aborts the in-flight
// call where the engine supports it. Reports whether the worker can
// keep running.
func (w *worker) reclaim() bool {
	old := w.engine
	w.engine = nil
	go func() {
		if err := old.Close(); err != nil && w.sched.rt.logger != nil {
			w.sched.rt.logger.Error("failed to close abandoned engine",
				"worker", w.name, "error", err)
		}
	}()

	if w.sched.shuttingDown.Load() {
		return false
	}
	engine, err := w.sched.rt.engineFactory()
	if err != nil {
		if w.sched.rt.logger != nil {
			w.sched.rt.logger.Error("failed to replace abandoned engine",
				"worker", w.name, "error", err)
		}
		return false
	}
	w.engine = engine
	return true
}

// resultOf maps an engine outcome onto the task result taxonomy.
// Cancellation wins over a concurrent deadline; a deadline wins over
// the engine's own abort error.
func (w *worker) resultOf(t *task, value int64, err error) TaskResult {
	if err == nil {
		return OK(value)
	}
	if t.cancelled.Load() || IsCancelled(err) {
		return CancelledResult()
	}
	if errors.Is(t.ctx.Err(), context.DeadlineExceeded) || IsTimeout(err) {
		return Errored(NewFault(KindTimeout, "task deadline elapsed"))
	}
	return Errored(err)
}

// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package scheduler implements the multi-threaded cooperative task
// dispatcher. Workers are OS-thread-locked goroutines; each runs fibers
// and ad-hoc callables pulled from a shared FIFO with optional worker
// affinity. The idle, tickle and stopping behaviors are overridable so
// the IO scheduler can replace busy idling with a reactor wait.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/fiberloop/api"
	"github.com/momentics/fiberloop/control"
	"github.com/momentics/fiberloop/fiber"
	"github.com/momentics/fiberloop/internal/concurrency"
	"github.com/momentics/fiberloop/pool"
)

// AnyWorker targets a task at whichever worker takes it first.
const AnyWorker = -1

// Task is the scheduler's unit of work: either a fiber handle or a
// nullary callable, plus an optional target worker id.
type Task struct {
	Fiber  *fiber.Fiber
	Fn     func()
	Worker int
}

// Scheduler owns a worker pool and a task queue.
type Scheduler struct {
	name string
	log  zerolog.Logger

	mu    sync.Mutex
	tasks *queue.Queue

	threads   int
	useCaller bool

	callerFiber *fiber.Fiber
	callerGoID  uint64

	wg      sync.WaitGroup
	started atomic.Bool
	stopSet atomic.Bool
	stopped atomic.Bool

	active atomic.Int64
	idleN  atomic.Int64

	hookEnabled bool
	pinWorkers  bool
	stackSize   int

	// Recycled TERM fibers for callable tasks.
	fpool *pool.SyncPool[*fiber.Fiber]

	// owner is the outermost object published as "current scheduler";
	// the IO scheduler points this at itself.
	owner any

	// Overridable behavior.
	tickleFn   func()
	idleFn     func()
	stoppingFn func() bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger installs a component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithHookEnabled runs every fiber with the syscall hook flag set.
func WithHookEnabled(v bool) Option {
	return func(s *Scheduler) { s.hookEnabled = v }
}

// WithPinning binds worker threads to CPUs by worker id.
func WithPinning(v bool) Option {
	return func(s *Scheduler) { s.pinWorkers = v }
}

// WithStackSize sets the stack reservation of fibers the scheduler
// creates for callable tasks.
func WithStackSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.stackSize = n
		}
	}
}

// New constructs a scheduler with the given worker count. With useCaller
// the constructing flow participates as worker 0 and drains the queue
// during Stop; the number of spawned workers is threads-1.
func New(threads int, useCaller bool, name string, opts ...Option) *Scheduler {
	if threads < 1 {
		panic("scheduler: threads must be >= 1")
	}
	s := &Scheduler{
		name:      name,
		log:       control.NewLogger("scheduler", "disabled"),
		tasks:     queue.New(),
		threads:   threads,
		useCaller: useCaller,
		stackSize: fiber.DefaultStackSize,
		fpool:     pool.NewSyncPool(func() *fiber.Fiber { return nil }),
	}
	s.owner = s
	s.tickleFn = func() {}
	s.idleFn = func() { time.Sleep(time.Millisecond) }
	s.stoppingFn = s.BaseStopping
	for _, o := range opts {
		o(s)
	}
	if useCaller {
		s.callerGoID = concurrency.GoID()
		s.callerFiber = fiber.New(func() { s.run(0) }, fiber.WithRunInScheduler(false))
		concurrency.CurrentSlot().Scheduler = s.owner
	}
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// BaseScheduler returns the embedded scheduler; it also identifies a
// value stored as the flow's current scheduler.
func (s *Scheduler) BaseScheduler() *Scheduler { return s }

// Current returns the scheduler bound to the calling flow, or nil.
func Current() *Scheduler {
	slot := concurrency.PeekSlot()
	if slot == nil {
		return nil
	}
	if v, ok := slot.Scheduler.(interface{ BaseScheduler() *Scheduler }); ok {
		return v.BaseScheduler()
	}
	return nil
}

// CurrentWorker returns the worker id of the calling flow, or -1 when
// the flow is not attached to a worker.
func CurrentWorker() int {
	slot := concurrency.PeekSlot()
	if slot == nil {
		return -1
	}
	return slot.Worker
}

// CurrentOwner returns the outermost scheduler object of the calling
// flow (the IO scheduler when one is running), or nil.
func CurrentOwner() any {
	slot := concurrency.PeekSlot()
	if slot == nil {
		return nil
	}
	return slot.Scheduler
}

// SetOwnerRef publishes owner as the flow-visible scheduler object.
// Must be called before Start.
func (s *Scheduler) SetOwnerRef(owner any) {
	s.owner = owner
	if s.useCaller && concurrency.GoID() == s.callerGoID {
		concurrency.CurrentSlot().Scheduler = owner
	}
}

// SetHooks overrides the idle body, the tickle behavior and the
// stopping predicate. Must be called before Start.
func (s *Scheduler) SetHooks(tickle func(), idle func(), stopping func() bool) {
	if tickle != nil {
		s.tickleFn = tickle
	}
	if idle != nil {
		s.idleFn = idle
	}
	if stopping != nil {
		s.stoppingFn = stopping
	}
}

// Workers returns the ids tasks may target.
func (s *Scheduler) Workers() []int {
	ids := make([]int, s.threads)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// Schedule appends a task. If the queue was empty, workers are tickled.
func (s *Scheduler) Schedule(t Task) error {
	if s.stopped.Load() {
		return api.ErrSchedulerStopped
	}
	if t.Fiber == nil && t.Fn == nil {
		return fmt.Errorf("scheduler: task carries neither fiber nor callable")
	}
	s.mu.Lock()
	needTickle := s.tasks.Length() == 0
	s.tasks.Add(t)
	s.mu.Unlock()
	if needTickle {
		s.tickleFn()
	}
	return nil
}

// Post schedules a callable on any worker (or a specific one).
func (s *Scheduler) Post(fn func(), worker int) error {
	return s.Schedule(Task{Fn: fn, Worker: worker})
}

// Dispatch schedules a fiber for resumption.
func (s *Scheduler) Dispatch(f *fiber.Fiber, worker int) error {
	return s.Schedule(Task{Fiber: f, Worker: worker})
}

// Start spawns the worker threads. Restarting a stopped scheduler is
// not supported.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	first := 0
	if s.useCaller {
		first = 1
	}
	for id := first; id < s.threads; id++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.run(id)
		}(id)
	}
	s.log.Info().Str("name", s.name).Int("threads", s.threads).
		Bool("use_caller", s.useCaller).Msg("scheduler started")
}

// Stop marks the scheduler stopping, wakes every worker, drains on the
// caller when it participates, and joins the spawned workers. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	if !s.stopSet.CompareAndSwap(false, true) {
		s.wg.Wait()
		return
	}
	for i := 0; i < s.threads; i++ {
		s.tickleFn()
	}
	if s.callerFiber != nil && s.callerFiber.State() != fiber.StateTerm {
		s.callerFiber.SetOwner(s.owner, s.hookEnabled)
		s.callerFiber.SetWorker(0)
		s.callerFiber.Resume()
	}
	s.wg.Wait()
	s.stopped.Store(true)
	s.log.Info().Str("name", s.name).Msg("scheduler stopped")
}

// BaseStopping is the base stopping predicate: stop requested, queue
// empty, no worker mid-task.
func (s *Scheduler) BaseStopping() bool {
	s.mu.Lock()
	empty := s.tasks.Length() == 0
	s.mu.Unlock()
	return s.stopSet.Load() && empty && s.active.Load() == 0
}

// Stopping reports the effective stopping predicate.
func (s *Scheduler) Stopping() bool { return s.stoppingFn() }

// HasIdle reports whether any worker is parked in its idle fiber.
func (s *Scheduler) HasIdle() bool { return s.idleN.Load() > 0 }

// IdleCount returns the number of idle workers.
func (s *Scheduler) IdleCount() int64 { return s.idleN.Load() }

// take removes the first queued task eligible for worker id. It reports
// whether other workers must be tickled because a task targeting them
// was skipped. The remaining tasks keep their insertion order.
func (s *Scheduler) take(id int) (Task, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickle bool
	n := s.tasks.Length()
	for i := 0; i < n; i++ {
		t := s.tasks.Remove().(Task)
		if t.Worker == AnyWorker || t.Worker == id {
			// Rotate the unexamined tail behind the skipped tasks so the
			// queue is back in insertion order.
			for j := i + 1; j < n; j++ {
				s.tasks.Add(s.tasks.Remove())
			}
			s.active.Add(1)
			return t, true, tickle
		}
		tickle = true
		s.tasks.Add(t)
	}
	return Task{}, false, tickle
}

// execute runs one task on worker id. Callable tasks are wrapped in a
// recycled fiber; a fiber that merely yielded stays alive for whoever
// parked it, a terminated one goes back to the pool.
func (s *Scheduler) execute(t Task, id int) {
	defer s.active.Add(-1)
	if t.Fiber != nil {
		if t.Fiber.State() == fiber.StateTerm {
			return
		}
		t.Fiber.SetOwner(s.owner, s.hookEnabled)
		t.Fiber.SetWorker(id)
		t.Fiber.Resume()
		return
	}
	f := s.fpool.Get()
	if f == nil {
		f = fiber.New(t.Fn, fiber.WithStackSize(s.stackSize))
	} else {
		f.Reset(t.Fn)
	}
	f.SetOwner(s.owner, s.hookEnabled)
	f.SetWorker(id)
	f.Resume()
	if f.State() == fiber.StateTerm {
		s.fpool.Put(f)
	}
}

// run is the worker loop.
func (s *Scheduler) run(id int) {
	if err := concurrency.PinCurrentThread(pinTarget(s.pinWorkers, id)); err != nil {
		s.log.Warn().Err(err).Int("worker", id).Msg("cpu pinning failed")
	}
	defer concurrency.UnpinCurrentThread()

	slot := concurrency.CurrentSlot()
	slot.Scheduler = s.owner
	slot.Worker = id
	root := fiber.Root()
	fiber.SetSchedulerFiber(root)
	s.log.Debug().Int("worker", id).Msg("worker enter")

	idleF := fiber.New(s.idleLoop)
	for {
		t, found, tickleOthers := s.take(id)
		if tickleOthers {
			s.tickleFn()
		}
		if found {
			s.execute(t, id)
			continue
		}
		if idleF.State() == fiber.StateTerm {
			break
		}
		s.idleN.Add(1)
		idleF.SetOwner(s.owner, false)
		idleF.SetWorker(id)
		idleF.Resume()
		s.idleN.Add(-1)
	}

	s.log.Debug().Int("worker", id).Msg("worker exit")
	if !s.useCaller || id != 0 {
		concurrency.ClearSlot()
	}
}

// idleLoop is the body of each worker's idle fiber. The base behavior
// naps briefly between yields; the IO scheduler substitutes its reactor
// wait via SetHooks.
func (s *Scheduler) idleLoop() {
	self := fiber.Current()
	for !s.stoppingFn() {
		s.idleFn()
		self.Yield()
	}
}

func pinTarget(pin bool, id int) int {
	if !pin {
		return -1
	}
	return id
}

// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package fiber implements the runtime's user-space execution contexts.
// A Fiber owns a dedicated goroutine parked on an unbuffered handoff
// pair; Resume transfers control into the fiber, Yield transfers it
// back to the resumer. At most one side runs at any instant, which
// preserves the swap discipline of a stackful coroutine: no preemption,
// no migration mid-run, suspension only at explicit points.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/fiberloop/internal/concurrency"
)

// State is the fiber execution state.
type State int32

const (
	// StateReady means the fiber can be resumed.
	StateReady State = iota
	// StateRunning means the fiber currently owns a worker.
	StateRunning
	// StateTerm means the body returned; only Reset may revive it.
	StateTerm
)

// String returns the state name for logs and panics.
func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateTerm:
		return "TERM"
	}
	return "UNKNOWN"
}

// DefaultStackSize is the stack reserved for a fiber body.
const DefaultStackSize = 128 * 1024

var (
	fiberID    atomic.Uint64
	fiberCount atomic.Int64
)

// NextID reports the id the next fiber will receive.
func NextID() uint64 { return fiberID.Load() + 1 }

// Count reports the number of live (non-TERM) fibers.
func Count() int64 { return fiberCount.Load() }

// Fiber is a resumable execution context.
type Fiber struct {
	id             uint64
	state          atomic.Int32
	stackSize      int
	runInScheduler bool

	body func()

	// Unbuffered handoff pair. A READY fiber is always parked receiving
	// on resumeCh; the resumer blocks on yieldCh until control returns.
	resumeCh chan struct{}
	yieldCh  chan struct{}

	started bool
	root    bool

	// mu serializes competing Resume attempts. Yield runs inside the
	// fiber itself and needs no lock.
	mu sync.Mutex

	// slot is the body goroutine's local-storage slot, published by the
	// trampoline so the resumer can refresh scheduler context while the
	// fiber is parked.
	slot   *concurrency.Slot
	sched  any
	hook   bool
	worker int
}

// Option configures fiber creation.
type Option func(*Fiber)

// WithStackSize overrides the default stack reservation.
func WithStackSize(n int) Option {
	return func(f *Fiber) {
		if n > 0 {
			f.stackSize = n
		}
	}
}

// WithRunInScheduler marks whether the fiber yields back to a scheduler
// loop (true, the default) or to the thread's root context. Under the
// handoff model the destination is already whoever blocked in Resume;
// the attribute records that intent rather than selecting a target.
func WithRunInScheduler(v bool) Option {
	return func(f *Fiber) { f.runInScheduler = v }
}

// New creates a READY fiber wrapping body.
func New(body func(), opts ...Option) *Fiber {
	if body == nil {
		panic("fiber: nil body")
	}
	f := &Fiber{
		id:             fiberID.Add(1),
		stackSize:      DefaultStackSize,
		runInScheduler: true,
		body:           body,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
		worker:         -1,
	}
	for _, o := range opts {
		o(f)
	}
	f.state.Store(int32(StateReady))
	fiberCount.Add(1)
	return f
}

// ID returns the fiber's unique id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current execution state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// StackSize returns the stack reservation the fiber was created with.
func (f *Fiber) StackSize() int { return f.stackSize }

// RunInScheduler reports the configured yield target.
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

// IsRoot reports whether the fiber stands for a flow's native context.
func (f *Fiber) IsRoot() bool { return f.root }

// SetOwner records the scheduler context and hook flag the body
// goroutine observes on its next run. Must be called only while the
// fiber is not RUNNING.
func (f *Fiber) SetOwner(sched any, hookEnabled bool) {
	f.sched = sched
	f.hook = hookEnabled
}

// SetWorker records the worker id the fiber runs on next.
func (f *Fiber) SetWorker(id int) { f.worker = id }

// Resume transfers control into the fiber. Precondition: READY.
// Returns when the fiber yields or terminates. Competing resumers are
// serialized on the fiber mutex: a party that scheduled the fiber while
// it was still finishing its run waits for the yield, and a fiber that
// terminated meanwhile is skipped.
func (f *Fiber) Resume() {
	if f.root {
		panic("fiber: resume on root fiber")
	}
	f.mu.Lock()
	switch s := f.State(); s {
	case StateTerm:
		f.mu.Unlock()
		return
	case StateReady:
	default:
		f.mu.Unlock()
		panic(fmt.Sprintf("fiber: resume id=%d in state %s", f.id, s))
	}
	f.state.Store(int32(StateRunning))
	if !f.started {
		f.started = true
		go f.trampoline()
	} else if f.slot != nil {
		// Parked goroutine: refresh its scheduler context before it runs.
		f.slot.Scheduler = f.sched
		f.slot.HookEnabled = f.hook
		f.slot.Worker = f.worker
	}
	f.resumeCh <- struct{}{}
	<-f.yieldCh
	f.mu.Unlock()
}

// Yield suspends the fiber and returns control to the resumer.
// Precondition: RUNNING (the trampoline performs the TERM yield itself).
func (f *Fiber) Yield() {
	if f.root {
		panic("fiber: yield on root fiber")
	}
	if s := f.State(); s != StateRunning {
		panic(fmt.Sprintf("fiber: yield id=%d in state %s", f.id, s))
	}
	f.state.Store(int32(StateReady))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	f.state.Store(int32(StateRunning))
}

// Reset rebinds a new body onto a TERM fiber, reusing its identity and
// handoff channels. The fiber becomes READY again.
func (f *Fiber) Reset(body func()) {
	if body == nil {
		panic("fiber: reset with nil body")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.State(); s != StateTerm {
		panic(fmt.Sprintf("fiber: reset id=%d in state %s", f.id, s))
	}
	f.body = body
	f.started = false
	f.slot = nil
	f.state.Store(int32(StateReady))
	fiberCount.Add(1)
}

// trampoline runs on the fiber's own goroutine. It waits for the first
// resume, binds goroutine-local state, runs the body and performs the
// terminal yield. The body reference is dropped before that final yield
// so a TERM fiber does not pin its task.
func (f *Fiber) trampoline() {
	<-f.resumeCh
	growStack(f.stackSize)
	slot := concurrency.CurrentSlot()
	slot.Fiber = f
	slot.Scheduler = f.sched
	slot.HookEnabled = f.hook
	slot.Worker = f.worker
	f.slot = slot

	body := f.body
	body()

	f.body = nil
	f.state.Store(int32(StateTerm))
	fiberCount.Add(-1)
	concurrency.ClearSlot()
	f.yieldCh <- struct{}{}
}

// growStack pre-extends the goroutine stack so the body starts on a
// stack at least as large as the fiber's reservation, mirroring the
// fixed private stack of the creation contract.
//
//go:noinline
func growStack(size int) {
	if size <= 0 {
		return
	}
	var pad [16 * 1024]byte
	_ = pad
	growStack(size - len(pad))
}

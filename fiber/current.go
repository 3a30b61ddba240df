// File: fiber/current.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-flow fiber bookkeeping: the current fiber, the root fiber that
// stands for a flow's native context, and the scheduler fiber override.

package fiber

import (
	"github.com/momentics/fiberloop/internal/concurrency"
)

// Current returns the running fiber of the calling flow. On a flow with
// no fiber yet, a root fiber is materialized on first call: it stands
// for the native context and is permanently RUNNING.
func Current() *Fiber {
	slot := concurrency.CurrentSlot()
	if f, ok := slot.Fiber.(*Fiber); ok && f != nil {
		return f
	}
	root := newRoot()
	slot.Fiber = root
	slot.Root = root
	return root
}

// Root returns the calling flow's root fiber, materializing it if needed.
func Root() *Fiber {
	slot := concurrency.CurrentSlot()
	if f, ok := slot.Root.(*Fiber); ok && f != nil {
		return f
	}
	root := newRoot()
	slot.Root = root
	if slot.Fiber == nil {
		slot.Fiber = root
	}
	return root
}

// SetSchedulerFiber records the calling flow's scheduler context, the
// place run-in-scheduler fibers return to when they yield. Workers
// publish their loop context here on entry; the handoff pairing makes
// the return automatic, so this is bookkeeping for introspection.
func SetSchedulerFiber(f *Fiber) {
	concurrency.CurrentSlot().SchedFiber = f
}

// SchedulerFiber returns the calling flow's scheduler fiber, or nil.
func SchedulerFiber() *Fiber {
	slot := concurrency.PeekSlot()
	if slot == nil {
		return nil
	}
	f, _ := slot.SchedFiber.(*Fiber)
	return f
}

// newRoot builds the fiber representing a flow's native context.
func newRoot() *Fiber {
	f := &Fiber{
		id:   fiberID.Add(1),
		root: true,
	}
	f.state.Store(int32(StateRunning))
	return f
}

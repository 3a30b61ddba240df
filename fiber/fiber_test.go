// File: fiber/fiber_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fiber_test

import (
	"testing"

	"github.com/momentics/fiberloop/fiber"
)

func TestFiberLifecycle(t *testing.T) {
	var steps []string
	f := fiber.New(func() {
		steps = append(steps, "first")
		fiber.Current().Yield()
		steps = append(steps, "second")
	})

	if got := f.State(); got != fiber.StateReady {
		t.Fatalf("new fiber state = %v, want READY", got)
	}

	f.Resume()
	if got := f.State(); got != fiber.StateReady {
		t.Fatalf("state after yield = %v, want READY", got)
	}
	if len(steps) != 1 || steps[0] != "first" {
		t.Fatalf("steps after first resume: %v", steps)
	}

	f.Resume()
	if got := f.State(); got != fiber.StateTerm {
		t.Fatalf("state after completion = %v, want TERM", got)
	}
	if len(steps) != 2 || steps[1] != "second" {
		t.Fatalf("steps after second resume: %v", steps)
	}
}

func TestFiberReset(t *testing.T) {
	ran := 0
	f := fiber.New(func() { ran++ })
	f.Resume()
	if f.State() != fiber.StateTerm {
		t.Fatalf("fiber not TERM after body return")
	}

	f.Reset(func() { ran += 10 })
	if f.State() != fiber.StateReady {
		t.Fatalf("fiber not READY after reset")
	}
	f.Resume()
	if ran != 11 {
		t.Fatalf("ran = %d, want 11", ran)
	}
}

func TestResumeTermIsNoop(t *testing.T) {
	f := fiber.New(func() {})
	f.Resume()
	// A fiber scheduled twice may be TERM by the time the second
	// resumer gets to it; that resume must be a silent no-op.
	f.Resume()
	if f.State() != fiber.StateTerm {
		t.Fatalf("state = %v, want TERM", f.State())
	}
}

func TestCurrentInsideFiber(t *testing.T) {
	var inside *fiber.Fiber
	f := fiber.New(func() { inside = fiber.Current() })
	f.Resume()
	if inside != f {
		t.Fatalf("Current() inside body = %p, want %p", inside, f)
	}
}

func TestCurrentMaterializesRoot(t *testing.T) {
	a := fiber.Current()
	if !a.IsRoot() {
		t.Fatalf("Current() outside fibers should be a root fiber")
	}
	if a.State() != fiber.StateRunning {
		t.Fatalf("root fiber state = %v, want RUNNING", a.State())
	}
	if b := fiber.Current(); b != a {
		t.Fatalf("root fiber not stable across calls")
	}
}

func TestSmallStackRunsModestBody(t *testing.T) {
	out := 0
	f := fiber.New(func() {
		var sum int
		for i := 0; i < 1024; i++ {
			sum += i
		}
		out = sum
	}, fiber.WithStackSize(16*1024))
	f.Resume()
	if out != 1023*1024/2 {
		t.Fatalf("body result = %d", out)
	}
}

func TestIDsAreUnique(t *testing.T) {
	a := fiber.New(func() {})
	b := fiber.New(func() {})
	if a.ID() == b.ID() {
		t.Fatalf("fiber ids collide: %d", a.ID())
	}
	a.Resume()
	b.Resume()
}

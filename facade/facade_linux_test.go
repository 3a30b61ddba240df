//go:build linux
// +build linux

// File: facade/facade_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Test the full Runtime lifecycle, including explicit Stop().

package facade_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/fiberloop/facade"
)

func TestRuntimeFullLifecycle(t *testing.T) {
	rt, err := facade.New(facade.DefaultConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var executed atomic.Bool
	if err := rt.Submit(func() { executed.Store(true) }); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !executed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("submitted task did not execute")
		}
		time.Sleep(time.Millisecond)
	}

	if m := rt.Metrics(); m == nil {
		t.Error("Metrics() returned nil")
	}

	rt.Stop()
	rt.Stop() // explicit double-stop must be safe
}

func TestRuntimeTimers(t *testing.T) {
	rt, err := facade.New(&facade.Config{Workers: 1, Name: "timers"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Stop()

	var oneShot atomic.Bool
	rt.After(20, func() { oneShot.Store(true) })

	var ticks atomic.Int64
	every := rt.Every(10, func() { ticks.Add(1) })

	deadline := time.Now().Add(2 * time.Second)
	for !(oneShot.Load() && ticks.Load() >= 3) {
		if time.Now().After(deadline) {
			t.Fatalf("timers lagging: oneShot=%v ticks=%d", oneShot.Load(), ticks.Load())
		}
		time.Sleep(time.Millisecond)
	}
	if !every.Cancel() {
		t.Error("Cancel() on live recurring timer = false")
	}
}

func TestImmediateCancelSuppressesBody(t *testing.T) {
	rt, err := facade.New(&facade.Config{Workers: 1, Name: "cancel-race"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Stop()

	var fired atomic.Bool
	tm := rt.After(50, func() { fired.Store(true) })
	if !tm.Cancel() {
		t.Fatal("Cancel() on fresh timer = false")
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled timer body ran")
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := facade.New(&facade.Config{Workers: 0}); err == nil {
		t.Fatal("New() accepted zero workers")
	}
}

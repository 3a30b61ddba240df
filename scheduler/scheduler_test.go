// File: scheduler/scheduler_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/fiberloop/api"
	"github.com/momentics/fiberloop/fiber"
	"github.com/momentics/fiberloop/scheduler"
)

func TestCallableExecution(t *testing.T) {
	s := scheduler.New(2, false, "exec-test")
	s.Start()

	var done atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Post(func() { done.Add(1) }, scheduler.AnyWorker))
	}
	require.Eventually(t, func() bool { return done.Load() == 10 },
		2*time.Second, time.Millisecond)
	s.Stop()
}

func TestWorkerAffinity(t *testing.T) {
	s := scheduler.New(4, false, "affinity-test")
	s.Start()

	workers := s.Workers()
	require.Len(t, workers, 4)

	ran := make([]atomic.Int64, len(workers))
	var done atomic.Int64
	for _, id := range workers {
		id := id
		require.NoError(t, s.Post(func() {
			ran[id].Store(int64(scheduler.CurrentWorker()))
			done.Add(1)
		}, id))
	}
	require.Eventually(t, func() bool { return done.Load() == int64(len(workers)) },
		2*time.Second, time.Millisecond)
	for _, id := range workers {
		require.Equal(t, int64(id), ran[id].Load(),
			"task pinned to worker %d ran elsewhere", id)
	}
	s.Stop()
}

func TestFiberTaskYieldAndResume(t *testing.T) {
	s := scheduler.New(1, false, "fiber-test")
	s.Start()

	phase := make(chan int, 2)
	f := fiber.New(func() {
		phase <- 1
		fiber.Current().Yield()
		phase <- 2
	})

	require.NoError(t, s.Dispatch(f, scheduler.AnyWorker))
	select {
	case v := <-phase:
		require.Equal(t, 1, v)
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never reached first phase")
	}

	require.Eventually(t, func() bool { return f.State() == fiber.StateReady },
		2*time.Second, time.Millisecond)
	require.NoError(t, s.Dispatch(f, scheduler.AnyWorker))
	select {
	case v := <-phase:
		require.Equal(t, 2, v)
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never completed")
	}
	s.Stop()
}

func TestStackSizeReachesTaskFibers(t *testing.T) {
	s := scheduler.New(1, false, "stack-test",
		scheduler.WithStackSize(64*1024))
	s.Start()

	var got atomic.Int64
	var done atomic.Bool
	require.NoError(t, s.Post(func() {
		got.Store(int64(fiber.Current().StackSize()))
		done.Store(true)
	}, scheduler.AnyWorker))
	require.Eventually(t, done.Load, 2*time.Second, time.Millisecond)
	require.Equal(t, int64(64*1024), got.Load())
	s.Stop()
}

func TestUseCallerDrainsOnStop(t *testing.T) {
	s := scheduler.New(1, true, "caller-test")
	s.Start()

	var done atomic.Int64
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Post(func() { done.Add(1) }, scheduler.AnyWorker))
	}
	// No spawned workers: nothing runs until the caller drains.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(0), done.Load())

	s.Stop()
	require.Equal(t, int64(3), done.Load())
}

func TestScheduleAfterStop(t *testing.T) {
	s := scheduler.New(1, false, "stopped-test")
	s.Start()
	s.Stop()
	err := s.Post(func() {}, scheduler.AnyWorker)
	require.ErrorIs(t, err, api.ErrSchedulerStopped)
}

func TestHasIdle(t *testing.T) {
	s := scheduler.New(2, false, "idle-test")
	s.Start()
	require.Eventually(t, func() bool { return s.HasIdle() },
		2*time.Second, time.Millisecond)
	s.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	s := scheduler.New(2, false, "double-stop")
	s.Start()
	s.Stop()
	s.Stop()
}

// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package hook re-expresses blocking syscalls as fiber suspension. Each
// operation first attempts the raw non-blocking call; on EAGAIN it arms
// a readiness event (plus an optional conditional timeout timer) with
// the current IO scheduler and yields. The reactor resumes the fiber on
// readiness, timeout or cancellation, and the operation retries.
//
// The layer is gated by a per-flow enable flag. Disabled, every
// operation delegates straight to the raw syscall.
package hook

import (
	"runtime"
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberloop/api"
	"github.com/momentics/fiberloop/fdctx"
	"github.com/momentics/fiberloop/fiber"
	"github.com/momentics/fiberloop/internal/concurrency"
	"github.com/momentics/fiberloop/iosched"
	"github.com/momentics/fiberloop/timer"
)

// Enable turns the hook on for the calling flow.
func Enable() { concurrency.CurrentSlot().HookEnabled = true }

// Disable turns the hook off for the calling flow.
func Disable() { concurrency.CurrentSlot().HookEnabled = false }

// Enabled reports the calling flow's hook state.
func Enabled() bool {
	slot := concurrency.PeekSlot()
	return slot != nil && slot.HookEnabled
}

// opState is the per-operation timeout record shared between a parked
// operation and its conditional timer. The timer holds the sentinel
// weakly: once the operation completes and drops the state, a late
// timer fire skips the body.
type opState struct {
	cancelled int32
	sentinel  *timer.Sentinel
}

// Sleep parks the current fiber for the given number of seconds.
// Returns 0 on resumption, matching the syscall convention.
func Sleep(seconds uint32) uint32 {
	sleepMs(uint64(seconds) * 1000)
	return 0
}

// Usleep parks the current fiber for usec microseconds.
func Usleep(usec uint64) int {
	sleepMs((usec + 999) / 1000)
	return 0
}

// Nanosleep parks the current fiber for the given duration.
func Nanosleep(d time.Duration) error {
	if d < 0 {
		return unix.EINVAL
	}
	sleepMs(uint64((d + time.Millisecond - 1) / time.Millisecond))
	return nil
}

// sleepMs converts the sleep into a timer that reschedules the current
// fiber, then yields. Without an enabled hook or an IO scheduler the
// call blocks the flow directly.
func sleepMs(ms uint64) {
	mgr := iosched.Current()
	if !Enabled() || mgr == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	f := fiber.Current()
	if f.IsRoot() {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	mgr.Add(ms, func() {
		_ = mgr.Dispatch(f, -1)
	}, false)
	f.Yield()
}

// doIO is the common transformation for descriptor I/O in direction
// dir. raw performs one attempt of the underlying non-blocking call.
func doIO(fd int, dir api.Event, raw func() (int, error)) (int, error) {
	if !Enabled() {
		return raw()
	}
	ctx := fdctx.Global().Get(fd, false)
	if ctx == nil {
		return raw()
	}
	if ctx.Closed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return raw()
	}
	timeoutMs := ctx.Timeout(dir)

	for {
		n, err := raw()
		for err == unix.EINTR {
			n, err = raw()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		mgr := iosched.Current()
		f := fiber.Current()
		if mgr == nil || f.IsRoot() {
			// Not on a runtime flow; surface the non-blocking result.
			return n, err
		}

		var (
			state *opState
			tm    *timer.Timer
		)
		if timeoutMs != fdctx.NoTimeout {
			state = &opState{sentinel: timer.NewSentinel()}
			// The timer body holds the state weakly: once this
			// operation completes and drops it, a late fire must not
			// cancel an unrelated operation on a reused descriptor.
			wp := weak.Make(state)
			tm = mgr.AddConditional(timeoutMs, func() {
				st := wp.Value()
				if st == nil {
					return
				}
				atomic.StoreInt32(&st.cancelled, int32(unix.ETIMEDOUT))
				mgr.CancelEvent(fd, dir)
			}, state.sentinel, false)
		}

		if aerr := mgr.AddEvent(fd, dir, nil); aerr != nil {
			if tm != nil {
				tm.Cancel()
			}
			return -1, aerr
		}
		f.Yield()

		if tm != nil {
			tm.Cancel()
		}
		if state != nil {
			cancelled := atomic.LoadInt32(&state.cancelled)
			runtime.KeepAlive(state)
			if cancelled != 0 {
				return -1, unix.Errno(cancelled)
			}
		}
		// Readiness reported; retry the raw operation.
	}
}

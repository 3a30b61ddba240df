//go:build linux
// +build linux

// File: internal/concurrency/pin_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pure-Go CPU pinning for worker threads via sched_setaffinity.

package concurrency

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and
// binds that thread to the given CPU. cpu < 0 locks the thread without
// restricting placement.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// UnpinCurrentThread releases the thread lock. A CPU affinity mask set by
// PinCurrentThread is not reset and stays on the OS thread.
func UnpinCurrentThread() {
	runtime.UnlockOSThread()
}

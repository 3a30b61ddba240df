//go:build !linux
// +build !linux

// File: internal/concurrency/pin_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// No-op pinning for platforms without sched_setaffinity.

package concurrency

import "runtime"

// PinCurrentThread locks the goroutine to its thread; placement is left
// to the OS scheduler.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	return nil
}

// UnpinCurrentThread releases the thread lock.
func UnpinCurrentThread() {
	runtime.UnlockOSThread()
}

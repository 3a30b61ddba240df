// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error values used across the fiberloop library.

package api

import "fmt"

var (
	// ErrNotSupported indicates the platform lacks a required facility.
	ErrNotSupported = fmt.Errorf("operation not supported on this platform")
	// ErrSchedulerStopped indicates a task was submitted after Stop.
	ErrSchedulerStopped = fmt.Errorf("scheduler is stopped")
	// ErrEventExists indicates an event slot for (fd, event) is already armed.
	ErrEventExists = fmt.Errorf("event already registered for descriptor")
	// ErrEventNotFound indicates no armed slot matched (fd, event).
	ErrEventNotFound = fmt.Errorf("event not registered for descriptor")
	// ErrFdNotFound indicates the descriptor has no runtime context.
	ErrFdNotFound = fmt.Errorf("no context for descriptor")
)

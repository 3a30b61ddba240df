// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package api defines the shared contracts of the fiberloop runtime:
// readiness event bits, the reactor demultiplexer and notifier surfaces,
// and the common error values used across packages.
package api

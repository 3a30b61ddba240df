// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package pool provides the runtime's reuse primitives: a fixed-capacity
// ring buffer for the reactor's callable batches and a generic object
// pool used to recycle terminated fibers.
package pool

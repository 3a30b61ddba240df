// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package concurrency holds the runtime's goroutine-local storage and
// OS-thread pinning helpers shared by the fiber and scheduler layers.
package concurrency

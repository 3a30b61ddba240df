// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness-notification facility backing
// the IO scheduler: an edge-triggered epoll demultiplexer and an eventfd
// wakeup notifier on Linux, with stubs elsewhere.
package reactor

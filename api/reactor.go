// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral readiness demultiplexer and cross-thread wakeup
// contracts. Linux binds these to epoll(7) and eventfd(2).

package api

// Ready is one readiness report produced by a Demux wait.
type Ready struct {
	// FD is the descriptor that became ready.
	FD int
	// Events holds the readiness bits observed (EventRead/EventWrite).
	Events Event
	// ErrHup is set when the kernel reported an error or hangup
	// condition; the caller folds it into whatever interest is armed.
	ErrHup bool
}

// Demux registers descriptors for edge-triggered readiness notification
// and waits for events with a millisecond timeout.
type Demux interface {
	// Add registers fd for the given interest set.
	Add(fd int, events Event) error

	// Mod replaces the interest set of an already registered fd.
	Mod(fd int, events Event) error

	// Del removes fd from the interest set entirely.
	Del(fd int) error

	// Wait blocks up to timeoutMs (-1 blocks indefinitely) and fills out
	// with ready descriptors, returning the count. EINTR is surfaced to
	// the caller so the wait loop can retry with a recomputed timeout.
	Wait(out []Ready, timeoutMs int) (int, error)

	// Close releases the underlying facility.
	Close() error
}

// Notifier is a counter-based wakeup descriptor used to interrupt a
// blocking Demux wait from another thread.
type Notifier interface {
	// FD returns the wakeup descriptor so it can be registered with a Demux.
	FD() int

	// Notify adds one to the counter, waking a blocked waiter.
	Notify() error

	// Drain consumes all accumulated counts.
	Drain() error

	// Close releases the descriptor.
	Close() error
}

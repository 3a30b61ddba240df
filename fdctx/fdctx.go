// File: fdctx/fdctx.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package fdctx tracks per-descriptor runtime state: socket-ness, the
// user-visible and kernel-level non-blocking flags, per-direction
// timeouts, and the two readiness event slots the IO scheduler arms.
package fdctx

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberloop/api"
	"github.com/momentics/fiberloop/fiber"
)

// NoTimeout is the per-direction timeout sentinel meaning "infinite".
const NoTimeout = ^uint64(0)

// TaskScheduler is the slice of scheduler behavior an event slot needs
// to wake its party.
type TaskScheduler interface {
	Post(fn func(), worker int) error
	Dispatch(f *fiber.Fiber, worker int) error
}

// EventSlot carries the party waiting on one readiness direction: the
// scheduler that registered it and either a fiber or a callable.
type EventSlot struct {
	Scheduler TaskScheduler
	Fiber     *fiber.Fiber
	Fn        func()
}

// Armed reports whether a party occupies the slot.
func (s *EventSlot) Armed() bool { return s.Fiber != nil || s.Fn != nil }

// Clear empties the slot without waking anyone.
func (s *EventSlot) Clear() {
	s.Scheduler = nil
	s.Fiber = nil
	s.Fn = nil
}

// FdContext is the runtime metadata of one descriptor. All mutable
// state is guarded by Mu; the IO scheduler holds it across slot
// transitions.
type FdContext struct {
	Mu sync.Mutex

	fd          int
	initialized bool
	isSocket    bool
	closed      bool
	sysNonblock bool

	userNonblock bool
	recvTimeout  uint64
	sendTimeout  uint64

	// Events mirrors exactly which slots are armed.
	Events api.Event
	Read   EventSlot
	Write  EventSlot
}

func newFdContext(fd int) *FdContext {
	c := &FdContext{
		fd:          fd,
		recvTimeout: NoTimeout,
		sendTimeout: NoTimeout,
	}
	c.init()
	return c
}

// init probes the descriptor. Sockets are switched to kernel-level
// non-blocking so interposed I/O can suspend instead of blocking the
// worker thread.
func (c *FdContext) init() {
	if c.initialized {
		return
	}
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return
	}
	c.initialized = true
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		return
	}
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	if flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	c.sysNonblock = true
}

// FD returns the descriptor value.
func (c *FdContext) FD() int { return c.fd }

// Initialized reports whether the probe succeeded.
func (c *FdContext) Initialized() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.initialized
}

// IsSocket reports whether the descriptor is a socket.
func (c *FdContext) IsSocket() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.isSocket
}

// Closed reports whether the descriptor was closed through the hook.
func (c *FdContext) Closed() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.closed
}

// SetClosed marks the descriptor closed.
func (c *FdContext) SetClosed() {
	c.Mu.Lock()
	c.closed = true
	c.Mu.Unlock()
}

// SysNonblock reports the kernel-level non-blocking flag.
func (c *FdContext) SysNonblock() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.sysNonblock
}

// SetSysNonblock records the kernel-level non-blocking flag.
func (c *FdContext) SetSysNonblock(v bool) {
	c.Mu.Lock()
	c.sysNonblock = v
	c.Mu.Unlock()
}

// UserNonblock reports the non-blocking intent the user expressed.
func (c *FdContext) UserNonblock() bool {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the user's non-blocking intent.
func (c *FdContext) SetUserNonblock(v bool) {
	c.Mu.Lock()
	c.userNonblock = v
	c.Mu.Unlock()
}

// Timeout returns the per-direction timeout in ms for a readiness
// direction (EventRead maps to the receive timeout).
func (c *FdContext) Timeout(dir api.Event) uint64 {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if dir == api.EventRead {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// SetTimeout stores the per-direction timeout in ms.
func (c *FdContext) SetTimeout(dir api.Event, ms uint64) {
	c.Mu.Lock()
	if dir == api.EventRead {
		c.recvTimeout = ms
	} else {
		c.sendTimeout = ms
	}
	c.Mu.Unlock()
}

// Slot returns the event slot for one direction. Callers hold Mu.
func (c *FdContext) Slot(dir api.Event) *EventSlot {
	switch dir {
	case api.EventRead:
		return &c.Read
	case api.EventWrite:
		return &c.Write
	}
	panic("fdctx: slot for invalid event " + dir.String())
}

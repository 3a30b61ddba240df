//go:build linux
// +build linux

// File: reactor/notifier_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// eventfd(2)-based wakeup notifier. Writes are idempotent with respect
// to wake semantics; the reactor drains the whole counter on each wake.

package reactor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberloop/api"
)

// eventfdNotifier implements api.Notifier over an eventfd counter.
type eventfdNotifier struct {
	fd int
}

// NewNotifier creates a non-blocking, close-on-exec eventfd.
func NewNotifier() (api.Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &eventfdNotifier{fd: fd}, nil
}

// FD returns the wakeup descriptor.
func (n *eventfdNotifier) FD() int { return n.fd }

// Notify adds one to the counter.
func (n *eventfdNotifier) Notify() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(n.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// Counter saturated; the pending wake is already observable.
			return nil
		}
		return err
	}
}

// Drain consumes all accumulated counts.
func (n *eventfdNotifier) Drain() error {
	var buf [8]byte
	for {
		_, err := unix.Read(n.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close releases the descriptor.
func (n *eventfdNotifier) Close() error {
	return unix.Close(n.fd)
}

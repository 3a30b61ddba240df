//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7)-based demultiplexer. Registrations are edge-triggered:
// the reactor wants exactly one scheduling per readiness transition, so
// a descriptor whose pending party has not consumed its data yet must
// not re-fire.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberloop/api"
)

// epollDemux implements api.Demux using Linux epoll.
type epollDemux struct {
	epfd int
}

// NewDemux constructs the platform demultiplexer for Linux. maxEvents
// is retained for the contract but the wait buffer is caller-provided,
// so concurrent waits from several workers stay independent.
func NewDemux(maxEvents int) (api.Demux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollDemux{epfd: epfd}, nil
}

// kernelMask translates the interest bitmask into epoll bits, always
// edge-triggered.
func kernelMask(events api.Event) uint32 {
	mask := uint32(unix.EPOLLET)
	if events.Has(api.EventRead) {
		mask |= unix.EPOLLIN
	}
	if events.Has(api.EventWrite) {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Add registers fd with the given interest set.
func (d *epollDemux) Add(fd int, events api.Event) error {
	ev := unix.EpollEvent{Events: kernelMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Mod replaces the interest set of a registered fd.
func (d *epollDemux) Mod(fd int, events api.Event) error {
	ev := unix.EpollEvent{Events: kernelMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Del removes fd from the interest set.
func (d *epollDemux) Del(fd int) error {
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks up to timeoutMs and translates ready epoll events into
// api.Ready entries. EINTR is returned to the caller: the reactor loop
// retries with a recomputed timer deadline.
func (d *epollDemux) Wait(out []api.Ready, timeoutMs int) (int, error) {
	raw := make([]unix.EpollEvent, len(out))
	n, err := unix.EpollWait(d.epfd, raw, timeoutMs)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := raw[i]
		var events api.Event
		if ev.Events&unix.EPOLLIN != 0 {
			events |= api.EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			events |= api.EventWrite
		}
		out[i] = api.Ready{
			FD:     int(ev.Fd),
			Events: events,
			ErrHup: ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
	}
	return n, nil
}

// Close releases the epoll instance.
func (d *epollDemux) Close() error {
	return unix.Close(d.epfd)
}

// File: hook/fdflags.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Interposed descriptor-flag operations. The runtime forces sockets
// non-blocking at the kernel level; these entry points preserve the
// user's mental model of the O_NONBLOCK bit regardless.

package hook

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/fiberloop/api"
	"github.com/momentics/fiberloop/fdctx"
)

// Fcntl interposes F_GETFL and F_SETFL; other commands pass through.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		if Enabled() {
			if ctx := fdctx.Global().Get(fd, false); ctx != nil && !ctx.Closed() && ctx.IsSocket() {
				ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
				if ctx.SysNonblock() {
					arg |= unix.O_NONBLOCK
				} else {
					arg &^= unix.O_NONBLOCK
				}
			}
		}
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return flags, err
		}
		if Enabled() {
			if ctx := fdctx.Global().Get(fd, false); ctx != nil && !ctx.Closed() && ctx.IsSocket() {
				if ctx.UserNonblock() {
					flags |= unix.O_NONBLOCK
				} else {
					flags &^= unix.O_NONBLOCK
				}
			}
		}
		return flags, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// IoctlNonblock interposes FIONBIO: the argument updates the user
// intent, the kernel call passes through.
func IoctlNonblock(fd int, nonblocking bool) error {
	if Enabled() {
		if ctx := fdctx.Global().Get(fd, false); ctx != nil && !ctx.Closed() && ctx.IsSocket() {
			ctx.SetUserNonblock(nonblocking)
			nonblocking = ctx.SysNonblock()
		}
	}
	v := 0
	if nonblocking {
		v = 1
	}
	return unix.IoctlSetPointerInt(fd, fionbio, v)
}

// fionbio is the Linux ioctl request number for setting O_NONBLOCK via
// ioctl; not exported by golang.org/x/sys/unix in this module's pinned
// version, so it is restated here (see asm-generic/ioctls.h).
const fionbio = 0x5421

// SetsockoptTimeval interposes SO_RCVTIMEO/SO_SNDTIMEO: the duration is
// recorded as the per-direction timeout, then forwarded to the kernel.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if Enabled() && level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) && tv != nil {
		if ctx := fdctx.Global().Get(fd, false); ctx != nil {
			ms := uint64(tv.Sec)*1000 + uint64(tv.Usec)/1000
			if ms == 0 {
				ms = fdctx.NoTimeout
			}
			dir := api.EventRead
			if opt == unix.SO_SNDTIMEO {
				dir = api.EventWrite
			}
			ctx.SetTimeout(dir, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// SetsockoptInt passes through.
func SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// GetsockoptInt passes through.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// SetRecvTimeout records the receive timeout in ms on the descriptor's
// runtime context and mirrors it to the kernel option.
func SetRecvTimeout(fd int, ms uint64) error {
	return setDirTimeout(fd, unix.SO_RCVTIMEO, ms)
}

// SetSendTimeout records the send timeout in ms.
func SetSendTimeout(fd int, ms uint64) error {
	return setDirTimeout(fd, unix.SO_SNDTIMEO, ms)
}

func setDirTimeout(fd, opt int, ms uint64) error {
	tv := unix.NsecToTimeval(int64(ms) * int64(1_000_000))
	return SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv)
}

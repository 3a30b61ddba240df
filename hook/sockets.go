// File: hook/sockets.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Interposed socket operations: creation, connect, accept and the
// recv/send families.

package hook

import (
	"runtime"
	"sync/atomic"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberloop/api"
	"github.com/momentics/fiberloop/fdctx"
	"github.com/momentics/fiberloop/fiber"
	"github.com/momentics/fiberloop/iosched"
	"github.com/momentics/fiberloop/timer"
)

// Socket creates a socket and, with the hook enabled, registers its
// runtime context so later operations are interposable.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	if Enabled() {
		fdctx.Global().Get(fd, true)
	}
	return fd, nil
}

// Connect performs an interposed connect using the runtime's default
// connect timeout, infinite when none is configured.
func Connect(fd int, sa unix.Sockaddr) error {
	timeoutMs := fdctx.NoTimeout
	if mgr := iosched.Current(); mgr != nil {
		timeoutMs = mgr.ConnectTimeoutMs()
	}
	return ConnectWithTimeout(fd, sa, timeoutMs)
}

// ConnectWithTimeout connects, suspending the fiber until the socket
// becomes writable, the timeout elapses or the attempt is cancelled.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeoutMs uint64) error {
	if !Enabled() {
		return unix.Connect(fd, sa)
	}
	ctx := fdctx.Global().Get(fd, false)
	if ctx == nil {
		return unix.Connect(fd, sa)
	}
	if ctx.Closed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(fd, sa)
	}
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	mgr := iosched.Current()
	f := fiber.Current()
	if mgr == nil || f.IsRoot() {
		return unix.EINPROGRESS
	}

	var (
		state *opState
		tm    *timer.Timer
	)
	if timeoutMs != fdctx.NoTimeout {
		state = &opState{sentinel: timer.NewSentinel()}
		wp := weak.Make(state)
		tm = mgr.AddConditional(timeoutMs, func() {
			st := wp.Value()
			if st == nil {
				return
			}
			atomic.StoreInt32(&st.cancelled, int32(unix.ETIMEDOUT))
			mgr.CancelEvent(fd, api.EventWrite)
		}, state.sentinel, false)
	}

	if aerr := mgr.AddEvent(fd, api.EventWrite, nil); aerr != nil {
		if tm != nil {
			tm.Cancel()
		}
		return aerr
	}
	f.Yield()

	if tm != nil {
		tm.Cancel()
	}
	if state != nil {
		cancelled := atomic.LoadInt32(&state.cancelled)
		runtime.KeepAlive(state)
		if cancelled != 0 {
			return unix.Errno(cancelled)
		}
	}

	soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Accept suspends until a connection is pending on the listener. The
// accepted descriptor gets a runtime context so operations on it are
// themselves interposable.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, api.EventRead, func() (int, error) {
		n, a, e := unix.Accept(fd)
		if e == nil {
			sa = a
		}
		return n, e
	})
	if err == nil && nfd >= 0 && Enabled() {
		fdctx.Global().Get(nfd, true)
	}
	return nfd, sa, err
}

// Read reads into p, suspending on EAGAIN.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, api.EventRead, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv performs a vectored read, suspending on EAGAIN.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, api.EventRead, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives with flags, suspending on EAGAIN.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, api.EventRead, func() (int, error) {
		n, _, e := unix.Recvfrom(fd, p, flags)
		return n, e
	})
}

// Recvfrom receives along with the source address.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, api.EventRead, func() (int, error) {
		n, a, e := unix.Recvfrom(fd, p, flags)
		if e == nil {
			from = a
		}
		return n, e
	})
	return n, from, err
}

// Recvmsg receives a message with ancillary data.
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(fd, api.EventRead, func() (int, error) {
		var e error
		n, oobn, recvflags, from, e = unix.Recvmsg(fd, p, oob, flags)
		return n, e
	})
	return n, oobn, recvflags, from, err
}

// Write writes p, suspending on EAGAIN.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, api.EventWrite, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev performs a vectored write, suspending on EAGAIN.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, api.EventWrite, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends with flags, suspending on EAGAIN. Routed through the
// sendmsg wrapper because it reports the actual byte count, so a short
// write on a stream socket surfaces to the caller.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, api.EventWrite, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	})
}

// Sendto sends to an explicit address, suspending on EAGAIN.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, api.EventWrite, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// Sendmsg sends a message with ancillary data, suspending on EAGAIN.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, api.EventWrite, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close cancels any parked parties on the descriptor, drops its runtime
// context and closes it.
func Close(fd int) error {
	if Enabled() {
		if ctx := fdctx.Global().Get(fd, false); ctx != nil {
			if mgr := iosched.Current(); mgr != nil {
				mgr.CancelAll(fd)
			}
			ctx.SetClosed()
			fdctx.Global().Remove(fd)
		}
	}
	return unix.Close(fd)
}

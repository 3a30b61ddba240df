//go:build linux
// +build linux

// File: hook/hook_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end scenarios for the interposition layer over a live runtime.

package hook_test

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/momentics/fiberloop/api"
	"github.com/momentics/fiberloop/control"
	"github.com/momentics/fiberloop/facade"
	"github.com/momentics/fiberloop/fdctx"
	"github.com/momentics/fiberloop/hook"
)

func newRuntime(t *testing.T, workers int) *facade.Runtime {
	t.Helper()
	rt, err := facade.New(&facade.Config{
		Workers:    workers,
		Name:       t.Name(),
		EnableHook: true,
		Runtime:    control.DefaultConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(rt.Stop)
	return rt
}

func loopbackSockaddr(t *testing.T, port int) *unix.SockaddrInet4 {
	t.Helper()
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], net.ParseIP("127.0.0.1").To4())
	return sa
}

// Interposed sleep parks the fiber without blocking its worker.
func TestSleepParksFiberNotWorker(t *testing.T) {
	rt := newRuntime(t, 1)

	var (
		sideRan      atomic.Bool
		ranDuringNap atomic.Bool
		elapsed      atomic.Int64
	)
	done := make(chan struct{})
	require.NoError(t, rt.Submit(func() {
		start := time.Now()
		hook.Usleep(100_000)
		elapsed.Store(int64(time.Since(start)))
		ranDuringNap.Store(sideRan.Load())
		close(done)
	}))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rt.Submit(func() { sideRan.Store(true) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper never woke")
	}
	d := time.Duration(elapsed.Load())
	require.GreaterOrEqual(t, d, 100*time.Millisecond)
	require.Less(t, d, 250*time.Millisecond)
	require.True(t, ranDuringNap.Load(),
		"single worker should have served another task while the sleeper was parked")
}

// Connect, send and receive against a live echo peer.
func TestConnectSendRecv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write([]byte("HELLO"))
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	rt := newRuntime(t, 2)
	type result struct {
		n   int
		buf string
		err error
	}
	res := make(chan result, 1)
	require.NoError(t, rt.Submit(func() {
		fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			res <- result{err: err}
			return
		}
		defer hook.Close(fd)
		if err := hook.Connect(fd, loopbackSockaddr(t, port)); err != nil {
			res <- result{err: fmt.Errorf("connect: %w", err)}
			return
		}
		if _, err := hook.Send(fd, []byte("PING"), 0); err != nil {
			res <- result{err: fmt.Errorf("send: %w", err)}
			return
		}
		buf := make([]byte, 16)
		n, err := hook.Recv(fd, buf, 0)
		if err != nil {
			res <- result{err: fmt.Errorf("recv: %w", err)}
			return
		}
		res <- result{n: n, buf: string(buf[:n])}
	}))

	select {
	case r := <-res:
		require.NoError(t, r.err)
		require.Equal(t, 5, r.n)
		require.Equal(t, "HELLO", r.buf)
	case <-time.After(5 * time.Second):
		t.Fatal("client fiber never finished")
	}
}

// Send must report the kernel's actual byte count, so a large transfer
// driven by its return values lands intact even across short writes.
func TestSendReportsActualCount(t *testing.T) {
	const total = 1 << 20

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := make(chan int, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		n, _ := io.Copy(io.Discard, conn)
		received <- int(n)
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	rt := newRuntime(t, 2)
	sent := make(chan int, 1)
	require.NoError(t, rt.Submit(func() {
		fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			sent <- -1
			return
		}
		// A small send buffer forces short writes on the way through.
		_ = hook.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 8*1024)
		if err := hook.Connect(fd, loopbackSockaddr(t, port)); err != nil {
			hook.Close(fd)
			sent <- -1
			return
		}
		payload := make([]byte, 64*1024)
		n := 0
		for n < total {
			chunk := payload
			if rest := total - n; rest < len(chunk) {
				chunk = chunk[:rest]
			}
			w, err := hook.Send(fd, chunk, 0)
			if err != nil || w <= 0 {
				break
			}
			n += w
		}
		hook.Close(fd)
		sent <- n
	}))

	select {
	case n := <-sent:
		require.Equal(t, total, n, "send loop lost track of written bytes")
	case <-time.After(10 * time.Second):
		t.Fatal("sender never finished")
	}
	select {
	case n := <-received:
		require.Equal(t, total, n, "receiver saw a different byte count")
	case <-time.After(10 * time.Second):
		t.Fatal("receiver never finished")
	}
}

// A listener callback accepts and re-arms itself; every accepted
// descriptor gets an interposable context.
func TestAcceptDispatch(t *testing.T) {
	const clients = 100

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
	require.NoError(t, unix.Bind(lfd, loopbackSockaddr(t, 0)))
	require.NoError(t, unix.Listen(lfd, 256))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	rt := newRuntime(t, 2)
	mgr := rt.Manager()

	// The listener context forces the descriptor non-blocking.
	require.True(t, fdctx.Global().Get(lfd, true).IsSocket())
	defer fdctx.Global().Remove(lfd)
	defer unix.Close(lfd)

	var (
		mu       sync.Mutex
		accepted = make(map[int]bool)
		badCtx   atomic.Bool
	)
	var arm func()
	arm = func() {
		// Re-arm before draining so an edge arriving mid-drain is not lost.
		_ = mgr.AddEvent(lfd, api.EventRead, arm)
		for {
			nfd, _, err := unix.Accept(lfd)
			if err != nil {
				break
			}
			c := fdctx.Global().Get(nfd, true)
			if c == nil || !c.IsSocket() {
				badCtx.Store(true)
			}
			mu.Lock()
			accepted[nfd] = true
			mu.Unlock()
		}
	}
	arm()

	var g errgroup.Group
	conns := make(chan net.Conn, clients)
	for i := 0; i < clients; i++ {
		g.Go(func() error {
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				return err
			}
			conns <- conn
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(accepted) == clients
	}, 5*time.Second, 5*time.Millisecond)
	require.False(t, badCtx.Load(), "accepted fd without a socket context")

	mgr.DelEvent(lfd, api.EventRead)
	close(conns)
	for conn := range conns {
		conn.Close()
	}
	mu.Lock()
	for nfd := range accepted {
		fdctx.Global().Remove(nfd)
		unix.Close(nfd)
	}
	mu.Unlock()
}

// A receive timeout configured via SO_RCVTIMEO surfaces as ETIMEDOUT.
func TestRecvTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	hold := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		<-hold
		conn.Close()
	}()
	defer close(hold)
	port := ln.Addr().(*net.TCPAddr).Port

	rt := newRuntime(t, 1)
	type result struct {
		err     error
		elapsed time.Duration
	}
	res := make(chan result, 1)
	require.NoError(t, rt.Submit(func() {
		fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			res <- result{err: err}
			return
		}
		defer hook.Close(fd)
		if err := hook.Connect(fd, loopbackSockaddr(t, port)); err != nil {
			res <- result{err: err}
			return
		}
		if err := hook.SetRecvTimeout(fd, 50); err != nil {
			res <- result{err: err}
			return
		}
		buf := make([]byte, 8)
		start := time.Now()
		_, err = hook.Recv(fd, buf, 0)
		res <- result{err: err, elapsed: time.Since(start)}
	}))

	select {
	case r := <-res:
		require.ErrorIs(t, r.err, unix.ETIMEDOUT)
		require.GreaterOrEqual(t, r.elapsed, 50*time.Millisecond)
		require.Less(t, r.elapsed, 250*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("recv never timed out")
	}
}

// Closing a descriptor through the hook wakes a parked reader with EBADF.
func TestCloseWakesParkedReader(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	fdctx.Global().Get(fds[0], true)
	rt := newRuntime(t, 2)

	readErr := make(chan error, 1)
	require.NoError(t, rt.Submit(func() {
		buf := make([]byte, 8)
		_, err := hook.Read(fds[0], buf)
		readErr <- err
	}))

	// Give the reader time to park, then close underneath it.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, rt.Submit(func() {
		hook.Close(fds[0])
	}))

	select {
	case err := <-readErr:
		require.ErrorIs(t, err, unix.EBADF)
	case <-time.After(2 * time.Second):
		t.Fatal("parked reader never woke after close")
	}
}

// F_GETFL preserves the user's O_NONBLOCK model while the kernel fd
// stays non-blocking.
func TestFcntlNonblockModel(t *testing.T) {
	rt := newRuntime(t, 1)

	type result struct {
		userBefore bool
		userAfter  bool
		kernel     bool
		err        error
	}
	res := make(chan result, 1)
	require.NoError(t, rt.Submit(func() {
		fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			res <- result{err: err}
			return
		}
		defer hook.Close(fd)

		flags, err := hook.Fcntl(fd, unix.F_GETFL, 0)
		if err != nil {
			res <- result{err: err}
			return
		}
		userBefore := flags&unix.O_NONBLOCK != 0

		if _, err := hook.Fcntl(fd, unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			res <- result{err: err}
			return
		}
		flags, err = hook.Fcntl(fd, unix.F_GETFL, 0)
		if err != nil {
			res <- result{err: err}
			return
		}
		raw, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		res <- result{
			userBefore: userBefore,
			userAfter:  flags&unix.O_NONBLOCK != 0,
			kernel:     raw&unix.O_NONBLOCK != 0,
			err:        err,
		}
	}))

	select {
	case r := <-res:
		require.NoError(t, r.err)
		require.False(t, r.userBefore, "fresh socket should look blocking to the user")
		require.True(t, r.userAfter, "user-set O_NONBLOCK lost")
		require.True(t, r.kernel, "kernel fd must stay non-blocking")
	case <-time.After(2 * time.Second):
		t.Fatal("fcntl fiber never finished")
	}
}

func TestEnableFlagScope(t *testing.T) {
	require.False(t, hook.Enabled(), "hook enabled by default")
	hook.Enable()
	require.True(t, hook.Enabled())
	hook.Disable()
	require.False(t, hook.Enabled())
}

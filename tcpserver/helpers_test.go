//go:build linux

package tcpserver

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberinferno/go-reactor/eventloop"
	"github.com/cyberinferno/go-reactor/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const waitFor = 5 * time.Second

// startLoop runs a loop on its own goroutine until the test ends.
func startLoop(t *testing.T) *eventloop.EventLoop {
	t.Helper()

	loop, err := eventloop.New(eventloop.WithName(t.Name()), eventloop.WithPollTimeout(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("loop did not stop")
		}
		assert.NoError(t, loop.Close())
	})

	runSync(t, loop, func() {})

	return loop
}

// runSync runs fn on the loop goroutine and waits for it.
func runSync(t *testing.T, loop *eventloop.EventLoop, fn func()) {
	t.Helper()

	done := make(chan struct{})
	loop.RunInLoop(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("loop task did not run")
	}
}

// fakeRegistry removes connections the way TCPServer does and records them.
type fakeRegistry struct {
	loop    *eventloop.EventLoop
	removed chan *TCPConnection
}

func newFakeRegistry(loop *eventloop.EventLoop) *fakeRegistry {
	return &fakeRegistry{loop: loop, removed: make(chan *TCPConnection, 16)}
}

func (r *fakeRegistry) Loop() *eventloop.EventLoop { return r.loop }

func (r *fakeRegistry) RemoveConnection(conn *TCPConnection) {
	r.loop.AssertInLoopThread()
	r.removed <- conn
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}

func (r *fakeRegistry) waitRemoved(t *testing.T) *TCPConnection {
	t.Helper()

	select {
	case conn := <-r.removed:
		return conn
	case <-time.After(waitFor):
		t.Fatal("connection was not removed")
		return nil
	}
}

// newConnPair returns a connection over one end of a socketpair and the
// other end, blocking with a receive timeout, as the peer. The connection is
// destroyed when the test ends.
func newConnPair(t *testing.T, loop *eventloop.EventLoop, reg Registry, log logger.Logger) (*TCPConnection, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	peer := fds[1]
	require.NoError(t, unix.SetNonblock(peer, false))
	setRecvTimeout(t, peer, waitFor)
	t.Cleanup(func() { _ = unix.Close(peer) })

	conn := NewTCPConnection(reg, loop, fds[0], "test#"+t.Name(), nil, nil, log)

	t.Cleanup(func() {
		runSync(t, loop, func() {
			if !conn.established.Load() {
				conn.connectDestroyed()
				return
			}
			conn.ForceClose()
		})
		assert.Eventually(t, func() bool {
			return conn.State() == StateDestroyed
		}, waitFor, 5*time.Millisecond)
	})

	return conn, peer
}

func establish(t *testing.T, conn *TCPConnection) {
	t.Helper()
	runSync(t, conn.Loop(), conn.connectEstablished)
}

func setRecvTimeout(t *testing.T, fd int, d time.Duration) {
	t.Helper()
	tv := unix.NsecToTimeval(d.Nanoseconds())
	require.NoError(t, unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv))
}

func setSendBuffer(t *testing.T, fd, size int) {
	t.Helper()
	require.NoError(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size))
}

// readN reads exactly n bytes from a blocking fd.
func readN(t *testing.T, fd, n int) []byte {
	t.Helper()

	out := make([]byte, 0, n)
	buf := make([]byte, 64*1024)
	for len(out) < n {
		m, err := unix.Read(fd, buf[:min(len(buf), n-len(out))])
		require.NoError(t, err)
		require.NotZero(t, m, "unexpected EOF after %d of %d bytes", len(out), n)
		out = append(out, buf[:m]...)
	}

	return out
}

// readToEOF reads from a blocking fd until the peer stops sending.
func readToEOF(t *testing.T, fd int) []byte {
	t.Helper()

	var out []byte
	buf := make([]byte, 64*1024)
	for {
		m, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			require.NoError(t, err)
		}
		if m == 0 {
			return out
		}
		out = append(out, buf[:m]...)
	}
}

// assertNothingToRead checks that fd has no pending bytes.
func assertNothingToRead(t *testing.T, fd int) {
	t.Helper()

	var buf [16]byte
	n, _, err := unix.Recvfrom(fd, buf[:], unix.MSG_DONTWAIT)
	assert.ErrorIs(t, err, unix.EAGAIN, "unexpected %d bytes: %q", n, buf[:max(n, 0)])
}

// countShutdowns counts half-close syscalls until the test ends.
func countShutdowns(t *testing.T) *atomic.Int32 {
	t.Helper()

	var n atomic.Int32
	orig := shutdownWrite
	shutdownWrite = func(fd int) error {
		n.Add(1)
		return orig(fd)
	}
	t.Cleanup(func() { shutdownWrite = orig })

	return &n
}

// syncBuffer is a bytes.Buffer safe for the loop and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

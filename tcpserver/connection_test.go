//go:build linux

package tcpserver

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberinferno/go-reactor/buffer"
	"github.com/cyberinferno/go-reactor/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('a' + i%26)
	}
	return p
}

// assertWriteInterestMatchesOutput checks, on the loop, that writable
// interest is on exactly when output is queued.
func assertWriteInterestMatchesOutput(t *testing.T, conn *TCPConnection) {
	t.Helper()

	runSync(t, conn.Loop(), func() {
		assert.Equal(t, conn.outputBuffer.ReadableBytes() > 0, conn.channel.IsWriting(),
			"queued=%d writing=%v", conn.outputBuffer.ReadableBytes(), conn.channel.IsWriting())
	})
}

func TestTCPConnection_Lifecycle(t *testing.T) {
	loop := startLoop(t)
	reg := newFakeRegistry(loop)
	conn, peer := newConnPair(t, loop, reg, nil)

	var mu sync.Mutex
	var seen []bool
	conn.SetConnectionCallback(func(c *TCPConnection) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c.Connected())
	})

	assert.Equal(t, StatePending, conn.State())
	assert.False(t, conn.Disconnected())

	establish(t, conn)
	assert.Equal(t, StateActive, conn.State())
	assert.True(t, conn.Connected())
	assert.False(t, conn.Stats().EstablishedAt.IsZero())

	require.NoError(t, unix.Close(peer))
	removed := reg.waitRemoved(t)
	assert.Same(t, conn, removed)

	require.Eventually(t, func() bool { return conn.State() == StateDestroyed }, waitFor, 5*time.Millisecond)
	assert.True(t, conn.Disconnected())
	assert.False(t, conn.Stats().ClosedAt.IsZero())

	// Give any stray second removal a chance to show up.
	runSync(t, loop, func() {})
	assert.Empty(t, reg.removed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen, "callback fires once up and once down")
}

func TestTCPConnection_Send_Ordering(t *testing.T) {
	loop := startLoop(t)

	t.Run("on loop", func(t *testing.T) {
		conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
		establish(t, conn)

		runSync(t, loop, func() {
			conn.Send([]byte("A"))
			conn.SendString("B")
			buf := buffer.New()
			buf.AppendString("C")
			conn.SendBuffer(buf)
			assert.Zero(t, buf.ReadableBytes())
		})

		assert.Equal(t, "ABC", string(readN(t, peer, 3)))
	})

	t.Run("from one goroutine", func(t *testing.T) {
		conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
		establish(t, conn)

		conn.Send([]byte("A"))
		conn.SendString("B")
		buf := buffer.New()
		buf.AppendString("C")
		conn.SendBuffer(buf)
		assert.Zero(t, buf.ReadableBytes())

		assert.Equal(t, "ABC", string(readN(t, peer, 3)))
	})

	t.Run("buffered and direct writes keep order", func(t *testing.T) {
		conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
		setSendBuffer(t, conn.fd, 4096)
		establish(t, conn)

		big := payload(256 * 1024)
		runSync(t, loop, func() {
			conn.Send(big)
			assert.True(t, conn.channel.IsWriting())
		})
		conn.SendString("tail")

		got := readN(t, peer, len(big)+4)
		assert.True(t, bytes.Equal(big, got[:len(big)]))
		assert.Equal(t, "tail", string(got[len(big):]))
	})
}

func TestTCPConnection_Send_CrossGoroutinePing(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
	establish(t, conn)

	conn.Send([]byte("ping"))

	assert.Equal(t, "ping", string(readN(t, peer, 4)))
	runSync(t, loop, func() {})
	assertNothingToRead(t, peer)
	assertWriteInterestMatchesOutput(t, conn)
	assert.Equal(t, uint64(4), conn.Stats().BytesWritten)
}

func TestTCPConnection_Send_WhenNotConnected(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)

	conn.Send([]byte("early"))
	conn.SendString("early")
	establish(t, conn)
	runSync(t, loop, func() {})

	assertNothingToRead(t, peer)
}

func TestTCPConnection_Send_LargePayloadDrains(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
	setSendBuffer(t, conn.fd, 4096)
	establish(t, conn)

	const size = 2 * 1024 * 1024
	data := payload(size)

	runSync(t, loop, func() {
		conn.Send(data)
		queued := conn.outputBuffer.ReadableBytes()
		assert.Greater(t, queued, 0, "kernel should not take 2 MiB at once")
		assert.Less(t, queued, size, "direct write should take a first chunk")
		assert.True(t, conn.channel.IsWriting())
	})

	received := make(chan []byte, 1)
	go func() { received <- readN(t, peer, size) }()

	stop := make(chan struct{})
	var checks sync.WaitGroup
	checks.Add(1)
	go func() {
		defer checks.Done()
		for {
			select {
			case <-stop:
				return
			default:
				assertWriteInterestMatchesOutput(t, conn)
			}
		}
	}()

	select {
	case got := <-received:
		assert.True(t, bytes.Equal(data, got), "payload corrupted")
	case <-time.After(waitFor):
		t.Fatal("payload not delivered")
	}
	close(stop)
	checks.Wait()

	require.Eventually(t, func() bool {
		var drained bool
		runSync(t, loop, func() {
			drained = conn.outputBuffer.ReadableBytes() == 0 && !conn.channel.IsWriting()
		})
		return drained
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(size), conn.Stats().BytesWritten)
}

func TestTCPConnection_Shutdown_DefersUntilDrained(t *testing.T) {
	shutdowns := countShutdowns(t)
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
	setSendBuffer(t, conn.fd, 4096)
	establish(t, conn)

	data := payload(512 * 1024)
	runSync(t, loop, func() {
		conn.Send(data)
		conn.Shutdown()

		assert.Greater(t, conn.outputBuffer.ReadableBytes(), 0)
		assert.Zero(t, shutdowns.Load(), "half-close must wait for queued output")
		assert.Equal(t, StateClosing, conn.State())
	})

	got := readToEOF(t, peer)
	assert.True(t, bytes.Equal(data, got), "all %d queued bytes arrive before EOF, got %d", len(data), len(got))
	assert.Equal(t, int32(1), shutdowns.Load())
	assert.Equal(t, StateClosed, conn.State())
	assertWriteInterestMatchesOutput(t, conn)
}

func TestTCPConnection_Shutdown_EmptyOutputIsImmediate(t *testing.T) {
	shutdowns := countShutdowns(t)
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
	establish(t, conn)

	runSync(t, loop, conn.Shutdown)

	assert.Equal(t, int32(1), shutdowns.Load())
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, readToEOF(t, peer))
}

func TestTCPConnection_Shutdown_ClosedStillReads(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)

	got := make(chan string, 1)
	conn.SetMessageCallback(func(_ *TCPConnection, buf *buffer.Buffer, _ time.Time) {
		got <- buf.RetrieveAllAsString()
	})
	establish(t, conn)

	runSync(t, loop, conn.Shutdown)
	assert.Empty(t, readToEOF(t, peer))
	assert.Equal(t, StateClosed, conn.State())
	runSync(t, loop, func() { assert.True(t, conn.channel.IsReading()) })

	_, err := unix.Write(peer, []byte("late"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "late", msg)
	case <-time.After(waitFor):
		t.Fatal("half-closed connection stopped reading")
	}
}

func TestTCPConnection_Shutdown_Idempotent(t *testing.T) {
	shutdowns := countShutdowns(t)
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
	establish(t, conn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Shutdown()
		}()
	}
	wg.Wait()
	runSync(t, loop, conn.Shutdown)

	assert.Equal(t, int32(1), shutdowns.Load())

	conn.Send([]byte("late"))
	runSync(t, loop, func() {})
	assert.Empty(t, readToEOF(t, peer))
	assert.Equal(t, int32(1), shutdowns.Load())
}

func TestTCPConnection_Shutdown_BeforeEstablish(t *testing.T) {
	shutdowns := countShutdowns(t)
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)

	conn.Shutdown()
	runSync(t, loop, func() {})
	assert.Zero(t, shutdowns.Load())
	assert.Equal(t, StatePending, conn.State())

	establish(t, conn)
	assert.Equal(t, int32(1), shutdowns.Load())
	assert.Empty(t, readToEOF(t, peer))
}

func TestTCPConnection_PeerEOFDiscardsQueuedOutput(t *testing.T) {
	shutdowns := countShutdowns(t)
	loop := startLoop(t)
	reg := newFakeRegistry(loop)
	conn, peer := newConnPair(t, loop, reg, nil)
	setSendBuffer(t, conn.fd, 4096)
	establish(t, conn)

	runSync(t, loop, func() {
		conn.Send(payload(256 * 1024))
		conn.Send(payload(50))
		assert.Greater(t, conn.outputBuffer.ReadableBytes(), 50)
	})

	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
	reg.waitRemoved(t)

	runSync(t, loop, func() {
		assert.Zero(t, conn.outputBuffer.ReadableBytes(), "queued output is discarded")
		assert.False(t, conn.channel.IsWriting())
		assert.False(t, conn.Connected())
	})
	assert.Zero(t, shutdowns.Load(), "abrupt close does not half-close")
	assert.Contains(t, []State{StateClosed, StateDestroyed}, conn.State())
}

func TestTCPConnection_Send_WriteErrorDropsPayload(t *testing.T) {
	loop := startLoop(t)
	reg := newFakeRegistry(loop)
	out := &syncBuffer{}
	conn, peer := newConnPair(t, loop, reg, logger.NewWriterLogger(out, "test", zerolog.DebugLevel))
	establish(t, conn)

	// Without interest the loop cannot notice the peer going away, so the
	// next send is the first to find out.
	runSync(t, loop, conn.channel.DisableReading)
	require.NoError(t, unix.Close(peer))

	runSync(t, loop, func() {
		conn.Send(payload(100))

		assert.Zero(t, conn.outputBuffer.ReadableBytes(), "failed payload is not queued")
		assert.False(t, conn.channel.IsWriting())
		assert.True(t, conn.Connected(), "termination is left to the read path")
	})
	assert.Contains(t, out.String(), "write failed")
	assert.Empty(t, reg.removed)

	runSync(t, loop, conn.channel.EnableReading)
	assert.Same(t, conn, reg.waitRemoved(t))

	runSync(t, loop, func() {
		assert.Zero(t, conn.outputBuffer.ReadableBytes())
		assert.False(t, conn.channel.IsWriting())
		assert.False(t, conn.Connected())
	})
	assert.Empty(t, reg.removed, "removed exactly once")
}

func TestTCPConnection_HandleWrite_ErrorKeepsQueueUntilClose(t *testing.T) {
	loop := startLoop(t)
	reg := newFakeRegistry(loop)
	out := &syncBuffer{}
	conn, peer := newConnPair(t, loop, reg, logger.NewWriterLogger(out, "test", zerolog.DebugLevel))
	setSendBuffer(t, conn.fd, 4096)
	establish(t, conn)

	runSync(t, loop, func() {
		conn.Send(payload(256 * 1024))
		queued := conn.outputBuffer.ReadableBytes()
		assert.Positive(t, queued)
		assert.True(t, conn.channel.IsWriting())

		assert.NoError(t, unix.Close(peer))
		conn.handleWrite()

		assert.Equal(t, queued, conn.outputBuffer.ReadableBytes())
		assert.True(t, conn.channel.IsWriting())
	})
	assert.Contains(t, out.String(), "write failed")

	assert.Same(t, conn, reg.waitRemoved(t))
	runSync(t, loop, func() {
		assert.Zero(t, conn.outputBuffer.ReadableBytes(), "queued output is discarded")
		assert.False(t, conn.channel.IsWriting())
	})
	assert.Empty(t, reg.removed, "removed exactly once")
}

func TestTCPConnection_HandleRead_ErrorCloses(t *testing.T) {
	loop := startLoop(t)
	reg := newFakeRegistry(loop)
	out := &syncBuffer{}
	conn, peer := newConnPair(t, loop, reg, logger.NewWriterLogger(out, "test", zerolog.DebugLevel))

	var downs atomic.Int32
	conn.SetConnectionCallback(func(c *TCPConnection) {
		if !c.Connected() {
			downs.Add(1)
		}
	})
	establish(t, conn)

	runSync(t, loop, func() {
		// Closing a socket with unread data resets its peer.
		conn.SendString("never read")
		assert.NoError(t, unix.Close(peer))

		conn.handleRead(time.Now())

		assert.False(t, conn.Connected())
		assert.False(t, conn.channel.IsReading())
	})
	assert.Contains(t, out.String(), "read failed")

	assert.Same(t, conn, reg.waitRemoved(t))
	require.Eventually(t, func() bool { return conn.State() == StateDestroyed }, waitFor, 5*time.Millisecond)
	runSync(t, loop, func() {})
	assert.Empty(t, reg.removed, "removed exactly once")
	assert.Equal(t, int32(1), downs.Load())
}

func TestTCPConnection_ForceClose(t *testing.T) {
	loop := startLoop(t)
	reg := newFakeRegistry(loop)
	conn, peer := newConnPair(t, loop, reg, nil)
	establish(t, conn)

	conn.ForceClose()
	reg.waitRemoved(t)
	require.Eventually(t, func() bool { return conn.State() == StateDestroyed }, waitFor, 5*time.Millisecond)

	assert.Empty(t, readToEOF(t, peer))

	conn.ForceClose()
	runSync(t, loop, func() {})
	assert.Empty(t, reg.removed)
}

func TestTCPConnection_MessageCallback(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)

	var stamp atomic.Int64
	conn.SetMessageCallback(func(c *TCPConnection, buf *buffer.Buffer, receiveTime time.Time) {
		stamp.Store(receiveTime.UnixNano())
		if buf.FindCRLF() < 0 {
			return
		}
		c.Send(bytes.ToUpper(buf.RetrieveAllAsBytes()))
	})
	establish(t, conn)

	_, err := unix.Write(peer, []byte("hel"))
	require.NoError(t, err)
	_, err = unix.Write(peer, []byte("lo\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "HELLO\r\n", string(readN(t, peer, 7)))
	assert.NotZero(t, stamp.Load())
	assert.Equal(t, uint64(7), conn.Stats().BytesRead)
}

func TestTCPConnection_WriteCompleteAndHighWaterMark(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newConnPair(t, loop, newFakeRegistry(loop), nil)
	setSendBuffer(t, conn.fd, 4096)

	var completes, marks atomic.Int32
	var markQueued atomic.Int64
	conn.SetWriteCompleteCallback(func(*TCPConnection) { completes.Add(1) })
	conn.SetHighWaterMarkCallback(func(_ *TCPConnection, queued int) {
		marks.Add(1)
		markQueued.Store(int64(queued))
	}, 64*1024)
	establish(t, conn)

	t.Run("direct write completes", func(t *testing.T) {
		runSync(t, loop, func() { conn.Send([]byte("x")) })
		readN(t, peer, 1)
		require.Eventually(t, func() bool { return completes.Load() == 1 }, waitFor, 5*time.Millisecond)
	})

	t.Run("buffered write crosses the mark once", func(t *testing.T) {
		runSync(t, loop, func() {
			for i := 0; i < 8; i++ {
				conn.Send(payload(32 * 1024))
			}
		})
		runSync(t, loop, func() {})
		assert.Equal(t, int32(1), marks.Load())
		assert.GreaterOrEqual(t, markQueued.Load(), int64(64*1024))

		readN(t, peer, 8*32*1024)
		require.Eventually(t, func() bool { return completes.Load() == 2 }, waitFor, 5*time.Millisecond)
	})
}

func TestTCPConnection_HandleErrorOnlyLogs(t *testing.T) {
	loop := startLoop(t)
	out := &syncBuffer{}
	log := logger.NewWriterLogger(out, "test", zerolog.DebugLevel)
	conn, _ := newConnPair(t, loop, newFakeRegistry(loop), log)
	establish(t, conn)

	runSync(t, loop, conn.handleError)

	assert.True(t, conn.Connected())
	assert.True(t, strings.Contains(out.String(), "socket error"))
}

func TestTCPConnection_OffLoopAccessPanics(t *testing.T) {
	loop := startLoop(t)
	conn, _ := newConnPair(t, loop, newFakeRegistry(loop), nil)
	establish(t, conn)

	assert.Panics(t, func() { conn.sendInLoop([]byte("x")) })
	assert.Panics(t, func() { conn.handleRead(time.Now()) })
	assert.Panics(t, func() { conn.handleWrite() })
	assert.Panics(t, func() { conn.handleClose() })
	assert.Panics(t, func() { conn.shutdownInLoop() })
	assert.Panics(t, func() { conn.connectDestroyed() })
	assert.Panics(t, func() { conn.SetContext("x") })

	assert.True(t, conn.Connected(), "rejected calls leave the connection untouched")
}

func TestTCPConnection_ReleaseWhileRegisteredPanics(t *testing.T) {
	loop := startLoop(t)
	conn, _ := newConnPair(t, loop, newFakeRegistry(loop), nil)
	establish(t, conn)

	var recovered any
	runSync(t, loop, func() {
		defer func() { recovered = recover() }()
		conn.releaseFD()
	})

	require.NotNil(t, recovered)
	assert.Contains(t, recovered, "still registered")
	assert.NotEqual(t, StateDestroyed, conn.State())
}

func TestTCPConnection_Context(t *testing.T) {
	loop := startLoop(t)
	conn, _ := newConnPair(t, loop, newFakeRegistry(loop), nil)

	runSync(t, loop, func() {
		assert.Nil(t, conn.Context())
		conn.SetContext(42)
		assert.Equal(t, 42, conn.Context())
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
	assert.Equal(t, "unknown", State(99).String())
}

//go:build linux

package tcpserver

import (
	"errors"
	"net"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cyberinferno/go-reactor/buffer"
	"github.com/cyberinferno/go-reactor/eventloop"
	"github.com/cyberinferno/go-reactor/logger"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// DefaultHighWaterMark is the output queue size that triggers the
// high-water-mark callback when none is configured.
const DefaultHighWaterMark = 64 * 1024 * 1024

// ConnectionCallback runs twice per connection on its loop: once when it is
// established and once when it is destroyed. Check Connected to tell them
// apart.
type ConnectionCallback func(conn *TCPConnection)

// MessageCallback runs on the connection's loop after every successful read.
// It may consume any part of buf; the rest stays queued for the next call.
type MessageCallback func(conn *TCPConnection, buf *buffer.Buffer, receiveTime time.Time)

// WriteCompleteCallback runs after the output queue has been fully handed to
// the kernel.
type WriteCompleteCallback func(conn *TCPConnection)

// HighWaterMarkCallback runs when the output queue grows past the mark.
type HighWaterMarkCallback func(conn *TCPConnection, queued int)

// Stats is a snapshot of per-connection counters.
type Stats struct {
	BytesRead     uint64
	BytesWritten  uint64
	EstablishedAt time.Time
	ClosedAt      time.Time
}

// TCPConnection is one established socket bound to a single event loop.
//
// Send, SendString, SendBuffer, Shutdown and ForceClose may be called from
// any goroutine; they hand their work to the loop. Everything else that
// touches the socket, the buffers or the channel runs on the loop goroutine
// and asserts it. The connection owns its descriptor and closes it exactly
// once, after the channel has left the poller.
type TCPConnection struct {
	registry  Registry
	loop      *eventloop.EventLoop
	name      string
	fd        int
	localAddr net.Addr
	peerAddr  net.Addr
	logger    logger.Logger

	channel      *eventloop.Channel
	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	connected         atomic.Bool
	shutdownRequested atomic.Bool
	established       atomic.Bool
	destroyed         atomic.Bool
	closeHandled      bool
	released          bool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int

	context any

	bytesRead     atomic.Uint64
	bytesWritten  atomic.Uint64
	establishedAt atomic.Int64
	closedAt      atomic.Int64
}

// NewTCPConnection wraps an accepted, non-blocking descriptor. It binds the
// channel handlers and turns on keepalive and TCP_NODELAY; failures to set
// either are logged and otherwise ignored.
//
// Parameters:
//   - registry: Receives the connection back when it closes
//   - loop: The loop every handler runs on
//   - fd: The accepted socket, owned by the connection from now on
//   - name: Identifier used in logs and registry lookups
//   - local, peer: Endpoint addresses, may be nil
//   - log: Logger; nil discards output
func NewTCPConnection(
	registry Registry,
	loop *eventloop.EventLoop,
	fd int,
	name string,
	local, peer net.Addr,
	log logger.Logger,
) *TCPConnection {
	c := &TCPConnection{
		registry:           registry,
		loop:               loop,
		name:               name,
		fd:                 fd,
		localAddr:          local,
		peerAddr:           peer,
		logger:             logger.OrNop(log).With(logger.Field{Key: "conn", Value: name}, logger.Field{Key: "fd", Value: fd}),
		channel:            eventloop.NewChannel(loop, fd),
		inputBuffer:        buffer.New(),
		outputBuffer:       buffer.New(),
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		highWaterMark:      DefaultHighWaterMark,
	}

	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	for _, err := range applySockOpts(fd, connectionSockOpts) {
		c.logger.Warn("socket option not applied", logger.Err(err))
	}

	c.logger.Debug("connection created")

	return c
}

func defaultConnectionCallback(conn *TCPConnection) {
	state := "down"
	if conn.Connected() {
		state = "up"
	}
	conn.logger.Debug("connection "+state,
		logger.Field{Key: "local", Value: addrString(conn.localAddr)},
		logger.Field{Key: "peer", Value: addrString(conn.peerAddr)},
	)
}

func defaultMessageCallback(_ *TCPConnection, buf *buffer.Buffer, _ time.Time) {
	buf.RetrieveAll()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// SetConnectionCallback replaces the lifecycle callback. Call before the
// connection is established.
func (c *TCPConnection) SetConnectionCallback(cb ConnectionCallback) {
	if cb == nil {
		cb = defaultConnectionCallback
	}
	c.connectionCallback = cb
}

// SetMessageCallback replaces the message callback. Call before the
// connection is established.
func (c *TCPConnection) SetMessageCallback(cb MessageCallback) {
	if cb == nil {
		cb = defaultMessageCallback
	}
	c.messageCallback = cb
}

// SetWriteCompleteCallback installs cb to be queued each time the output
// queue has been fully written to the kernel. nil disables it.
func (c *TCPConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback installs cb to be queued whenever the output queue
// grows from below mark to mark or above. A non-positive mark keeps
// DefaultHighWaterMark.
func (c *TCPConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	if mark > 0 {
		c.highWaterMark = mark
	}
}

// Name returns the name the registry gave the connection.
func (c *TCPConnection) Name() string { return c.name }

// Loop returns the loop that owns the connection.
func (c *TCPConnection) Loop() *eventloop.EventLoop { return c.loop }

// LocalAddr returns the local address, or nil if unknown.
func (c *TCPConnection) LocalAddr() net.Addr { return c.localAddr }

// PeerAddr returns the remote address, or nil if unknown.
func (c *TCPConnection) PeerAddr() net.Addr { return c.peerAddr }

// Connected reports whether sends are still accepted.
func (c *TCPConnection) Connected() bool { return c.connected.Load() }

// Disconnected reports whether the connection was established and has since
// stopped accepting sends.
func (c *TCPConnection) Disconnected() bool {
	return c.established.Load() && !c.connected.Load()
}

// State derives the lifecycle stage from the connection flags. It is safe to
// call from any goroutine but may be stale by the time it returns.
func (c *TCPConnection) State() State {
	switch {
	case c.destroyed.Load():
		return StateDestroyed
	case !c.established.Load():
		return StatePending
	case c.connected.Load() && c.shutdownRequested.Load():
		return StateClosing
	case c.connected.Load():
		return StateActive
	default:
		return StateClosed
	}
}

// Stats returns the traffic counters and lifecycle timestamps.
func (c *TCPConnection) Stats() Stats {
	s := Stats{
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
	}
	if ns := c.establishedAt.Load(); ns != 0 {
		s.EstablishedAt = time.Unix(0, ns)
	}
	if ns := c.closedAt.Load(); ns != 0 {
		s.ClosedAt = time.Unix(0, ns)
	}
	return s
}

// SetContext attaches application data. Loop goroutine only.
func (c *TCPConnection) SetContext(ctx any) {
	c.loop.AssertInLoopThread()
	c.context = ctx
}

// Context returns the data set by SetContext. Loop goroutine only.
func (c *TCPConnection) Context() any {
	c.loop.AssertInLoopThread()
	return c.context
}

// Send queues data for the peer. It is a silent no-op once the connection no
// longer accepts sends. On the loop goroutine the data is written directly;
// elsewhere it is copied and the write runs later on the loop. Sends issued
// from one goroutine reach the peer in order.
func (c *TCPConnection) Send(data []byte) {
	if !c.connected.Load() {
		return
	}

	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}

	bb := bytebufferpool.Get()
	_, _ = bb.Write(data)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

// SendString is Send for a string.
func (c *TCPConnection) SendString(s string) {
	if !c.connected.Load() {
		return
	}

	if c.loop.IsInLoopThread() {
		// Read-only view: sendInLoop copies whatever it keeps.
		c.sendInLoop(unsafe.Slice(unsafe.StringData(s), len(s)))
		return
	}

	bb := bytebufferpool.Get()
	_, _ = bb.WriteString(s)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

// SendBuffer sends and drains every readable byte of buf. buf must not be
// used concurrently with the call.
func (c *TCPConnection) SendBuffer(buf *buffer.Buffer) {
	if !c.connected.Load() {
		return
	}

	if c.loop.IsInLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}

	data := buf.RetrieveAllAsBytes()
	c.loop.QueueInLoop(func() {
		c.sendInLoop(data)
	})
}

// sendInLoop tries one direct write when nothing is queued and buffers
// whatever the kernel did not take. EAGAIN is just a zero-byte write; any
// other write error drops the payload and leaves termination to the read
// path.
func (c *TCPConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()

	if !c.connected.Load() {
		c.logger.Warn("disconnected, give up writing", logger.Field{Key: "bytes", Value: len(data)})
		return
	}

	written := 0
	remaining := len(data)

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			written = n
			remaining -= n
			c.bytesWritten.Add(uint64(n))
			if remaining == 0 {
				c.queueWriteComplete()
			}
		case errors.Is(err, unix.EAGAIN):
		default:
			c.logger.Error("write failed", logger.Err(err), logger.Field{Key: "bytes", Value: remaining})
			return
		}
	}

	if remaining == 0 {
		return
	}

	queued := c.outputBuffer.ReadableBytes()
	if c.highWaterMarkCallback != nil && queued < c.highWaterMark && queued+remaining >= c.highWaterMark {
		cb, total := c.highWaterMarkCallback, queued+remaining
		c.loop.QueueInLoop(func() { cb(c, total) })
	}

	c.outputBuffer.Append(data[written:])
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

func (c *TCPConnection) queueWriteComplete() {
	if cb := c.writeCompleteCallback; cb != nil {
		c.loop.QueueInLoop(func() { cb(c) })
	}
}

// Shutdown closes the write side once every queued byte has been flushed.
// The first call wins; later calls do nothing. A shutdown requested before
// the connection is established takes effect right after establishment.
func (c *TCPConnection) Shutdown() {
	if !c.shutdownRequested.CompareAndSwap(false, true) {
		return
	}

	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *TCPConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()

	// Still flushing: handleWrite comes back here once the queue drains.
	if c.channel.IsWriting() {
		return
	}

	if !c.connected.Load() {
		return
	}

	c.connected.Store(false)
	if err := shutdownWrite(c.fd); err != nil {
		c.logger.Warn("shutdown write side failed", logger.Err(err))
		return
	}

	c.logger.Debug("write side shut down")
}

// ForceClose tears the connection down without draining queued output, as if
// the peer had closed it.
func (c *TCPConnection) ForceClose() {
	c.loop.RunInLoop(c.forceCloseInLoop)
}

func (c *TCPConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()

	if !c.established.Load() || c.closeHandled {
		return
	}

	c.handleClose()
}

// connectEstablished moves a pending connection to active, starts reading and
// fires the first lifecycle callback. Loop goroutine only.
func (c *TCPConnection) connectEstablished() {
	c.loop.AssertInLoopThread()

	if !c.established.CompareAndSwap(false, true) {
		return
	}

	c.establishedAt.Store(time.Now().UnixNano())
	c.connected.Store(true)
	c.channel.EnableReading()
	c.connectionCallback(c)

	if c.shutdownRequested.Load() {
		c.shutdownInLoop()
	}
}

// connectDestroyed fires the second lifecycle callback, detaches the channel
// from the poller and releases the descriptor. Loop goroutine only.
func (c *TCPConnection) connectDestroyed() {
	c.loop.AssertInLoopThread()

	if c.destroyed.Load() {
		return
	}

	if !c.closeHandled {
		c.closeHandled = true
		c.connected.Store(false)
		c.closedAt.Store(time.Now().UnixNano())
		c.channel.DisableAll()
		c.outputBuffer.RetrieveAll()
	}

	if c.established.Load() {
		c.connectionCallback(c)
	}

	c.channel.Remove()
	c.releaseFD()
}

// releaseFD closes the descriptor once. Closing a descriptor the poller still
// tracks would let a reused fd number receive its events, so it panics.
func (c *TCPConnection) releaseFD() {
	if c.released {
		return
	}

	if c.channel.IsRegistered() {
		panic("tcpserver: releasing descriptor of " + c.name + " while still registered")
	}

	c.released = true
	if err := closeFD(c.fd); err != nil {
		c.logger.Warn("close failed", logger.Err(err))
	}
	c.destroyed.Store(true)

	c.logger.Debug("connection destroyed")
}

func (c *TCPConnection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()

	if c.closeHandled {
		return
	}

	n, err := c.inputBuffer.ReadFD(c.fd)
	switch {
	case n > 0:
		c.bytesRead.Add(uint64(n))
		c.messageCallback(c, c.inputBuffer, receiveTime)
	case n == 0:
		c.handleClose()
	case errors.Is(err, unix.EAGAIN):
	default:
		c.logger.Error("read failed", logger.Err(err))
		c.handleClose()
	}
}

func (c *TCPConnection) handleWrite() {
	c.loop.AssertInLoopThread()

	if !c.channel.IsWriting() {
		c.logger.Debug("connection is down, no more writing")
		return
	}

	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			c.logger.Error("write failed", logger.Err(err), logger.Field{Key: "queued", Value: c.outputBuffer.ReadableBytes()})
		}
		return
	}

	c.bytesWritten.Add(uint64(n))
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() > 0 {
		return
	}

	c.channel.DisableWriting()
	c.queueWriteComplete()
	if c.shutdownRequested.Load() {
		c.shutdownInLoop()
	}
}

// handleClose is the single termination path for peer EOF, read errors,
// hang-ups and ForceClose. Queued output is discarded.
func (c *TCPConnection) handleClose() {
	c.loop.AssertInLoopThread()

	if c.closeHandled {
		return
	}
	c.closeHandled = true

	c.logger.Debug("connection closing", logger.Field{Key: "discarded", Value: c.outputBuffer.ReadableBytes()})

	c.connected.Store(false)
	c.closedAt.Store(time.Now().UnixNano())
	c.channel.DisableAll()
	c.outputBuffer.RetrieveAll()

	registry := c.registry
	registry.Loop().QueueInLoop(func() {
		registry.RemoveConnection(c)
	})
}

func (c *TCPConnection) handleError() {
	c.loop.AssertInLoopThread()

	c.logger.Error("socket error", logger.Field{Key: "so_error", Value: socketError(c.fd)})
}

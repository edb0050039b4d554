//go:build linux

package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-reactor/cacher"
	"github.com/cyberinferno/go-reactor/eventloop"
	"github.com/cyberinferno/go-reactor/idgenerator"
	"github.com/cyberinferno/go-reactor/logger"
	"github.com/cyberinferno/go-reactor/safemap"
	"github.com/cyberinferno/go-reactor/safeset"
)

var (
	// ErrHistoryDisabled is returned by RecentlyClosed without WithHistory.
	ErrHistoryDisabled = errors.New("tcpserver: connection history disabled")
	// ErrStopInLoop is returned by Stop when called on the base loop, which
	// must keep running for connections to be removed.
	ErrStopInLoop = errors.New("tcpserver: Stop called on the base loop")
)

const historyWriteTimeout = 2 * time.Second

// Config holds the server settings.
type Config struct {
	// Name prefixes connection names and loop names.
	Name string
	// Addr is the listen address, host:port.
	Addr string
	// NumLoops is the number of I/O loops. Zero runs every connection on the
	// base loop.
	NumLoops int
	// ReusePort sets SO_REUSEPORT on the listener.
	ReusePort bool
	// HistoryTTL is how long closed connections stay in the history.
	HistoryTTL time.Duration
	// HighWaterMark is the per-connection output queue size reported to the
	// high-water-mark callback.
	HighWaterMark int
}

// DefaultConfig returns a Config with one I/O loop per CPU.
func DefaultConfig(name, addr string) Config {
	return Config{
		Name:          name,
		Addr:          addr,
		NumLoops:      runtime.NumCPU(),
		HistoryTTL:    10 * time.Minute,
		HighWaterMark: DefaultHighWaterMark,
	}
}

// ConnectionRecord is what the history keeps about a closed connection.
type ConnectionRecord struct {
	Name          string    `json:"name"`
	Local         string    `json:"local"`
	Peer          string    `json:"peer"`
	BytesRead     uint64    `json:"bytes_read"`
	BytesWritten  uint64    `json:"bytes_written"`
	EstablishedAt time.Time `json:"established_at"`
	ClosedAt      time.Time `json:"closed_at"`
}

// ServerOption configures a TCPServer.
type ServerOption func(*TCPServer)

// WithHistory records every closed connection in c under its name.
func WithHistory(c cacher.Cacher[ConnectionRecord]) ServerOption {
	return func(s *TCPServer) { s.history = c }
}

// WithConnectionCallback sets the callback fired when a connection comes up
// and again when it goes down.
func WithConnectionCallback(cb ConnectionCallback) ServerOption {
	return func(s *TCPServer) { s.connectionCallback = cb }
}

// WithMessageCallback sets the callback fired when a connection has read data.
func WithMessageCallback(cb MessageCallback) ServerOption {
	return func(s *TCPServer) { s.messageCallback = cb }
}

// WithWriteCompleteCallback sets the callback queued after a connection's
// output has been fully flushed.
func WithWriteCompleteCallback(cb WriteCompleteCallback) ServerOption {
	return func(s *TCPServer) { s.writeCompleteCallback = cb }
}

// WithHighWaterMarkCallback sets the callback queued when a connection's
// output queue crosses Config.HighWaterMark.
func WithHighWaterMarkCallback(cb HighWaterMarkCallback) ServerOption {
	return func(s *TCPServer) { s.highWaterMarkCallback = cb }
}

// TCPServer accepts connections on a base loop and spreads them over a pool
// of I/O loops. It is the Registry of its connections.
type TCPServer struct {
	loop     *eventloop.EventLoop
	cfg      Config
	logger   logger.Logger
	acceptor *Acceptor
	pool     *eventloop.ThreadPool

	connections *safemap.SafeMap[string, *TCPConnection]
	ids         *idgenerator.IdGenerator
	denied      *safeset.SafeSet[string]
	history     cacher.Cacher[ConnectionRecord]

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback

	// loopCtx runs the I/O loops. It belongs to the server, not to the
	// caller of Start, and is cancelled by Stop.
	loopCtx     context.Context
	cancelLoops context.CancelFunc

	started atomic.Bool
	stopped atomic.Bool
}

// NewTCPServer binds cfg.Addr on loop. Nothing is accepted until Start.
//
// Parameters:
//   - loop: The base loop; it accepts connections and owns the registry
//   - cfg: Server settings
//   - log: Logger; nil discards output
//   - opts: Callbacks and history
//
// Returns:
//   - The server, already bound so Addr is known
//   - An error if the listen address cannot be bound
func NewTCPServer(loop *eventloop.EventLoop, cfg Config, log logger.Logger, opts ...ServerOption) (*TCPServer, error) {
	log = logger.OrNop(log).With(logger.Field{Key: "server", Value: cfg.Name})

	acceptor, err := NewAcceptor(loop, cfg.Addr, cfg.ReusePort, log)
	if err != nil {
		return nil, err
	}

	s := &TCPServer{
		loop:        loop,
		cfg:         cfg,
		logger:      log,
		acceptor:    acceptor,
		pool:        eventloop.NewThreadPool(loop, cfg.Name, cfg.NumLoops, log),
		connections: safemap.NewSafeMap[string, *TCPConnection](),
		ids:         idgenerator.NewIdGenerator(0),
		denied:      safeset.NewSafeSet[string](),
	}
	s.loopCtx, s.cancelLoops = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}

	acceptor.SetNewConnectionCallback(s.newConnection)

	return s, nil
}

// Loop returns the base loop.
func (s *TCPServer) Loop() *eventloop.EventLoop { return s.loop }

// Addr returns the bound listen address.
func (s *TCPServer) Addr() net.Addr { return s.acceptor.Addr() }

// Start runs the I/O loops and starts listening on the base loop, waiting
// for the listen result. The base loop must be running or about to run.
// Calling Start again is a no-op.
//
// Parameters:
//   - ctx: Bounds the wait for the listen result only; the I/O loops keep
//     running after it is cancelled, until Stop
//
// Returns:
//   - An error if the loops cannot be created, listening fails or ctx ends first
func (s *TCPServer) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.pool.Start(s.loopCtx); err != nil {
		return fmt.Errorf("tcpserver: start loops: %w", err)
	}

	result := make(chan error, 1)
	s.loop.RunInLoop(func() { result <- s.acceptor.Listen() })

	select {
	case err := <-result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("server started", logger.Field{Key: "loops", Value: s.cfg.NumLoops})

	return nil
}

// DenyIP makes the server close connections from ip as soon as they are
// accepted.
func (s *TCPServer) DenyIP(ip string) {
	s.denied.Add(normalizeIP(ip))
}

// AllowIP removes ip from the deny list.
func (s *TCPServer) AllowIP(ip string) {
	s.denied.Remove(normalizeIP(ip))
}

func normalizeIP(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return ip
}

func (s *TCPServer) newConnection(fd int, peer net.Addr) {
	s.loop.AssertInLoopThread()

	peerIP := ""
	if tcp, ok := peer.(*net.TCPAddr); ok {
		peerIP = tcp.IP.String()
	}
	if s.denied.Contains(peerIP) {
		s.logger.Info("rejected denied peer", logger.Field{Key: "peer", Value: addrString(peer)})
		_ = closeFD(fd)
		return
	}

	name := fmt.Sprintf("%s-%s#%d", s.cfg.Name, addrString(s.acceptor.Addr()), s.ids.Next())
	ioLoop := s.pool.NextLoop()

	conn := NewTCPConnection(s, ioLoop, fd, name, localAddr(fd), peer, s.logger)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.cfg.HighWaterMark)

	s.connections.Store(name, conn)
	s.logger.Debug("new connection", logger.Field{Key: "conn", Value: name}, logger.Field{Key: "peer", Value: addrString(peer)})

	ioLoop.RunInLoop(conn.connectEstablished)
}

// RemoveConnection forgets conn, records it in the history and queues its
// destruction on its own loop. Base loop only.
func (s *TCPServer) RemoveConnection(conn *TCPConnection) {
	s.loop.AssertInLoopThread()

	if !s.connections.Has(conn.Name()) {
		return
	}

	// Queue destruction before the count drops: Stop quits the I/O loops as
	// soon as it sees zero, and a quitting loop still drains its queue.
	conn.Loop().QueueInLoop(conn.connectDestroyed)
	s.connections.Delete(conn.Name())

	s.logger.Debug("connection removed", logger.Field{Key: "conn", Value: conn.Name()})

	if s.history != nil {
		go s.recordClosed(conn)
	}
}

func (s *TCPServer) recordClosed(conn *TCPConnection) {
	stats := conn.Stats()
	rec := ConnectionRecord{
		Name:          conn.Name(),
		Local:         addrString(conn.LocalAddr()),
		Peer:          addrString(conn.PeerAddr()),
		BytesRead:     stats.BytesRead,
		BytesWritten:  stats.BytesWritten,
		EstablishedAt: stats.EstablishedAt,
		ClosedAt:      stats.ClosedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	if err := s.history.Set(ctx, rec.Name, rec, s.cfg.HistoryTTL); err != nil {
		s.logger.Warn("record closed connection failed", logger.Field{Key: "conn", Value: rec.Name}, logger.Err(err))
	}
}

// RecentlyClosed returns the history record of a closed connection.
//
// Returns:
//   - The record
//   - ErrHistoryDisabled, cacher.ErrNotFound or a backend error
func (s *TCPServer) RecentlyClosed(ctx context.Context, name string) (ConnectionRecord, error) {
	if s.history == nil {
		return ConnectionRecord{}, ErrHistoryDisabled
	}
	return s.history.Get(ctx, name)
}

// Connection returns the live connection with the given name.
func (s *TCPServer) Connection(name string) (*TCPConnection, bool) {
	return s.connections.Load(name)
}

// ConnectionCount returns the number of live connections.
func (s *TCPServer) ConnectionCount() int {
	return s.connections.Len()
}

// Range calls f for every live connection until f returns false.
func (s *TCPServer) Range(f func(conn *TCPConnection) bool) {
	s.connections.Range(func(_ string, conn *TCPConnection) bool {
		return f(conn)
	})
}

// Stop closes the listener, force-closes every connection, waits for the
// registry to empty and stops the I/O loops. The base loop must be running
// and Stop must not be called on it. ctx bounds the wait.
func (s *TCPServer) Stop(ctx context.Context) error {
	if s.loop.IsInLoopThread() {
		return ErrStopInLoop
	}

	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	closed := make(chan error, 1)
	s.loop.RunInLoop(func() { closed <- s.acceptor.Close() })

	var errs []error
	select {
	case err := <-closed:
		errs = append(errs, err)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.Range(func(conn *TCPConnection) bool {
		conn.ForceClose()
		return true
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("tcpserver: %d connections left: %w", s.ConnectionCount(), ctx.Err()))
			s.cancelLoops()
			return errors.Join(append(errs, s.pool.Stop())...)
		case <-ticker.C:
		}
	}

	s.cancelLoops()
	errs = append(errs, s.pool.Stop())
	s.logger.Info("server stopped", logger.Field{Key: "accepted", Value: s.ids.Last()})

	return errors.Join(errs...)
}

// Package tcpclient provides a small event-driven TCP client. Received data,
// state changes and errors are delivered to registered handlers in the order
// they happen, which makes it a convenient peer for exercising reactor
// servers: it can half-close its write side and keep reading.
package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-reactor/logger"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("tcpclient: client closed")
	// ErrNotConnected is returned by Send and CloseWrite without a connection.
	ErrNotConnected = errors.New("tcpclient: not connected")
	// ErrAlreadyConnected is returned by Connect on a live client.
	ErrAlreadyConnected = errors.New("tcpclient: already connected or connecting")
)

// ConnectionState is the client's connection state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // No connection
	Connecting                          // Dial in progress
	Connected                           // Connection established
	Closed                              // Close was called; the client is finished
)

// String returns the state name.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent reports a state change. Error is set when the change was caused
// by a failure; a peer's orderly close carries no error.
type StateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error
}

// DataEvent carries one read's worth of bytes. Data is owned by the handler.
type DataEvent struct {
	Data      []byte
	Timestamp time.Time
}

// ErrorEvent reports a dial, read or write failure.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

type (
	StateHandler func(event StateEvent)
	DataHandler  func(event DataEvent)
	ErrorHandler func(event ErrorEvent)
)

// Config holds the client settings.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string
	// ReadBufferSize is the size of each read.
	ReadBufferSize int
	// WriteTimeout bounds a single Send; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for data; 0 means no timeout.
	ReadTimeout time.Duration
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with a 4 KiB read buffer and 10 s write and
// dial timeouts.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ReadBufferSize:    4096,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is a TCP client driven by handlers. Handlers run synchronously:
// state changes on the goroutine that caused them, data and read errors on
// the read goroutine, so a handler sees events in stream order. Handlers must
// not call Close; it waits for the read goroutine.
type Client struct {
	config Config
	logger logger.Logger

	mu      sync.RWMutex
	conn    net.Conn
	state   ConnectionState
	closed  bool
	readers sync.WaitGroup
	done    chan struct{}

	onState StateHandler
	onData  DataHandler
	onError ErrorHandler
}

// New creates a disconnected client.
//
// Parameters:
//   - config: Connection settings, e.g. from DefaultConfig
//   - log: Logger; nil discards output
func New(config Config, log logger.Logger) *Client {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 4096
	}

	done := make(chan struct{})
	close(done)

	return &Client{
		config: config,
		logger: logger.OrNop(log).With(logger.Field{Key: "remote", Value: config.Address}),
		state:  Disconnected,
		done:   done,
	}
}

// OnState sets the state handler; nil clears it.
func (c *Client) OnState(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = h
}

// OnData sets the data handler; nil clears it.
func (c *Client) OnData(h DataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = h
}

// OnError sets the error handler; nil clears it.
func (c *Client) OnError(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = h
}

// Connect dials the configured address and starts the read goroutine.
//
// Returns:
//   - ErrClosed, ErrAlreadyConnected, or the dial error
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.logger.Warn("dial failed", logger.Err(err))
		c.emitError(err)
		c.setState(Disconnected, err)
		return fmt.Errorf("tcpclient: dial %s: %w", c.config.Address, err)
	}

	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = Connected
	c.done = done
	c.readers.Add(1)
	c.mu.Unlock()

	c.logger.Debug("connected", logger.Field{Key: "local", Value: conn.LocalAddr().String()})
	c.emitState(Connected, nil)

	go c.readLoop(conn, done)

	return nil
}

// Send writes data, bounded by WriteTimeout.
func (c *Client) Send(data []byte) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := conn.Write(data); err != nil {
		c.emitError(err)
		return fmt.Errorf("tcpclient: write: %w", err)
	}

	return nil
}

// CloseWrite half-closes the connection: the peer reads EOF while this client
// keeps receiving.
func (c *Client) CloseWrite() error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("tcpclient: %T cannot half-close", conn)
	}

	return tcp.CloseWrite()
}

// Close closes the connection, waits for the read goroutine and moves the
// client to Closed. Later calls return nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.readers.Wait()

	c.setState(Closed, nil)

	return err
}

// State returns the current state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is Connected.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Done returns a channel closed when the current connection's read goroutine
// exits, after its final state event.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

func (c *Client) liveConn() (net.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.state != Connected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer c.readers.Done()
	defer close(done)

	buf := make([]byte, c.config.ReadBufferSize)
	for {
		if c.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.emitData(data)
		}
		if err == nil {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.conn == conn {
			c.conn = nil
			c.state = Disconnected
		}
		c.mu.Unlock()
		_ = conn.Close()

		if errors.Is(err, io.EOF) {
			c.logger.Debug("peer closed")
			c.emitState(Disconnected, nil)
			return
		}

		c.logger.Warn("read failed", logger.Err(err))
		c.emitError(err)
		c.emitState(Disconnected, err)
		return
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.emitState(state, err)
}

func (c *Client) emitState(state ConnectionState, err error) {
	c.mu.RLock()
	h := c.onState
	c.mu.RUnlock()

	if h != nil {
		h(StateEvent{State: state, Address: c.config.Address, Timestamp: time.Now(), Error: err})
	}
}

func (c *Client) emitData(data []byte) {
	c.mu.RLock()
	h := c.onData
	c.mu.RUnlock()

	if h != nil {
		h(DataEvent{Data: data, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	h := c.onError
	c.mu.RUnlock()

	if h != nil {
		h(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

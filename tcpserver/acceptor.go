//go:build linux

package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cyberinferno/go-reactor/eventloop"
	"github.com/cyberinferno/go-reactor/logger"
	"golang.org/x/sys/unix"
)

// NewConnectionCallback receives an accepted non-blocking descriptor. The
// callee owns fd from then on.
type NewConnectionCallback func(fd int, peer net.Addr)

// Acceptor is a non-blocking listening socket driven by one event loop.
type Acceptor struct {
	loop    *eventloop.EventLoop
	fd      int
	idleFd  int
	addr    net.Addr
	channel *eventloop.Channel
	logger  logger.Logger

	newConnection NewConnectionCallback
	listening     bool
	closed        bool
}

// NewAcceptor creates and binds the listening socket. It does not listen yet.
//
// Parameters:
//   - loop: Loop that will accept connections
//   - addr: host:port; an IPv6 host selects AF_INET6
//   - reusePort: Set SO_REUSEPORT so several processes can share addr
//   - log: Logger; nil discards output
//
// Returns:
//   - The bound Acceptor; Addr reports the resolved port
//   - An error if resolving, creating or binding the socket fails
func NewAcceptor(loop *eventloop.EventLoop, addr string, reusePort bool, log logger.Logger) (*Acceptor, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: resolve %s: %w", addr, err)
	}

	sa, family, err := tcpAddrToSockaddr(tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: %s: %w", addr, err)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: socket: %w", err)
	}

	opts := []sockOpt{{name: "SO_REUSEADDR", set: setReuseAddr, opt: 1}}
	if reusePort {
		opts = append(opts, sockOpt{name: "SO_REUSEPORT", set: setReusePort, opt: 1})
	}
	if errs := applySockOpts(fd, opts); len(errs) > 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: %w", errors.Join(errs...))
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: bind %s: %w", addr, err)
	}

	idleFd, err := openIdleFd()
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tcpserver: reserve idle descriptor: %w", err)
	}

	a := &Acceptor{
		loop:    loop,
		fd:      fd,
		idleFd:  idleFd,
		addr:    localAddr(fd),
		channel: eventloop.NewChannel(loop, fd),
		logger:  logger.OrNop(log),
	}
	a.channel.SetReadCallback(a.handleRead)

	return a, nil
}

func openIdleFd() (int, error) {
	return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// SetNewConnectionCallback sets the receiver of accepted descriptors. Without
// one, accepted descriptors are closed immediately.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnection = cb
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr { return a.addr }

// Listening reports whether Listen has run. Loop goroutine only.
func (a *Acceptor) Listening() bool {
	a.loop.AssertInLoopThread()
	return a.listening
}

// Listen starts listening and enables read interest. Loop goroutine only.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()

	if a.closed {
		return errors.New("tcpserver: acceptor closed")
	}
	if a.listening {
		return nil
	}

	if err := unix.Listen(a.fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("tcpserver: listen: %w", err)
	}

	a.listening = true
	a.channel.EnableReading()
	a.logger.Info("listening", logger.Field{Key: "addr", Value: addrString(a.addr)})

	return nil
}

// handleRead accepts until the backlog is empty.
func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()

	for {
		fd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EPROTO):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				a.shedConnection(err)
			default:
				a.logger.Error("accept failed", logger.Err(err))
			}
			return
		}

		peer := sockaddrToTCPAddr(sa)
		if a.newConnection == nil || peer == nil {
			_ = unix.Close(fd)
			continue
		}

		a.newConnection(fd, peer)
	}
}

// shedConnection runs out of descriptors gracefully: it gives up the reserved
// descriptor, accepts the pending connection and closes it at once so the
// peer sees a close instead of the listener spinning on a readable backlog.
func (a *Acceptor) shedConnection(cause error) {
	a.logger.Warn("out of descriptors, shedding connection", logger.Err(cause))

	_ = unix.Close(a.idleFd)
	if fd, _, err := unix.Accept4(a.fd, unix.SOCK_CLOEXEC); err == nil {
		_ = unix.Close(fd)
	}

	idleFd, err := openIdleFd()
	if err != nil {
		a.logger.Error("reserve idle descriptor failed", logger.Err(err))
		idleFd = -1
	}
	a.idleFd = idleFd
}

// Close stops accepting and releases the listening socket. Loop goroutine
// only.
func (a *Acceptor) Close() error {
	a.loop.AssertInLoopThread()

	if a.closed {
		return nil
	}
	a.closed = true
	a.listening = false

	a.channel.DisableAll()
	a.channel.Remove()

	var errs []error
	if a.idleFd >= 0 {
		errs = append(errs, unix.Close(a.idleFd))
	}
	errs = append(errs, unix.Close(a.fd))

	return errors.Join(errs...)
}

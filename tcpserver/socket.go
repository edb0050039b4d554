//go:build linux

package tcpserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Syscall hooks. Tests swap them to count or fail calls.
var (
	shutdownWrite = func(fd int) error { return unix.Shutdown(fd, unix.SHUT_WR) }
	closeFD       = unix.Close
)

// sockOpt pairs a setter with its value.
type sockOpt struct {
	name string
	set  func(fd, opt int) error
	opt  int
}

func setKeepAlive(fd, opt int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, opt)
}

func setNoDelay(fd, opt int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, opt)
}

func setReuseAddr(fd, opt int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, opt)
}

func setReusePort(fd, opt int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, opt)
}

// connectionSockOpts are applied to every accepted connection.
var connectionSockOpts = []sockOpt{
	{name: "SO_KEEPALIVE", set: setKeepAlive, opt: 1},
	{name: "TCP_NODELAY", set: setNoDelay, opt: 1},
}

// applySockOpts applies every option and reports the failures without
// stopping at the first one.
func applySockOpts(fd int, opts []sockOpt) []error {
	var errs []error
	for _, o := range opts {
		if err := o.set(fd, o.opt); err != nil {
			errs = append(errs, fmt.Errorf("setsockopt %s: %w", o.name, err))
		}
	}
	return errs
}

// socketError returns the pending SO_ERROR of fd, or nil when there is none.
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	}
	return nil
}

// tcpAddrToSockaddr picks the address family from the IP: IPv4 (or the
// unspecified address) binds AF_INET, anything else AF_INET6.
func tcpAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To4())
		}
		return sa, unix.AF_INET, nil
	}

	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, 0, fmt.Errorf("invalid IP %s", addr.IP)
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	if addr.Zone != "" {
		ifi, err := net.InterfaceByName(addr.Zone)
		if err != nil {
			return nil, 0, fmt.Errorf("zone %s: %w", addr.Zone, err)
		}
		sa.ZoneId = uint32(ifi.Index)
	}

	return sa, unix.AF_INET6, nil
}

// localAddr returns the bound address of fd, or nil for non-IP sockets.
func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	if addr := sockaddrToTCPAddr(sa); addr != nil {
		return addr
	}
	return nil
}

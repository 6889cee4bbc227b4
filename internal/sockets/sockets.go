//go:build linux

// Package sockets wraps the socket syscalls used by the reactor: listening
// socket setup, accept, address conversion, and socket options.
package sockets

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Backlog is the listen queue length.
const Backlog = 1024

// ErrUnsupportedAddress is returned for addresses that are neither IPv4
// nor IPv6.
var ErrUnsupportedAddress = errors.New("sockets: unsupported address")

// ResolveTCPAddr parses a "host:port" listen address. An empty host listens
// on every IPv4 interface.
func ResolveTCPAddr(address string) (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("sockets: resolve %q: %w", address, err)
	}
	if addr.IP == nil {
		addr.IP = net.IPv4zero
	}
	return addr, nil
}

// Sockaddr converts addr for use with bind.
func Sockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, ErrUnsupportedAddress
}

// TCPAddr converts a socket address returned by the kernel. Unknown families
// yield nil.
func TCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
		if sa.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr.Zone = iface.Name
			}
		}
		return addr
	default:
		return nil
	}
}

// NewListener creates a non-blocking, close-on-exec TCP socket bound to
// addr, with SO_REUSEADDR and optionally SO_REUSEPORT. It does not listen.
func NewListener(addr *net.TCPAddr, reusePort bool) (int, error) {
	sa, family, err := Sockaddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, &net.OpError{Op: "socket", Net: "tcp", Addr: addr, Err: err}
	}
	if err := SetReuseAddr(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, &net.OpError{Op: "setsockopt", Net: "tcp", Addr: addr, Err: err}
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			_ = unix.Close(fd)
			return -1, &net.OpError{Op: "setsockopt", Net: "tcp", Addr: addr, Err: err}
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, &net.OpError{Op: "bind", Net: "tcp", Addr: addr, Err: err}
	}
	return fd, nil
}

// Listen marks fd as a passive socket.
func Listen(fd int) error {
	if err := unix.Listen(fd, Backlog); err != nil {
		return &net.OpError{Op: "listen", Net: "tcp", Err: err}
	}
	return nil
}

// Accept accepts one pending connection as a non-blocking, close-on-exec
// descriptor. Errors are the raw errno.
func Accept(fd int) (int, *net.TCPAddr, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, TCPAddr(sa), nil
}

// LocalAddr returns the address fd is bound to.
func LocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return TCPAddr(sa), nil
}

// PeerAddr returns the address fd is connected to.
func PeerAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, err
	}
	return TCPAddr(sa), nil
}

// SocketError returns the pending SO_ERROR of fd, or nil if there is none.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// ShutdownWrite half-closes the write side of fd.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// SetTCPNoDelay toggles Nagle's algorithm.
func SetTCPNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(on))
}

// SetKeepAlive toggles TCP keep-alive probes.
func SetKeepAlive(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(on))
}

// SetReuseAddr toggles SO_REUSEADDR.
func SetReuseAddr(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(on))
}

func boolInt(on bool) int {
	if on {
		return 1
	}
	return 0
}

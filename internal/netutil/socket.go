// Package netutil builds non-blocking listening sockets as raw file
// descriptors, the level internal/mux.Selector operates at. Everything in
// this module that needs a socket goes through here rather than net.Listen
// so every accepted connection is a plain fd the event loop can register
// directly, with no *os.File or net.Conn wrapper shadowing it.
package netutil

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// ListenTCP creates a non-blocking, listening TCP socket bound to addr
// ("host:port") and returns its file descriptor.
func ListenTCP(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("netutil: split %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, fmt.Errorf("netutil: parse port %q: %w", portStr, err)
	}

	ip := net.ParseIP(host)
	if host == "" {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		return listen4(ip4, port)
	}
	if ip16 := ip.To16(); ip16 != nil {
		return listen6(ip16, port)
	}
	return -1, fmt.Errorf("netutil: unparseable address %q", host)
}

func listen4(ip net.IP, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen: %w", err)
	}
	return fd, nil
}

func listen6(ip net.IP, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen: %w", err)
	}
	return fd, nil
}

// Accept accepts one pending non-blocking connection off listenFD.
// unix.EAGAIN is returned verbatim so callers can distinguish "no
// connection pending right now" from a real error.
func Accept(listenFD int) (fd int, err error) {
	fd, _, err = unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return fd, err
}

// Connect starts a non-blocking outbound TCP connection to ip:port,
// returning the socket fd immediately. inProgress is true when the
// kernel returned EINPROGRESS (the expected result for a non-blocking
// connect that hasn't resolved yet) — the caller must then wait for
// writability and probe SO_ERROR to learn the outcome. inProgress is
// false when connect succeeded synchronously, which loopback and
// already-cached-route destinations commonly do.
func Connect(ip net.IP, port int) (fd int, inProgress bool, err error) {
	if ip4 := ip.To4(); ip4 != nil {
		return connect4(ip4, port)
	}
	return connect6(ip.To16(), port)
}

func connect4(ip net.IP, port int) (int, bool, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, fmt.Errorf("netutil: socket: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return -1, false, fmt.Errorf("netutil: connect: %w", err)
}

func connect6(ip net.IP, port int) (int, bool, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, fmt.Errorf("netutil: socket: %w", err)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip)
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return -1, false, fmt.Errorf("netutil: connect: %w", err)
}

// SocketError returns the pending SO_ERROR on fd, nil if none.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// LocalAddr returns the local IP and port fd is bound to, used to fill in
// a CONNECT reply's BND.ADDR/BND.PORT.
func LocalAddr(fd int) (net.IP, int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return ip, a.Port, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return ip, a.Port, nil
	default:
		return nil, 0, fmt.Errorf("netutil: unsupported sockaddr type %T", sa)
	}
}

//go:build linux

package sock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listener is a non-blocking TCP listening socket.
type Listener struct {
	fd   int
	port int
	addr string
}

// Listen binds a non-blocking TCP listener on bind:port with SO_REUSEADDR.
// Port 0 picks an ephemeral port; an empty bind means all IPv4 addresses.
func Listen(bind string, port, backlog int) (*Listener, error) {
	sa, family, err := resolve(bind, port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind port %d: %w", port, err)
	}
	if backlog <= 0 {
		backlog = 1
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname failed: %w", err)
	}
	l := &Listener{fd: fd, addr: sockaddrString(bound)}
	switch a := bound.(type) {
	case *unix.SockaddrInet4:
		l.port = a.Port
	case *unix.SockaddrInet6:
		l.port = a.Port
	}
	return l, nil
}

func resolve(bind string, port int) (unix.Sockaddr, int, error) {
	if bind == "" {
		bind = "0.0.0.0"
	}
	ip := net.ParseIP(bind)
	if ip == nil {
		addrs, err := net.LookupIP(bind)
		if err != nil || len(addrs) == 0 {
			return nil, 0, fmt.Errorf("cannot resolve bind address %q: %w", bind, err)
		}
		ip = addrs[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int {
	return l.fd
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.port
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.addr
}

// Accept takes one pending connection and tunes it. ErrWouldBlock means none
// was pending.
func (l *Listener) Accept() (*Conn, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
		return nil, ErrWouldBlock
	}
	if err != nil {
		return nil, fmt.Errorf("accept failed: %w", err)
	}
	if err := Tune(nfd); err != nil {
		unix.Close(nfd)
		return nil, err
	}
	return &Conn{fd: nfd, socket: true, remote: sockaddrString(sa)}, nil
}

// Close closes the listener.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// Dial connects to a TCP address and returns the connection as a
// non-blocking Conn.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return FromNetConn(c)
}

// LocalAddr returns the host:port for a channel port on the loopback address.
func LocalAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

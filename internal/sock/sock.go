//go:build linux

// Package sock wraps raw non-blocking descriptors: TCP listeners and
// connections with urgent-data support, and plain file descriptors such as
// ttys, ptys and stdio.
package sock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const iptosLowDelay = 0x10

// ErrWouldBlock is returned when a non-blocking call cannot make progress.
var ErrWouldBlock = errors.New("operation would block")

// Conn is one non-blocking descriptor.
type Conn struct {
	fd     int
	socket bool
	remote string
	file   *os.File // keeps a dup'd descriptor alive when adopted from net
	closed bool
}

// NewFile wraps an already open descriptor that is not a socket and makes it
// non-blocking.
func NewFile(fd int, name string) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set %s non-blocking: %w", name, err)
	}
	return &Conn{fd: fd, remote: name}, nil
}

// NewSocket wraps an already open, connected socket descriptor.
func NewSocket(fd int, remote string) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set socket non-blocking: %w", err)
	}
	return &Conn{fd: fd, socket: true, remote: remote}, nil
}

// FromNetConn takes over the descriptor behind a TCP or unix connection. The
// original net.Conn is closed.
func FromNetConn(c net.Conn) (*Conn, error) {
	fc, ok := c.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("connection %T has no descriptor", c)
	}
	f, err := fc.File()
	if err != nil {
		return nil, fmt.Errorf("failed to dup connection: %w", err)
	}
	remote := c.RemoteAddr().String()
	c.Close()

	conn, err := NewSocket(int(f.Fd()), remote)
	if err != nil {
		f.Close()
		return nil, err
	}
	conn.file = f
	return conn, nil
}

// Fd returns the descriptor.
func (c *Conn) Fd() int {
	return c.fd
}

// RemoteAddr returns the peer address, or the name given to NewFile.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Read reads what is available. It returns io.EOF at end of stream and
// ErrWouldBlock when nothing is ready.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	switch {
	case err == nil && n == 0 && len(p) > 0:
		return 0, io.EOF
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, ErrWouldBlock
	case errors.Is(err, unix.EIO):
		// A pty master whose slave side is gone.
		return 0, io.EOF
	case err != nil:
		return 0, err
	}
	return n, nil
}

// Write writes what fits. A partial count is not an error; ErrWouldBlock
// means nothing fit.
func (c *Conn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	if c.socket {
		n, err = unix.SendmsgN(c.fd, p, nil, nil, unix.MSG_NOSIGNAL)
	} else {
		n, err = unix.Write(c.fd, p)
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AtMark reports whether the next byte to read is the urgent byte.
func (c *Conn) AtMark() (bool, error) {
	if !c.socket {
		return false, nil
	}
	v, err := unix.IoctlGetInt(c.fd, unix.SIOCATMARK)
	if err != nil {
		return false, fmt.Errorf("SIOCATMARK failed: %w", err)
	}
	return v != 0, nil
}

// SendUrgent sends b as TCP urgent data.
func (c *Conn) SendUrgent(b byte) error {
	return unix.Sendto(c.fd, []byte{b}, unix.MSG_OOB|unix.MSG_NOSIGNAL, nil)
}

// Close closes the descriptor; queued output is still delivered by the kernel.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.file != nil {
		return c.file.Close()
	}
	return unix.Close(c.fd)
}

// Abort closes with a zero linger so the peer sees a reset.
func (c *Conn) Abort() error {
	if c.closed {
		return nil
	}
	if c.socket {
		unix.SetsockoptLinger(c.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	}
	return c.Close()
}

// Tune applies the options every accepted channel connection gets: no Nagle,
// keepalive, inline urgent data and low-delay TOS.
func Tune(fd int) error {
	opts := []struct {
		level, name, value int
	}{
		{unix.IPPROTO_TCP, unix.TCP_NODELAY, 1},
		{unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1},
		{unix.SOL_SOCKET, unix.SO_OOBINLINE, 1},
	}
	for _, o := range opts {
		if err := unix.SetsockoptInt(fd, o.level, o.name, o.value); err != nil {
			return fmt.Errorf("setsockopt %d/%d: %w", o.level, o.name, err)
		}
	}
	// Not every address family has IP_TOS.
	unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, iptosLowDelay)
	return nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	}
	return "unknown"
}

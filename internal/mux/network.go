//go:build linux

package mux

import (
	"time"

	"github.com/valentic/serialmux/internal/poller"
	"github.com/valentic/serialmux/internal/sock"
)

// Conn is an accepted client connection. All calls are non-blocking;
// sock.ErrWouldBlock means no progress was possible.
type Conn interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// AtMark reports whether the next byte to read is the urgent byte.
	AtMark() (bool, error)

	// Close lets queued output drain; Abort resets the peer.
	Close() error
	Abort() error

	RemoteAddr() string
}

// Listener is one channel's listening socket.
type Listener interface {
	Fd() int
	Accept() (Conn, error)
	Close() error
}

// Network creates channel listeners.
type Network interface {
	Listen(port int) (Listener, error)
}

// Ready is the outcome of one poller wait.
type Ready interface {
	Readable(fd int) bool
	Writable(fd int) bool
}

// Poller waits on the reactor's interest set.
type Poller interface {
	Wait(interest []poller.Interest, timeout time.Duration) (Ready, error)
	Forget(fd int)
	Wake() error
}

// TCPNetwork listens on real TCP sockets.
type TCPNetwork struct {
	Bind    string
	Backlog int
}

// Listen implements Network.
func (n TCPNetwork) Listen(port int) (Listener, error) {
	l, err := sock.Listen(n.Bind, port, n.Backlog)
	if err != nil {
		return nil, err
	}
	return tcpListener{l}, nil
}

type tcpListener struct {
	*sock.Listener
}

func (l tcpListener) Accept() (Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EpollPoller adapts poller.Poller to the reactor.
type EpollPoller struct {
	p *poller.Poller
}

// NewEpollPoller creates an epoll backed poller.
func NewEpollPoller() (*EpollPoller, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	return &EpollPoller{p: p}, nil
}

// Wait implements Poller.
func (e *EpollPoller) Wait(interest []poller.Interest, timeout time.Duration) (Ready, error) {
	ev, err := e.p.Wait(interest, timeout)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Forget implements Poller.
func (e *EpollPoller) Forget(fd int) {
	e.p.Forget(fd)
}

// Wake implements Poller.
func (e *EpollPoller) Wake() error {
	return e.p.Wake()
}

// Close releases the epoll instance.
func (e *EpollPoller) Close() error {
	return e.p.Close()
}

type noneReady struct{}

func (noneReady) Readable(int) bool { return false }
func (noneReady) Writable(int) bool { return false }

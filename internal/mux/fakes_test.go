//go:build linux

package mux

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/valentic/serialmux/internal/hw/sim"
	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/poller"
	"github.com/valentic/serialmux/internal/sock"
)

// fakeNet is an in-memory Network. One mutex guards every fake object so a
// reactor goroutine and the test can share them.
type fakeNet struct {
	mu        sync.Mutex
	nextFD    int
	listeners map[int]*fakeListener // by port
	objects   map[int]any           // by fd
	busy      map[int]bool          // ports that refuse to bind
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		nextFD:    100,
		listeners: make(map[int]*fakeListener),
		objects:   make(map[int]any),
		busy:      make(map[int]bool),
	}
}

func (n *fakeNet) Listen(port int) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.busy[port] {
		return nil, errors.New("address already in use")
	}
	l := &fakeListener{net: n, fd: n.nextFD, port: port}
	n.nextFD++
	n.listeners[port] = l
	n.objects[l.fd] = l
	return l, nil
}

// dial queues a new connection on the listener for port.
func (n *fakeNet) dial(t *testing.T, port int) *fakeConn {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.listeners[port]
	require.True(t, ok, "no listener on port %d", port)
	require.False(t, l.closed, "listener on port %d is closed", port)
	c := &fakeConn{net: n, fd: n.nextFD, markAt: -1, limit: -1}
	n.nextFD++
	n.objects[c.fd] = c
	l.backlog = append(l.backlog, c)
	return c
}

func (n *fakeNet) listener(port int) *fakeListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[port]
}

type fakeListener struct {
	net     *fakeNet
	fd      int
	port    int
	backlog []*fakeConn
	closed  bool
}

func (l *fakeListener) Fd() int { return l.fd }

func (l *fakeListener) Accept() (Conn, error) {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if len(l.backlog) == 0 {
		return nil, sock.ErrWouldBlock
	}
	c := l.backlog[0]
	l.backlog = l.backlog[1:]
	c.accepted = true
	return c, nil
}

func (l *fakeListener) Close() error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	l.closed = true
	delete(l.net.objects, l.fd)
	return nil
}

func (l *fakeListener) queued() int {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	return len(l.backlog)
}

func (l *fakeListener) isClosed() bool {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	return l.closed
}

// fakeConn is the server side of a client connection. The test plays the
// client through send, sendUrgent, hangup and received.
type fakeConn struct {
	net      *fakeNet
	fd       int
	in       []byte
	markAt   int // offset of the urgent byte in in, -1 for none
	eof      bool
	out      []byte
	limit    int // bytes Write still accepts, -1 for unlimited
	accepted bool
	closed   bool
	aborted  bool
}

func (c *fakeConn) Fd() int            { return c.fd }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:40000" }

func (c *fakeConn) Read(p []byte) (int, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if len(c.in) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, sock.ErrWouldBlock
	}
	lim := len(p)
	if c.markAt > 0 && c.markAt < lim {
		lim = c.markAt
	}
	n := copy(p[:lim], c.in)
	c.in = c.in[n:]
	if c.markAt >= 0 {
		c.markAt -= n
		if c.markAt < 0 {
			c.markAt = -1
		}
	}
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	n := len(p)
	if c.limit >= 0 {
		n = min(n, c.limit)
		c.limit -= n
	}
	if n == 0 && len(p) > 0 {
		return 0, sock.ErrWouldBlock
	}
	c.out = append(c.out, p[:n]...)
	return n, nil
}

func (c *fakeConn) AtMark() (bool, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.markAt == 0, nil
}

func (c *fakeConn) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.closed = true
	delete(c.net.objects, c.fd)
	return nil
}

func (c *fakeConn) Abort() error {
	c.net.mu.Lock()
	c.aborted = true
	c.net.mu.Unlock()
	return c.Close()
}

func (c *fakeConn) send(p string) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.in = append(c.in, p...)
}

// sendUrgent queues cmd with its first byte marked urgent.
func (c *fakeConn) sendUrgent(cmd string) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.markAt = len(c.in)
	c.in = append(c.in, cmd...)
}

func (c *fakeConn) hangup() {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.eof = true
}

func (c *fakeConn) setLimit(n int) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.limit = n
}

func (c *fakeConn) received() string {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return string(c.out)
}

func (c *fakeConn) unread() string {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return string(c.in)
}

func (c *fakeConn) state() (accepted, closed, aborted bool) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.accepted, c.closed, c.aborted
}

// fakePoller computes readiness from the fake objects, honouring the
// interest set like epoll does.
type fakePoller struct {
	net       *fakeNet
	mu        sync.Mutex
	waits     int
	forgotten []int
	timeouts  []time.Duration
	sleep     time.Duration
}

type fakeReady struct {
	r map[int]bool
	w map[int]bool
}

func (f fakeReady) Readable(fd int) bool { return f.r[fd] }
func (f fakeReady) Writable(fd int) bool { return f.w[fd] }

func (p *fakePoller) Wait(interest []poller.Interest, timeout time.Duration) (Ready, error) {
	p.mu.Lock()
	p.waits++
	p.timeouts = append(p.timeouts, timeout)
	sleep := p.sleep
	p.mu.Unlock()
	if sleep > 0 {
		time.Sleep(sleep)
	}

	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	ready := fakeReady{r: make(map[int]bool), w: make(map[int]bool)}
	for _, in := range interest {
		switch o := p.net.objects[in.FD].(type) {
		case *fakeListener:
			ready.r[in.FD] = in.Read && len(o.backlog) > 0
		case *fakeConn:
			ready.r[in.FD] = in.Read && (len(o.in) > 0 || o.eof)
			ready.w[in.FD] = in.Write && o.limit != 0
		}
	}
	return ready, nil
}

func (p *fakePoller) Forget(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, fd)
}

func (p *fakePoller) Wake() error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

const testBasePort = 7350

type harness struct {
	t     *testing.T
	port  *sim.Port
	net   *fakeNet
	poll  *fakePoller
	clock *fakeClock
	log   *eventLog
	r     *Reactor
}

func newHarness(t *testing.T, hwCfg sim.Config, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BasePort = testBasePort
	cfg.HistorySize = 64
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		t:     t,
		port:  sim.New(hwCfg),
		net:   newFakeNet(),
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		log:   &eventLog{},
	}
	h.poll = &fakePoller{net: h.net}
	r, err := New(cfg, Options{
		Port:     h.port,
		Network:  h.net,
		Poller:   h.poll,
		Observer: h.log,
		Logger:   zerolog.Nop(),
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	h.r = r
	return h
}

// tick runs n reactor iterations and reports whether the reactor stopped.
func (h *harness) tick(n int) bool {
	h.t.Helper()
	for i := 0; i < n; i++ {
		done, err := h.r.Tick()
		require.NoError(h.t, err)
		if done {
			return true
		}
	}
	return false
}

// query runs fn against the reactor from another goroutine and ticks until
// the request was answered.
func (h *harness) query(fn func(ctx context.Context) error) error {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	for i := 0; i < 200; i++ {
		h.tick(1)
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.t.Fatal("request not answered")
	return nil
}

func (h *harness) session(ch int) *Session {
	h.t.Helper()
	s, ok := h.r.Registry().Get(ch)
	require.True(h.t, ok)
	return s
}

// connect dials channel ch and ticks until the reactor accepted it.
func (h *harness) connect(ch int) *fakeConn {
	h.t.Helper()
	c := h.net.dial(h.t, testBasePort+ch)
	h.tick(1)
	accepted, _, _ := c.state()
	require.True(h.t, accepted, "channel %d did not accept", ch)
	require.Equal(h.t, StateActive, h.session(ch).State())
	return c
}

func rawSettings() linemode.Settings {
	s := linemode.Default()
	s.Mode = "8n1raw"
	return s
}

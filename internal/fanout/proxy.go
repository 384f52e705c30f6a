//go:build linux

// Package fanout shares one serial device, or a pty standing in for one,
// among any number of TCP clients. Device output goes to every client;
// input from any client goes to the device.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/valentic/serialmux/internal/buffer"
	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/poller"
	"github.com/valentic/serialmux/internal/pty"
	"github.com/valentic/serialmux/internal/sock"
	"github.com/valentic/serialmux/internal/termios"
)

// MinBaud is the slowest rate a device is set to.
const MinBaud = 300

const readSize = 4096

// Config describes the device and the listener.
type Config struct {
	// Device is the tty to share. Empty allocates a pty instead.
	Device string
	// Baud is stepped down to a standard rate; 0 keeps the device's.
	Baud int
	// Mode is a framing such as "8e1"; empty keeps the device's.
	Mode string

	Bind string
	// Port 0 picks an ephemeral port.
	Port int

	// BacklogLimit caps the bytes queued per client.
	BacklogLimit int
}

// Stats are the proxy's counters.
type Stats struct {
	Clients  int
	Accepted uint64
	FromDev  uint64
	ToDev    uint64
	Dropped  uint64
}

// Proxy is one shared device.
type Proxy struct {
	cfg Config
	log zerolog.Logger

	dev      *sock.Conn
	term     *pty.Terminal
	listener *sock.Listener
	poll     *poller.Poller

	clients *table
	toDev   buffer.Pending
	scratch [readSize]byte

	nclients atomic.Int64
	accepted atomic.Uint64
	fromDev  atomic.Uint64
	sentDev  atomic.Uint64
	dropped  atomic.Uint64
}

// Open prepares the device and binds the listener.
func Open(cfg Config, log zerolog.Logger) (*Proxy, error) {
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = DefaultBacklogLimit
	}
	p := &Proxy{
		cfg:     cfg,
		log:     log.With().Str("component", "fanout").Logger(),
		clients: newTable(),
	}

	var err error
	if cfg.Device == "" {
		err = p.openPty()
	} else {
		err = p.openDevice()
	}
	if err != nil {
		return nil, err
	}

	p.listener, err = sock.Listen(cfg.Bind, cfg.Port, 5)
	if err != nil {
		p.closeDevice()
		return nil, err
	}
	p.poll, err = poller.New()
	if err != nil {
		p.listener.Close()
		p.closeDevice()
		return nil, err
	}
	return p, nil
}

func (p *Proxy) openPty() error {
	t, err := pty.Open()
	if err != nil {
		return err
	}
	dev, err := sock.NewFile(int(t.Master.Fd()), t.Name())
	if err != nil {
		t.Close()
		return err
	}
	p.term, p.dev = t, dev
	return nil
}

func (p *Proxy) openDevice() error {
	fd, err := unix.Open(p.cfg.Device, unix.O_RDWR|unix.O_NONBLOCK|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p.cfg.Device, err)
	}
	if err := p.configure(fd); err != nil {
		unix.Close(fd)
		return err
	}
	p.dev, err = sock.NewFile(fd, p.cfg.Device)
	if err != nil {
		unix.Close(fd)
	}
	return err
}

func (p *Proxy) configure(fd int) error {
	t, err := termios.Get(fd)
	if err != nil {
		return fmt.Errorf("%s: %w", p.cfg.Device, err)
	}
	raw := termios.Raw(*t)
	if p.cfg.Baud > 0 {
		raw = termios.WithSpeed(raw, max(p.cfg.Baud, MinBaud))
	}
	if p.cfg.Mode != "" {
		f, err := linemode.ParseMode(p.cfg.Mode)
		if err != nil {
			return err
		}
		raw = termios.WithFormat(raw, f)
	}
	raw.Cflag |= unix.CLOCAL
	return termios.Set(fd, &raw)
}

func (p *Proxy) closeDevice() {
	if p.term != nil {
		// The master belongs to the terminal.
		p.term.Close()
		return
	}
	if p.dev != nil {
		p.dev.Close()
	}
}

// Port returns the listening port.
func (p *Proxy) Port() int {
	return p.listener.Port()
}

// TTYName returns the pty slave path, or "" when sharing a device.
func (p *Proxy) TTYName() string {
	if p.term == nil {
		return ""
	}
	return p.term.Name()
}

// Announce writes the ttyname= (pty only) and tcp_port= lines.
func (p *Proxy) Announce(w io.Writer) {
	if name := p.TTYName(); name != "" {
		fmt.Fprintf(w, "ttyname=%s\n", name)
	}
	fmt.Fprintf(w, "tcp_port=%d\n", p.Port())
}

// Stats returns the counters. Safe from any goroutine.
func (p *Proxy) Stats() Stats {
	return Stats{
		Clients:  int(p.nclients.Load()),
		Accepted: p.accepted.Load(),
		FromDev:  p.fromDev.Load(),
		ToDev:    p.sentDev.Load(),
		Dropped:  p.dropped.Load(),
	}
}

// Run serves until ctx is done or the device fails, then closes
// everything.
func (p *Proxy) Run(ctx context.Context) error {
	defer p.close()
	stop := context.AfterFunc(ctx, func() { p.poll.Wake() })
	defer stop()

	p.log.Info().Str("device", p.dev.RemoteAddr()).Int("port", p.Port()).Msg("proxy started")
	for ctx.Err() == nil {
		if err := p.tick(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proxy) interest() []poller.Interest {
	in := make([]poller.Interest, 0, p.clients.len()+2)
	in = append(in,
		poller.Interest{FD: p.listener.Fd(), Read: true},
		poller.Interest{FD: p.dev.Fd(), Read: true, Write: !p.toDev.Empty()},
	)
	for _, c := range p.clients.slots {
		if c == nil {
			continue
		}
		in = append(in, poller.Interest{
			FD:    c.conn.Fd(),
			Read:  p.toDev.Empty(),
			Write: len(c.backlog) > 0,
		})
	}
	return in
}

func (p *Proxy) tick() error {
	ev, err := p.poll.Wait(p.interest(), -1)
	if err != nil {
		return err
	}

	if ev.Readable(p.dev.Fd()) {
		if err := p.readDevice(); err != nil {
			return err
		}
	}
	if !p.toDev.Empty() && ev.Writable(p.dev.Fd()) {
		if err := p.flushDevice(); err != nil {
			return err
		}
	}

	for i, c := range p.clients.slots {
		if c == nil {
			continue
		}
		fd := c.conn.Fd()
		if len(c.backlog) > 0 && ev.Writable(fd) {
			if err := c.flush(); err != nil {
				p.drop(i, err)
				continue
			}
		}
		if ev.Readable(fd) && p.toDev.Empty() {
			if err := p.readClient(c); err != nil {
				p.drop(i, err)
			}
		}
	}

	if ev.Readable(p.listener.Fd()) {
		p.accept()
	}
	p.clients.compact()
	return nil
}

func (p *Proxy) readDevice() error {
	n, err := p.dev.Read(p.scratch[:])
	switch {
	case errors.Is(err, sock.ErrWouldBlock):
		return nil
	case errors.Is(err, io.EOF):
		return fmt.Errorf("device %s closed", p.dev.RemoteAddr())
	case err != nil:
		return fmt.Errorf("device read failed: %w", err)
	}
	p.fromDev.Add(uint64(n))
	p.broadcast(p.scratch[:n])
	return nil
}

func (p *Proxy) broadcast(data []byte) {
	for i, c := range p.clients.slots {
		if c == nil {
			continue
		}
		dropped, err := c.offer(data, p.cfg.BacklogLimit)
		if err != nil {
			p.drop(i, err)
			continue
		}
		if dropped > 0 {
			p.dropped.Add(uint64(dropped))
			p.log.Debug().Str("remote", c.conn.RemoteAddr()).Int("bytes", dropped).Msg("client backlog full, discarding")
		}
	}
}

func (p *Proxy) flushDevice() error {
	n, err := p.dev.Write(p.toDev.Bytes())
	if errors.Is(err, sock.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("device write failed: %w", err)
	}
	p.sentDev.Add(uint64(n))
	p.toDev.Consume(n)
	return nil
}

// readClient moves one chunk from c to the device. A first byte at the
// urgent mark is a command meant for a channel server and is discarded.
func (p *Proxy) readClient(c *client) error {
	if !c.checked {
		c.checked = true
		mark, err := c.conn.AtMark()
		if err != nil {
			return err
		}
		if mark {
			var cmd [1]byte
			_, err := c.conn.Read(cmd[:])
			if errors.Is(err, sock.ErrWouldBlock) {
				return nil
			}
			return err
		}
	}

	buf := p.toDev.Space()
	n, err := c.conn.Read(buf)
	if errors.Is(err, sock.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return err
	}

	w, err := p.dev.Write(buf[:n])
	if errors.Is(err, sock.ErrWouldBlock) {
		w, err = 0, nil
	}
	if err != nil {
		return fmt.Errorf("device write failed: %w", err)
	}
	p.sentDev.Add(uint64(w))
	if w < n {
		p.toDev.Hold(w, n)
	}
	return nil
}

func (p *Proxy) accept() {
	conn, err := p.listener.Accept()
	if errors.Is(err, sock.ErrWouldBlock) {
		return
	}
	if err != nil {
		p.log.Warn().Err(err).Msg("accept failed")
		return
	}
	i := p.clients.add(&client{conn: conn})
	p.nclients.Store(int64(p.clients.len()))
	p.accepted.Add(1)
	p.log.Info().Str("remote", conn.RemoteAddr()).Int("slot", i).Int("clients", p.clients.len()).Msg("client connected")
}

func (p *Proxy) drop(i int, err error) {
	c := p.clients.remove(i)
	if c == nil {
		return
	}
	p.poll.Forget(c.conn.Fd())
	c.conn.Close()
	p.nclients.Store(int64(p.clients.len()))

	ev := p.log.Info()
	if err != nil && !errors.Is(err, io.EOF) {
		ev = p.log.Warn().Err(err)
	}
	ev.Str("remote", c.conn.RemoteAddr()).Uint64("dropped", c.dropped).Int("clients", p.clients.len()).Msg("client disconnected")
}

func (p *Proxy) close() {
	for i := range p.clients.slots {
		p.drop(i, nil)
	}
	p.listener.Close()
	p.poll.Close()
	p.closeDevice()
}

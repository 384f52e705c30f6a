//go:build linux

// Package tty backs hardware channels with host serial devices through
// go.bug.st/serial. Each open channel has a reader and a writer goroutine;
// an eventfd tells the reactor when a channel needs attention.
package tty

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"golang.org/x/sys/unix"

	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/linemode"
)

const (
	defaultCapacity = 4096
	defaultIdleGap  = 5 * time.Millisecond
	readTimeout     = 100 * time.Millisecond
)

// Config selects and sizes the devices.
type Config struct {
	// Devices lists device paths in channel order. When empty, every port
	// the system reports that matches Glob is used, sorted by name.
	Devices []string
	Glob    string

	RXCapacity int
	TXCapacity int

	// IdleGap is how long a line must be quiet before data below the low
	// watermark is reported.
	IdleGap time.Duration
}

// openFunc opens a device; tests replace it.
type openFunc func(path string, mode *serial.Mode) (serial.Port, error)

type channel struct {
	path string

	mu         sync.Mutex
	port       serial.Port
	ctl        int // second descriptor for queue ioctls, -1 when absent
	rx         []byte
	tx         []byte
	watermark  int
	suppressed bool
	lastRX     time.Time
	overruns   int
	idleTimer  *time.Timer
	kick       chan struct{}
	done       chan struct{}
}

// Port implements hw.Port over host serial devices.
type Port struct {
	cfg  Config
	log  zerolog.Logger
	open openFunc
	list func() ([]string, error)
	// queued reports bytes the kernel has not yet sent on an open channel.
	queued func(c *channel) int

	mu       sync.Mutex
	channels []*channel
	pending  hw.Mask
	eventfd  int
	events   hw.EventFunc
}

var (
	_ hw.Port           = (*Port)(nil)
	_ hw.Breaker        = (*Port)(nil)
	_ hw.OverrunCounter = (*Port)(nil)
)

// New creates the port and its signal descriptor.
func New(cfg Config, log zerolog.Logger) (*Port, error) {
	if cfg.RXCapacity <= 0 {
		cfg.RXCapacity = defaultCapacity
	}
	if cfg.TXCapacity <= 0 {
		cfg.TXCapacity = defaultCapacity
	}
	if cfg.IdleGap <= 0 {
		cfg.IdleGap = defaultIdleGap
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return &Port{
		cfg:     cfg,
		log:     log.With().Str("component", "tty").Logger(),
		open:    serial.Open,
		list:    serial.GetPortsList,
		queued:  outputQueue,
		eventfd: efd,
	}, nil
}

// outputQueue asks the driver how many bytes wait in its transmit queue.
func outputQueue(c *channel) int {
	c.mu.Lock()
	fd := c.ctl
	c.mu.Unlock()
	if fd < 0 {
		return 0
	}
	n, err := unix.IoctlGetInt(fd, unix.TIOCOUTQ)
	if err != nil {
		return 0
	}
	return n
}

func (p *Port) signal() {
	var one = [8]byte{1}
	unix.Write(p.eventfd, one[:])
}

// discover returns the device paths in channel order.
func (p *Port) discover() ([]string, error) {
	if len(p.cfg.Devices) > 0 {
		return p.cfg.Devices, nil
	}
	ports, err := p.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	var out []string
	for _, name := range ports {
		if p.cfg.Glob != "" {
			if ok, _ := filepath.Match(p.cfg.Glob, name); !ok {
				continue
			}
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Reset implements hw.Port.
func (p *Port) Reset() (int, error) {
	paths, err := p.discover()
	if err != nil {
		return 0, err
	}
	if len(paths) > hw.MaxChannels {
		paths = paths[:hw.MaxChannels]
	}

	p.mu.Lock()
	old := p.channels
	p.channels = make([]*channel, len(paths))
	for i, path := range paths {
		p.channels[i] = &channel{path: path, watermark: 1, ctl: -1}
	}
	p.pending = 0
	p.mu.Unlock()

	for _, c := range old {
		c.shutdown()
	}
	return len(paths), nil
}

func (p *Port) channel(ch int) (*channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := hw.CheckChannel(ch, len(p.channels)); err != nil {
		return nil, err
	}
	return p.channels[ch], nil
}

// Open implements hw.Port. An already open channel is reconfigured.
func (p *Port) Open(ch int, mode string, baud int) error {
	c, err := p.channel(ch)
	if err != nil {
		return err
	}
	f, err := linemode.ParseMode(mode)
	if err != nil {
		return err
	}
	sm := f.SerialMode(baud)

	c.mu.Lock()
	if c.port != nil {
		defer c.mu.Unlock()
		c.rx = c.rx[:0]
		c.watermark = 1
		c.suppressed = false
		return c.port.SetMode(sm)
	}
	c.mu.Unlock()

	sp, err := p.open(c.path, sm)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", c.path, err)
	}
	if err := sp.SetReadTimeout(readTimeout); err != nil {
		sp.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", c.path, err)
	}
	if f.HWFlow {
		p.log.Warn().Str("device", c.path).Msg("hardware flow control is not configurable on host ports")
	}

	ctl, err := unix.Open(c.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		p.log.Debug().Err(err).Str("device", c.path).Msg("no queue descriptor; close will not wait for the driver")
		ctl = -1
	}

	kick := make(chan struct{}, 1)
	done := make(chan struct{})

	c.mu.Lock()
	c.port = sp
	c.ctl = ctl
	c.rx = c.rx[:0]
	c.tx = c.tx[:0]
	c.watermark = 1
	c.suppressed = false
	c.kick = kick
	c.done = done
	c.mu.Unlock()

	go p.reader(ch, c, sp, done)
	go p.writer(c, sp, kick, done)
	p.log.Debug().Int("channel", ch).Str("device", c.path).Int("baud", sm.BaudRate).Msg("channel opened")
	return nil
}

func (p *Port) reader(ch int, c *channel, sp serial.Port, done <-chan struct{}) {
	buf := make([]byte, 1024)
	for {
		n, err := sp.Read(buf)
		if err != nil {
			select {
			case <-done:
			default:
				p.log.Warn().Err(err).Int("channel", ch).Str("device", c.path).Msg("read failed")
			}
			return
		}
		if n == 0 {
			select {
			case <-done:
				return
			default:
				continue
			}
		}

		c.mu.Lock()
		room := p.cfg.RXCapacity - len(c.rx)
		keep := min(room, n)
		if keep < n {
			c.overruns += n - keep
		}
		c.rx = append(c.rx, buf[:keep]...)
		c.lastRX = time.Now()
		if c.idleTimer == nil {
			c.idleTimer = time.AfterFunc(p.cfg.IdleGap, p.signal)
		} else {
			c.idleTimer.Reset(p.cfg.IdleGap)
		}
		c.mu.Unlock()
		p.signal()
	}
}

func (p *Port) writer(c *channel, sp serial.Port, kick <-chan struct{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-kick:
		}
		for {
			c.mu.Lock()
			if len(c.tx) == 0 {
				c.mu.Unlock()
				break
			}
			chunk := append([]byte(nil), c.tx...)
			c.mu.Unlock()

			n, err := sp.Write(chunk)

			c.mu.Lock()
			if n > len(c.tx) {
				n = len(c.tx)
			}
			c.tx = append(c.tx[:0], c.tx[n:]...)
			c.mu.Unlock()
			p.signal()
			if err != nil {
				return
			}
		}
	}
}

// shutdown stops the goroutines and closes the device.
func (c *channel) shutdown() {
	c.mu.Lock()
	sp := c.port
	c.port = nil
	done := c.done
	c.done = nil
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.rx = nil
	c.tx = nil
	ctl := c.ctl
	c.ctl = -1
	c.mu.Unlock()

	if ctl >= 0 {
		unix.Close(ctl)
	}
	if done != nil {
		close(done)
	}
	if sp != nil {
		sp.Close()
	}
}

// Close implements hw.Port. Output queued here or in the driver keeps the
// channel open; the count is returned without waiting.
func (p *Port) Close(ch int) (int, error) {
	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	left := len(c.tx)
	open := c.port != nil
	c.mu.Unlock()
	if left > 0 {
		return left, nil
	}
	if open {
		if q := p.queued(c); q > 0 {
			return q, nil
		}
	}
	c.shutdown()

	p.mu.Lock()
	p.pending = p.pending.Without(ch)
	p.mu.Unlock()
	return 0, nil
}

// Available implements hw.Port.
func (p *Port) Available(ch int, lowWatermark int) (int, error) {
	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.watermark = max(lowWatermark, 1)
	c.suppressed = false
	n := len(c.rx)
	idle := n > 0 && time.Since(c.lastRX) >= p.cfg.IdleGap
	c.mu.Unlock()

	if n > 0 && (n >= lowWatermark || idle) {
		return n, nil
	}
	p.mu.Lock()
	p.pending = p.pending.Without(ch)
	p.mu.Unlock()
	return 0, nil
}

// Suppress implements hw.Port.
func (p *Port) Suppress(ch int) error {
	c, err := p.channel(ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.suppressed = true
	c.mu.Unlock()

	p.mu.Lock()
	p.pending = p.pending.Without(ch)
	p.mu.Unlock()
	return nil
}

// Read implements hw.Port.
func (p *Port) Read(ch int, b []byte) (int, error) {
	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	n := copy(b, c.rx)
	c.rx = append(c.rx[:0], c.rx[n:]...)
	empty := len(c.rx) == 0
	c.mu.Unlock()

	if empty {
		p.mu.Lock()
		p.pending = p.pending.Without(ch)
		p.mu.Unlock()
	}
	return n, nil
}

// Write implements hw.Port.
func (p *Port) Write(ch int, b []byte) (int, error) {
	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return 0, fmt.Errorf("channel %d is not open", ch)
	}
	n := min(p.cfg.TXCapacity-len(c.tx), len(b))
	if n <= 0 {
		return 0, nil
	}
	c.tx = append(c.tx, b[:n]...)
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return n, nil
}

// ReadWords implements hw.Port. Host ports carry eight data bits, so each
// byte becomes one word with a zero high byte.
func (p *Port) ReadWords(ch int, w []uint16) (int, error) {
	buf := make([]byte, len(w))
	n, err := p.Read(ch, buf)
	for i := 0; i < n; i++ {
		w[i] = uint16(buf[i])
	}
	return n, err
}

// WriteWords implements hw.Port; only the low byte of each word is sent.
func (p *Port) WriteWords(ch int, w []uint16) (int, error) {
	buf := make([]byte, len(w))
	for i, v := range w {
		buf[i] = byte(v)
	}
	return p.Write(ch, buf)
}

// Poll implements hw.Port.
func (p *Port) Poll() (hw.Readiness, error) {
	var buf [8]byte
	unix.Read(p.eventfd, buf[:])

	p.mu.Lock()
	chans := p.channels
	p.mu.Unlock()

	var r hw.Readiness
	now := time.Now()
	for i, c := range chans {
		c.mu.Lock()
		if c.port == nil {
			c.mu.Unlock()
			continue
		}
		n := len(c.rx)
		threshold := c.watermark
		if c.suppressed {
			threshold = p.cfg.RXCapacity - p.cfg.RXCapacity/4
		}
		idle := !c.suppressed && n > 0 && now.Sub(c.lastRX) >= p.cfg.IdleGap
		rx := (n > 0 && n >= threshold) || idle
		tx := len(c.tx) < p.cfg.TXCapacity
		c.mu.Unlock()

		if rx {
			r.RX = r.RX.With(i)
		}
		if tx {
			r.TX = r.TX.With(i)
		}
	}

	p.mu.Lock()
	p.pending |= r.RX
	p.mu.Unlock()
	return r, nil
}

// Pending implements hw.Port.
func (p *Port) Pending() hw.Mask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// SignalFD implements hw.Port.
func (p *Port) SignalFD() int {
	return p.eventfd
}

// SetEventFunc implements hw.EventSource. Host ports do not report breaks
// through go.bug.st/serial, so the function is only kept for Break.
func (p *Port) SetEventFunc(fn hw.EventFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = fn
}

// Break implements hw.Breaker. The line is held in break by a goroutine so
// the caller does not wait out d; the event func hears of it afterwards.
func (p *Port) Break(ch int, d time.Duration) error {
	c, err := p.channel(ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sp := c.port
	c.mu.Unlock()
	if sp == nil {
		return fmt.Errorf("channel %d is not open", ch)
	}
	go func() {
		if err := sp.Break(d); err != nil {
			p.log.Warn().Err(err).Int("channel", ch).Msg("break failed")
			return
		}
		p.mu.Lock()
		fn := p.events
		p.mu.Unlock()
		if fn != nil {
			fn(ch, hw.EventBreak)
		}
	}()
	return nil
}

// Overruns implements hw.OverrunCounter.
func (p *Port) Overruns(ch int) int {
	c, err := p.channel(ch)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overruns
}

// Release implements hw.Port.
func (p *Port) Release() error {
	p.mu.Lock()
	chans := p.channels
	p.channels = nil
	p.mu.Unlock()
	for _, c := range chans {
		c.shutdown()
	}
	return unix.Close(p.eventfd)
}

// Package sim is an in-memory multi-channel serial port. It backs tests and
// the daemon's simulated hardware mode.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/valentic/serialmux/internal/hw"
)

// Config sizes the simulated hardware.
type Config struct {
	Channels   int
	Loopback   bool // transmitted bytes reappear on the same channel's receive side
	RXCapacity int  // receive memory per channel
	TXCapacity int  // transmit memory per channel
	TXRate     int  // bytes leaving transmit memory per Poll; 0 means all
}

func (c Config) withDefaults() Config {
	if c.RXCapacity <= 0 {
		c.RXCapacity = 4096
	}
	if c.TXCapacity <= 0 {
		c.TXCapacity = 4096
	}
	return c
}

type channel struct {
	open       bool
	breaks     int
	mode       string
	baud       int
	rx         []byte
	tx         []byte
	sent       []byte
	watermark  int
	suppressed bool
	arrived    bool
	idle       bool
	overruns   int
	closeBusy  int
}

// Port implements hw.Port in memory. Test hooks may be called from any
// goroutine.
type Port struct {
	mu       sync.Mutex
	cfg      Config
	count    int
	channels []*channel
	pending  hw.Mask
	events   hw.EventFunc
	resets   int
	released bool
}

var (
	_ hw.Port           = (*Port)(nil)
	_ hw.Breaker        = (*Port)(nil)
	_ hw.OverrunCounter = (*Port)(nil)
)

// New creates a simulated port. Channels are not usable until Reset.
func New(cfg Config) *Port {
	cfg = cfg.withDefaults()
	return &Port{cfg: cfg, count: cfg.Channels}
}

// SetChannels changes the count the next Reset reports.
func (p *Port) SetChannels(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count = n
}

// Resets returns how many times Reset was called.
func (p *Port) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// Reset implements hw.Port.
func (p *Port) Reset() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resets++
	n := p.count
	if n > hw.MaxChannels {
		n = hw.MaxChannels
	}
	p.channels = make([]*channel, n)
	for i := range p.channels {
		p.channels[i] = &channel{watermark: 1}
	}
	p.pending = 0
	return n, nil
}

func (p *Port) channel(ch int) (*channel, error) {
	if err := hw.CheckChannel(ch, len(p.channels)); err != nil {
		return nil, err
	}
	return p.channels[ch], nil
}

// Open implements hw.Port.
func (p *Port) Open(ch int, mode string, baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return err
	}
	c.open = true
	c.mode = mode
	c.baud = baud
	c.rx = c.rx[:0]
	c.tx = c.tx[:0]
	c.suppressed = false
	c.watermark = 1
	p.pending = p.pending.Without(ch)
	return nil
}

// Break implements hw.Breaker. In loopback the break comes straight back
// as a line event.
func (p *Port) Break(ch int, d time.Duration) error {
	p.mu.Lock()
	c, err := p.channel(ch)
	if err == nil && !c.open {
		err = fmt.Errorf("channel %d is not open", ch)
	}
	if err != nil {
		p.mu.Unlock()
		return err
	}
	c.breaks++
	fn := p.events
	loop := p.cfg.Loopback
	p.mu.Unlock()

	if loop && fn != nil {
		fn(ch, hw.EventBreak)
	}
	return nil
}

// Overruns implements hw.OverrunCounter.
func (p *Port) Overruns(ch int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0
	}
	return c.overruns
}

// Close implements hw.Port.
func (p *Port) Close(ch int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	if c.closeBusy > 0 {
		c.closeBusy--
		return 1, nil
	}
	if len(c.tx) > 0 {
		return len(c.tx), nil
	}
	c.open = false
	p.pending = p.pending.Without(ch)
	return 0, nil
}

// Available implements hw.Port.
func (p *Port) Available(ch int, lowWatermark int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	if lowWatermark < 1 {
		lowWatermark = 1
	}
	c.watermark = lowWatermark
	c.suppressed = false

	n := len(c.rx)
	if n > 0 && (n >= lowWatermark || c.idle) {
		return n, nil
	}
	p.pending = p.pending.Without(ch)
	return 0, nil
}

// Suppress implements hw.Port.
func (p *Port) Suppress(ch int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return err
	}
	c.suppressed = true
	p.pending = p.pending.Without(ch)
	return nil
}

// Read implements hw.Port.
func (p *Port) Read(ch int, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	n := copy(b, c.rx)
	c.rx = append(c.rx[:0], c.rx[n:]...)
	if len(c.rx) == 0 {
		p.pending = p.pending.Without(ch)
	}
	return n, nil
}

// Write implements hw.Port.
func (p *Port) Write(ch int, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	room := p.cfg.TXCapacity - len(c.tx)
	n := min(room, len(b))
	if n <= 0 {
		return 0, nil
	}
	c.tx = append(c.tx, b[:n]...)
	return n, nil
}

// ReadWords implements hw.Port. Words are stored little-endian.
func (p *Port) ReadWords(ch int, w []uint16) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	n := min(len(w), len(c.rx)/2)
	for i := 0; i < n; i++ {
		w[i] = uint16(c.rx[2*i]) | uint16(c.rx[2*i+1])<<8
	}
	c.rx = append(c.rx[:0], c.rx[2*n:]...)
	if len(c.rx) == 0 {
		p.pending = p.pending.Without(ch)
	}
	return n, nil
}

// WriteWords implements hw.Port.
func (p *Port) WriteWords(ch int, w []uint16) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0, err
	}
	n := min(len(w), (p.cfg.TXCapacity-len(c.tx))/2)
	for i := 0; i < n; i++ {
		c.tx = append(c.tx, byte(w[i]), byte(w[i]>>8))
	}
	return max(n, 0), nil
}

// Poll moves transmit memory onto the line and samples readiness.
func (p *Port) Poll() (hw.Readiness, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r hw.Readiness
	for i, c := range p.channels {
		if !c.open {
			continue
		}

		if len(c.tx) > 0 {
			n := len(c.tx)
			if p.cfg.TXRate > 0 && n > p.cfg.TXRate {
				n = p.cfg.TXRate
			}
			out := c.tx[:n]
			if p.cfg.Loopback {
				p.receiveLocked(c, out)
			} else {
				c.sent = append(c.sent, out...)
			}
			c.tx = append(c.tx[:0], c.tx[n:]...)
		}

		c.idle = len(c.rx) > 0 && !c.arrived
		c.arrived = false

		// A suppressed channel still signals when receive memory is nearly full.
		threshold := c.watermark
		if c.suppressed {
			threshold = p.cfg.RXCapacity - p.cfg.RXCapacity/4
		}
		if (len(c.rx) > 0 && len(c.rx) >= threshold) || (!c.suppressed && c.idle) {
			r.RX = r.RX.With(i)
			p.pending = p.pending.With(i)
		}
		if len(c.tx) < p.cfg.TXCapacity {
			r.TX = r.TX.With(i)
		}
	}
	return r, nil
}

// Pending implements hw.Port.
func (p *Port) Pending() hw.Mask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// SignalFD implements hw.Port; the simulation is polled.
func (p *Port) SignalFD() int {
	return -1
}

// Release implements hw.Port.
func (p *Port) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	p.channels = nil
	return nil
}

// SetEventFunc implements hw.EventSource.
func (p *Port) SetEventFunc(fn hw.EventFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = fn
}

func (p *Port) receiveLocked(c *channel, data []byte) int {
	room := p.cfg.RXCapacity - len(c.rx)
	n := min(room, len(data))
	if n < len(data) {
		c.overruns += len(data) - max(n, 0)
	}
	if n <= 0 {
		return 0
	}
	c.rx = append(c.rx, data[:n]...)
	c.arrived = true
	return n
}

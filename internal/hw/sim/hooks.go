package sim

import (
	"github.com/valentic/serialmux/internal/hw"
)

// Inject delivers data as if it arrived on channel ch's line. Bytes beyond
// the receive memory are dropped and counted as overruns. It returns the
// number of bytes stored.
func (p *Port) Inject(ch int, data []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0
	}
	return p.receiveLocked(c, data)
}

// Transmitted returns and clears what channel ch put on the line.
func (p *Port) Transmitted(ch int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return nil
	}
	out := c.sent
	c.sent = nil
	return out
}

// Queued returns the bytes waiting in ch's transmit memory.
func (p *Port) Queued(ch int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0
	}
	return len(c.tx)
}

// Buffered returns the bytes waiting in ch's receive memory.
func (p *Port) Buffered(ch int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0
	}
	return len(c.rx)
}

// Settings returns what channel ch was last opened with.
func (p *Port) Settings(ch int) (mode string, baud int, open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return "", 0, false
	}
	return c.mode, c.baud, c.open
}

// Suppressed reports whether receive signalling on ch is held off.
func (p *Port) Suppressed(ch int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return false
	}
	return c.suppressed
}

// HoldClose makes the next n Close calls on ch report one byte still queued.
func (p *Port) HoldClose(ch int, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, err := p.channel(ch); err == nil {
		c.closeBusy = n
	}
}

// InjectBreak reports a break condition on ch to the event func.
func (p *Port) InjectBreak(ch int) {
	p.mu.Lock()
	fn := p.events
	p.mu.Unlock()

	if fn != nil {
		fn(ch, hw.EventBreak)
	}
}

// Breaks returns how many breaks ch has sent.
func (p *Port) Breaks(ch int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.channel(ch)
	if err != nil {
		return 0
	}
	return c.breaks
}

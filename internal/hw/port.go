// Package hw defines the contract between the multiplexer and the hardware
// layer that owns the serial channels.
package hw

import (
	"errors"
	"fmt"
	"time"
)

// MaxChannels is the largest channel count a port may report.
const MaxChannels = 64

// ErrBadChannel is returned for a channel index the port does not have.
var ErrBadChannel = errors.New("no such channel")

// Mask has bit i set for channel i.
type Mask uint64

// Has reports whether channel ch is set.
func (m Mask) Has(ch int) bool {
	return ch >= 0 && ch < MaxChannels && m&(1<<uint(ch)) != 0
}

// With returns m with channel ch set.
func (m Mask) With(ch int) Mask {
	return m | 1<<uint(ch)
}

// Without returns m with channel ch cleared.
func (m Mask) Without(ch int) Mask {
	return m &^ (1 << uint(ch))
}

// Readiness is what the hardware reported for one reactor tick.
type Readiness struct {
	RX Mask // receive data available (subject to the low watermark)
	TX Mask // transmit memory has room
}

// Event is an out-of-band line condition passed through to observers.
type Event int

const (
	EventBreak Event = iota + 1
	EventIdle
)

func (e Event) String() string {
	switch e {
	case EventBreak:
		return "break"
	case EventIdle:
		return "idle"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// EventFunc receives line events. It may be called from any goroutine and
// must not block.
type EventFunc func(ch int, ev Event)

// Port is the hardware channel layer. All calls are non-blocking and are made
// from a single goroutine.
type Port interface {
	// Reset probes the hardware, closes every channel and returns the
	// number of channels present.
	Reset() (int, error)

	// Open configures and enables channel ch.
	Open(ch int, mode string, baud int) error

	// Close drains and disables channel ch. A positive result is the
	// number of transmit bytes still queued; the caller retries later.
	Close(ch int) (int, error)

	// Available reports receive bytes ready on ch and arms the receive
	// signal threshold at lowWatermark. It returns 0 when fewer than
	// lowWatermark bytes are waiting and the line has not gone idle; that
	// also clears the channel's pending flag.
	Available(ch int, lowWatermark int) (int, error)

	// Suppress stops receive signalling on ch until the next Available.
	Suppress(ch int) error

	Read(ch int, p []byte) (int, error)
	Write(ch int, p []byte) (int, error)

	// ReadWords and WriteWords move 16-bit words for raw mode channels.
	ReadWords(ch int, w []uint16) (int, error)
	WriteWords(ch int, w []uint16) (int, error)

	// Poll samples readiness for a tick and acknowledges the signal fd.
	Poll() (Readiness, error)

	// Pending returns channels whose receive flag is still raised.
	Pending() Mask

	// SignalFD is readable when the hardware wants attention. -1 means the
	// caller must poll at a fixed interval.
	SignalFD() int

	// Release frees the hardware.
	Release() error
}

// EventSource is implemented by ports that can report line events.
type EventSource interface {
	SetEventFunc(fn EventFunc)
}

// Breaker is implemented by ports that can send a break condition. Break
// returns at once; the line is released after d.
type Breaker interface {
	Break(ch int, d time.Duration) error
}

// OverrunCounter is implemented by ports that count receive bytes lost
// because receive memory was full.
type OverrunCounter interface {
	Overruns(ch int) int
}

// CheckChannel returns ErrBadChannel when ch is outside [0, n).
func CheckChannel(ch, n int) error {
	if ch < 0 || ch >= n {
		return fmt.Errorf("%w: %d", ErrBadChannel, ch)
	}
	return nil
}

//go:build linux

// Package mux is the channel multiplexer: one goroutine that waits on every
// listener, client connection and the hardware signal at once, and moves
// bytes between each client and its serial channel without blocking.
package mux

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/buffer"
	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/model"
	"github.com/valentic/serialmux/internal/poller"
)

const (
	// maxReentry bounds the extra receive passes within one tick.
	maxReentry = 8

	DefaultPollInterval    = 10 * time.Millisecond
	DefaultDrainTimeout    = 5 * time.Second
	DefaultOverflowTimeout = 30 * time.Second
)

// Config holds reactor settings.
type Config struct {
	// BasePort is the TCP port of channel 0; channel i listens on BasePort+i.
	BasePort int

	// Defaults are the settings a channel starts with.
	Defaults linemode.Settings

	// PollInterval is the wait timeout when the hardware has no signal
	// descriptor or work is outstanding.
	PollInterval time.Duration

	// DrainTimeout bounds how long a closing channel waits for transmit
	// memory to empty.
	DrainTimeout time.Duration

	// OverflowTimeout drops a client that has not taken pending receive
	// data for this long. Zero disables it.
	OverflowTimeout time.Duration

	// AutoTerminate stops the reactor when the last client leaves without
	// having sent a command.
	AutoTerminate bool

	// HistorySize keeps the last bytes received on each channel. Zero
	// disables history.
	HistorySize int

	// CaptureData publishes data events carrying every transferred chunk.
	CaptureData bool
}

// DefaultConfig returns the stock configuration for base port 7350.
func DefaultConfig() Config {
	return Config{
		BasePort:        7350,
		Defaults:        linemode.Default(),
		PollInterval:    DefaultPollInterval,
		DrainTimeout:    DefaultDrainTimeout,
		OverflowTimeout: DefaultOverflowTimeout,
	}
}

// Options are the collaborators of a reactor.
type Options struct {
	Port     hw.Port
	Network  Network
	Poller   Poller
	Observer Observer
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Reactor owns the channel sessions. Everything except the control methods
// and Stats runs on the goroutine that calls Run.
type Reactor struct {
	cfg      Config
	port     hw.Port
	network  Network
	poll     Poller
	observer Observer
	log      zerolog.Logger
	now      func() time.Time

	owned    *EpollPoller

	reg      Registry
	stats    counters
	ctl      chan control
	done     chan struct{}
	interest []poller.Interest
	words    [buffer.TransferSize / 2]uint16

	started bool
	stopped bool
	exit    bool
}

// New creates a reactor. Start or Run probes the hardware.
func New(cfg Config, opts Options) (*Reactor, error) {
	if opts.Port == nil {
		return nil, fmt.Errorf("reactor needs a hardware port")
	}
	if opts.Network == nil {
		opts.Network = TCPNetwork{}
	}
	var owned *EpollPoller
	if opts.Poller == nil {
		p, err := NewEpollPoller()
		if err != nil {
			return nil, err
		}
		opts.Poller = p
		owned = p
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Defaults.Baud == 0 {
		cfg.Defaults = linemode.Default()
	}
	cfg.Defaults.LowWatermark = linemode.ClampLowWatermark(cfg.Defaults.LowWatermark)

	return &Reactor{
		cfg:      cfg,
		port:     opts.Port,
		network:  opts.Network,
		poll:     opts.Poller,
		owned:    owned,
		observer: opts.Observer,
		log:      opts.Logger.With().Str("component", "reactor").Logger(),
		now:      opts.Now,
		ctl:      make(chan control, 16),
		done:     make(chan struct{}),
	}, nil
}

// Start probes the hardware and opens one listener per channel. A probe
// failure, zero channels or a bind failure is returned.
func (r *Reactor) Start() error {
	if r.started {
		return nil
	}
	n, err := r.port.Reset()
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrProbeFailed, err)
	}
	if n == 0 {
		return model.ErrNoChannels
	}
	n = min(n, hw.MaxChannels)

	for i := 0; i < n; i++ {
		s := newSession(i, r.cfg.BasePort+i, r.cfg.Defaults, r.cfg.HistorySize)
		l, err := r.network.Listen(s.Port)
		if err != nil {
			r.closeListeners()
			return fmt.Errorf("failed to listen for channel %d on port %d: %w", i, s.Port, err)
		}
		s.listener = l
		r.reg.add(s)
	}
	r.stats.channels.Store(int64(n))

	if es, ok := r.port.(hw.EventSource); ok {
		es.SetEventFunc(r.lineEvent)
	}

	r.started = true
	r.log.Info().Int("channels", n).Int("base_port", r.cfg.BasePort).Msg("reactor started")
	return nil
}

func (r *Reactor) closeListeners() {
	for _, s := range r.reg.sessions {
		if s.listener != nil {
			s.listener.Close()
		}
	}
	r.reg.sessions = nil
}

// Run starts the reactor if needed and loops until Terminate, ctx is done,
// auto-termination or a rescan that finds no channels.
func (r *Reactor) Run(ctx context.Context) error {
	defer func() {
		if r.owned != nil {
			r.owned.Close()
		}
		close(r.done)
	}()
	if err := r.Start(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, r.Terminate)
	defer stop()

	for {
		done, err := r.Tick()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Tick runs one reactor iteration: control requests, one wait, service
// passes, accepts, drains and the overflow check. It reports true once the
// reactor has shut down.
func (r *Reactor) Tick() (bool, error) {
	if r.stopped {
		return true, nil
	}
	if r.handleControl() {
		return true, nil
	}

	ready, err := r.poll.Wait(r.buildInterest(), r.waitTimeout())
	if err != nil {
		r.shutdown("poll failure")
		return true, fmt.Errorf("reactor wait failed: %w", err)
	}
	r.stats.wakeups.Add(1)

	q, err := r.port.Poll()
	if err != nil {
		r.log.Warn().Err(err).Msg("hardware poll failed")
		q = hw.Readiness{}
	}

	r.serviceAll(ready, q, false)
	r.reenter()
	r.acceptAll(ready)
	r.progressDrains()
	r.checkOverflow()

	if r.exit {
		r.shutdown("auto-terminate")
		return true, nil
	}
	return false, nil
}

func (r *Reactor) buildInterest() []poller.Interest {
	in := r.interest[:0]
	if fd := r.port.SignalFD(); fd >= 0 {
		in = append(in, poller.Interest{FD: fd, Read: true})
	}
	for _, s := range r.reg.sessions {
		switch s.state {
		case StateIdle:
			if s.listener != nil {
				in = append(in, poller.Interest{FD: s.listener.Fd(), Read: true})
			}
		case StateActive:
			in = append(in, poller.Interest{
				FD:    s.conn.Fd(),
				Read:  s.tx.Empty(),
				Write: !s.rx.Empty(),
			})
		}
	}
	r.interest = in
	return in
}

// waitTimeout is -1 (forever) only when the hardware can signal and nothing
// is outstanding.
func (r *Reactor) waitTimeout() time.Duration {
	if r.port.SignalFD() < 0 {
		return r.cfg.PollInterval
	}
	for _, s := range r.reg.sessions {
		if s.state == StateDraining || !s.tx.Empty() || !s.rx.Empty() || s.rearm {
			return r.cfg.PollInterval
		}
	}
	return -1
}

// Registry returns the sessions. Only safe on the reactor goroutine or
// before Run.
func (r *Reactor) Registry() *Registry {
	return &r.reg
}

// Stats returns the counters. Safe from any goroutine.
func (r *Reactor) Stats() Stats {
	return r.stats.snapshot()
}

// Done is closed when Run returns.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) publish(e Event) {
	if r.observer == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	r.observer.Observe(e)
}

func (r *Reactor) lineEvent(ch int, ev hw.Event) {
	if ev != hw.EventBreak {
		return
	}
	r.publish(Event{Kind: EventBreak, Channel: ch, Time: time.Now()})
}

//go:build linux

package mux

import (
	"context"
	"errors"
	"time"

	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/model"
)

type controlKind int

const (
	ctlTerminate controlKind = iota
	ctlRescan
	ctlChannels
	ctlHistory
	ctlBreak
)

type control struct {
	kind     controlKind
	channel  int
	duration time.Duration
	reply    chan any
}

// send queues c and wakes the reactor.
func (r *Reactor) send(c control) error {
	select {
	case <-r.done:
		return model.ErrReactorStopped
	default:
	}
	select {
	case r.ctl <- c:
	case <-r.done:
		return model.ErrReactorStopped
	}
	if err := r.poll.Wake(); err != nil {
		r.log.Warn().Err(err).Msg("failed to wake reactor")
	}
	return nil
}

// Terminate asks the reactor to reset the hardware, close everything and
// return from Run. Safe from any goroutine, including signal handlers.
func (r *Reactor) Terminate() {
	r.send(control{kind: ctlTerminate})
}

// Rescan asks the reactor to re-probe the hardware.
func (r *Reactor) Rescan() error {
	return r.send(control{kind: ctlRescan})
}

// Channels returns a snapshot of every channel.
func (r *Reactor) Channels(ctx context.Context) ([]ChannelInfo, error) {
	v, err := r.query(ctx, control{kind: ctlChannels})
	if err != nil {
		return nil, err
	}
	return v.([]ChannelInfo), nil
}

// Channel returns a snapshot of one channel.
func (r *Reactor) Channel(ctx context.Context, index int) (ChannelInfo, error) {
	all, err := r.Channels(ctx)
	if err != nil {
		return ChannelInfo{}, err
	}
	if index < 0 || index >= len(all) {
		return ChannelInfo{}, model.ErrChannelNotFound
	}
	return all[index], nil
}

// History returns the most recent bytes received on a channel.
func (r *Reactor) History(ctx context.Context, index int) ([]byte, error) {
	v, err := r.query(ctx, control{kind: ctlHistory, channel: index})
	if err != nil {
		return nil, err
	}
	if err, ok := v.(error); ok {
		return nil, err
	}
	return v.([]byte), nil
}

// SendBreak holds the line of a channel with an active client in break for
// d. The call returns once the hardware has started the break.
func (r *Reactor) SendBreak(ctx context.Context, index int, d time.Duration) error {
	v, err := r.query(ctx, control{kind: ctlBreak, channel: index, duration: d})
	if err != nil {
		return err
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

func (r *Reactor) query(ctx context.Context, c control) (any, error) {
	c.reply = make(chan any, 1)
	if err := r.send(c); err != nil {
		return nil, err
	}
	select {
	case v := <-c.reply:
		return v, nil
	case <-r.done:
		return nil, model.ErrReactorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleControl runs queued requests. It reports true when the reactor
// stopped.
func (r *Reactor) handleControl() bool {
	for {
		select {
		case c := <-r.ctl:
			switch c.kind {
			case ctlTerminate:
				r.shutdown("terminate requested")
				return true
			case ctlRescan:
				if r.rescan() == 0 {
					r.shutdown("no channels after rescan")
					return true
				}
			case ctlChannels:
				oc, _ := r.port.(hw.OverrunCounter)
				infos := make([]ChannelInfo, 0, r.reg.Len())
				for _, s := range r.reg.sessions {
					ci := s.info()
					if oc != nil {
						ci.Overruns = oc.Overruns(s.Index)
					}
					infos = append(infos, ci)
				}
				c.reply <- infos
			case ctlHistory:
				s, ok := r.reg.Get(c.channel)
				switch {
				case !ok:
					c.reply <- model.ErrChannelNotFound
				case s.history == nil:
					c.reply <- []byte{}
				default:
					c.reply <- s.history.ReadAll()
				}
			case ctlBreak:
				c.reply <- r.sendBreak(c.channel, c.duration)
			}
		default:
			return false
		}
	}
}

func (r *Reactor) sendBreak(index int, d time.Duration) error {
	s, ok := r.reg.Get(index)
	if !ok {
		return model.ErrChannelNotFound
	}
	if s.state != StateActive {
		return model.ErrChannelNotOpen
	}
	b, ok := r.port.(hw.Breaker)
	if !ok {
		return model.ErrNotSupported
	}
	if err := b.Break(index, d); err != nil {
		if errors.Is(err, hw.ErrNoBreak) {
			return model.ErrNotSupported
		}
		return err
	}
	r.log.Info().Int("channel", index).Dur("duration", d).Msg("break sent")
	return nil
}

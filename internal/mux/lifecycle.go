//go:build linux

package mux

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"

	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/sock"
)

// Disconnect reasons.
const (
	ReasonPeerClosed      = "closed by peer"
	ReasonOverflowTimeout = "overflow timeout"
	ReasonChannelRemoved  = "channel removed"
	ReasonTerminated      = "terminated"
)

// acceptAll takes at most one connection per idle channel. Listeners of
// active channels are not polled, so extra clients wait in the backlog.
func (r *Reactor) acceptAll(ready Ready) {
	for _, s := range r.reg.sessions {
		if s.state != StateIdle || s.listener == nil || !ready.Readable(s.listener.Fd()) {
			continue
		}
		c, err := s.listener.Accept()
		if errors.Is(err, sock.ErrWouldBlock) {
			continue
		}
		if err != nil {
			r.log.Warn().Err(err).Int("channel", s.Index).Msg("accept failed")
			continue
		}
		r.attach(s, c)
	}
}

func (r *Reactor) attach(s *Session, c Conn) {
	if err := r.port.Open(s.Index, s.Settings.Mode, s.Settings.Baud); err != nil {
		r.log.Warn().Err(err).Int("channel", s.Index).Str("settings", s.Settings.String()).
			Msg("failed to open channel")
	}

	s.conn = c
	s.state = StateActive
	s.resetTransfer()
	s.raw = s.Settings.Raw()
	s.urgent = UrgentPending
	s.command = s.command[:0]
	s.connID = uuid.NewString()
	s.remote = c.RemoteAddr()
	s.openedAt = r.now()
	s.connTx = 0
	s.connRx = 0

	r.log.Info().Int("channel", s.Index).Str("remote", s.remote).Str("id", s.connID).
		Str("settings", s.Settings.String()).Msg("client connected")
	r.publish(Event{
		Kind:     EventConnected,
		Channel:  s.Index,
		Time:     s.openedAt,
		ConnID:   s.connID,
		Remote:   s.remote,
		Settings: s.Settings,
	})
}

// detach forgets and closes the client and reports the disconnect.
func (r *Reactor) detach(s *Session, reason string, abort bool) {
	if s.conn == nil {
		return
	}
	r.poll.Forget(s.conn.Fd())
	var err error
	if abort {
		err = s.conn.Abort()
	} else {
		err = s.conn.Close()
	}
	if err != nil {
		r.log.Debug().Err(err).Int("channel", s.Index).Msg("close failed")
	}

	r.log.Info().Int("channel", s.Index).Str("remote", s.remote).Str("reason", reason).
		Str("tx", sizestr.ToString(int64(s.connTx))).Str("rx", sizestr.ToString(int64(s.connRx))).
		Msg("client disconnected")
	r.publish(Event{
		Kind:     EventDisconnected,
		Channel:  s.Index,
		ConnID:   s.connID,
		Remote:   s.remote,
		Settings: s.Settings,
		TxBytes:  s.connTx,
		RxBytes:  s.connRx,
		Reason:   reason,
		Command:  string(s.command),
	})

	s.conn = nil
	s.resetTransfer()
}

// teardown ends the active connection and starts draining the channel.
func (r *Reactor) teardown(s *Session, reason string) {
	r.detach(s, reason, false)
	s.state = StateDraining
	s.drainStart = r.now()
	r.drain(s)
}

// drain tries to close the hardware channel; it finishes once transmit
// memory is empty or the drain timeout passes.
func (r *Reactor) drain(s *Session) {
	left, err := r.port.Close(s.Index)
	if err != nil {
		r.log.Warn().Err(err).Int("channel", s.Index).Msg("failed to close channel")
		left = 0
	}
	if left > 0 {
		if r.now().Sub(s.drainStart) < r.cfg.DrainTimeout {
			return
		}
		r.log.Warn().Int("channel", s.Index).Int("queued", left).Msg("drain timed out")
	}
	r.finish(s)
}

func (r *Reactor) progressDrains() {
	for _, s := range r.reg.sessions {
		if s.state == StateDraining {
			r.drain(s)
		}
	}
}

// finish applies a captured command and returns the channel to idle.
func (r *Reactor) finish(s *Session) {
	hadCommand := len(s.command) > 0
	if hadCommand {
		text := string(s.command)
		cmd, err := linemode.ParseCommand(text)
		if err != nil {
			r.log.Warn().Err(err).Int("channel", s.Index).Str("command", text).Msg("ignoring command")
		}
		if !cmd.IsZero() {
			s.Settings = s.Settings.Apply(cmd)
			r.log.Info().Int("channel", s.Index).Str("settings", s.Settings.String()).Msg("settings changed")
			r.publish(Event{
				Kind:     EventCommandApplied,
				Channel:  s.Index,
				ConnID:   s.connID,
				Settings: s.Settings,
				Command:  text,
			})
		}
	}
	s.command = s.command[:0]
	s.urgent = UrgentNormal
	s.state = StateIdle

	if r.cfg.AutoTerminate && !hadCommand && !r.reg.Busy() {
		r.exit = true
	}
}

func (r *Reactor) checkOverflow() {
	if r.cfg.OverflowTimeout <= 0 {
		return
	}
	now := r.now()
	for _, s := range r.reg.sessions {
		if s.state != StateActive || s.overflowSince.IsZero() {
			continue
		}
		if now.Sub(s.overflowSince) >= r.cfg.OverflowTimeout {
			r.teardown(s, ReasonOverflowTimeout)
		}
	}
}

// rescan re-probes the hardware and resizes the registry. It returns the
// new channel count.
func (r *Reactor) rescan() int {
	n, err := r.port.Reset()
	if err != nil {
		r.log.Error().Err(err).Msg("rescan failed")
		return r.reg.Len()
	}
	n = min(n, hw.MaxChannels)
	old := r.reg.Len()

	for _, s := range r.reg.truncate(n) {
		r.detach(s, ReasonChannelRemoved, true)
		if s.listener != nil {
			r.poll.Forget(s.listener.Fd())
			s.listener.Close()
			s.listener = nil
		}
	}

	// Reset flushed the hardware; nothing is left to drain.
	for _, s := range r.reg.sessions {
		if s.state == StateDraining {
			r.finish(s)
		}
	}

	for i := old; i < n; i++ {
		r.reg.add(newSession(i, r.cfg.BasePort+i, r.cfg.Defaults, r.cfg.HistorySize))
	}
	for _, s := range r.reg.sessions {
		if s.listener != nil {
			continue
		}
		l, err := r.network.Listen(s.Port)
		if err != nil {
			r.log.Warn().Err(err).Int("channel", s.Index).Int("port", s.Port).Msg("failed to listen")
			continue
		}
		s.listener = l
	}

	for _, s := range r.reg.sessions {
		if s.state != StateActive {
			continue
		}
		if err := r.port.Open(s.Index, s.Settings.Mode, s.Settings.Baud); err != nil {
			r.log.Warn().Err(err).Int("channel", s.Index).Msg("failed to reopen channel")
		}
	}

	r.stats.channels.Store(int64(n))
	r.log.Info().Int("channels", n).Int("previous", old).Msg("rescan complete")
	r.publish(Event{Kind: EventRescan, Channel: -1, Channels: n})
	return n
}

// shutdown resets the hardware and closes every descriptor.
func (r *Reactor) shutdown(reason string) {
	if r.stopped {
		return
	}
	r.stopped = true

	if _, err := r.port.Reset(); err != nil {
		r.log.Warn().Err(err).Msg("hardware reset failed")
	}
	for _, s := range r.reg.sessions {
		r.detach(s, ReasonTerminated, false)
		if s.listener != nil {
			r.poll.Forget(s.listener.Fd())
			s.listener.Close()
			s.listener = nil
		}
		s.state = StateIdle
	}
	r.log.Info().Str("reason", reason).Msg("reactor stopped")
}

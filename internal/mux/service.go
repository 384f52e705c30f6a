//go:build linux

package mux

import (
	"errors"
	"io"
	"time"

	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/sock"
)

func (r *Reactor) serviceAll(ready Ready, q hw.Readiness, reentry bool) {
	for _, s := range r.reg.sessions {
		if s.state == StateActive {
			r.service(s, ready, q, reentry)
		}
	}
}

// service moves data for one active channel. During re-entry passes client
// reads and backlog flushes are skipped; only hardware receive is serviced.
func (r *Reactor) service(s *Session, ready Ready, q hw.Readiness, reentry bool) {
	fd := s.conn.Fd()

	// Client to hardware.
	if s.tx.Empty() {
		if !reentry && ready.Readable(fd) && !r.readClient(s) {
			return
		}
	} else if q.TX.Has(s.Index) {
		if !r.flushTX(s) {
			return
		}
	}

	// Hardware to client.
	avail := 0
	if q.RX.Has(s.Index) || s.rearm {
		s.rearm = false
		n, err := r.port.Available(s.Index, s.Settings.LowWatermark)
		if err != nil {
			r.teardown(s, "hardware error: "+err.Error())
			return
		}
		avail = n
	}
	if avail > 0 && s.rx.Empty() {
		if !r.readHardware(s, avail) {
			return
		}
	} else if !s.rx.Empty() && !reentry && ready.Writable(fd) {
		if !r.flushRX(s) {
			return
		}
	}

	if avail > 0 && !s.rx.Empty() {
		s.overflowed = true
	}
}

// reenter gives channels whose receive flag is still raised extra passes
// within the same tick. Channels that are backed up are left alone.
func (r *Reactor) reenter() {
	for pass := 0; pass < maxReentry; pass++ {
		pending := r.port.Pending()
		var mask hw.Mask
		for _, s := range r.reg.sessions {
			if s.state != StateActive || s.overflowed {
				continue
			}
			if pending.Has(s.Index) || s.rearm {
				mask = mask.With(s.Index)
			}
		}
		if mask == 0 {
			return
		}
		r.serviceAll(noneReady{}, hw.Readiness{RX: mask}, true)
	}
}

// readClient reads one chunk from the client. It returns false if the
// connection was torn down.
func (r *Reactor) readClient(s *Session) bool {
	if s.urgent == UrgentPending {
		mark, err := s.conn.AtMark()
		if err != nil {
			r.teardown(s, "urgent check failed: "+err.Error())
			return false
		}
		if mark {
			s.urgent = UrgentCapturing
		} else {
			s.urgent = UrgentNormal
		}
	}

	buf := s.tx.Space()
	n, err := s.conn.Read(buf)
	if errors.Is(err, sock.ErrWouldBlock) {
		return true
	}
	if err != nil {
		reason := "closed by peer"
		if !errors.Is(err, io.EOF) {
			reason = "read error: " + err.Error()
		}
		r.teardown(s, reason)
		return false
	}
	if n == 0 {
		return true
	}

	if s.urgent == UrgentCapturing {
		s.appendCommand(buf[:n])
		return true
	}

	r.capture(s, DirectionToHardware, buf[:n])
	w, err := r.writeHardware(s, buf[:n])
	if err != nil {
		r.teardown(s, "hardware error: "+err.Error())
		return false
	}
	r.countTX(s, w)
	s.tx.Hold(w, n)
	return true
}

func (r *Reactor) flushTX(s *Session) bool {
	w, err := r.writeHardware(s, s.tx.Bytes())
	if err != nil {
		r.teardown(s, "hardware error: "+err.Error())
		return false
	}
	r.countTX(s, w)
	s.tx.Consume(w)
	return true
}

func (r *Reactor) writeHardware(s *Session, p []byte) (int, error) {
	if s.raw {
		return s.words.write(p, func(w []uint16) (int, error) {
			return r.port.WriteWords(s.Index, w)
		})
	}
	return r.port.Write(s.Index, p)
}

// readHardware reads up to avail bytes into the receive buffer and offers
// them to the client. Whatever the client does not take stays pending and
// receive signalling is suppressed.
func (r *Reactor) readHardware(s *Session, avail int) bool {
	buf := s.rx.Space()
	want := min(avail, len(buf))

	var (
		n   int
		err error
	)
	if s.raw {
		words := want / 2
		if words == 0 {
			return true
		}
		var k int
		k, err = r.port.ReadWords(s.Index, r.words[:words])
		n = unpackWords(buf, r.words[:k])
	} else {
		n, err = r.port.Read(s.Index, buf[:want])
	}
	if err != nil {
		r.teardown(s, "hardware error: "+err.Error())
		return false
	}
	if n == 0 {
		return true
	}

	r.stats.rx.Add(uint64(n))
	s.connRx += uint64(n)
	if s.history != nil {
		s.history.Write(buf[:n])
	}
	r.capture(s, DirectionToClient, buf[:n])

	w, err := s.conn.Write(buf[:n])
	if errors.Is(err, sock.ErrWouldBlock) {
		w = 0
	} else if err != nil {
		r.teardown(s, "write error: "+err.Error())
		return false
	}
	if w < n {
		s.rx.Hold(w, n)
		if err := r.port.Suppress(s.Index); err != nil {
			r.log.Warn().Err(err).Int("channel", s.Index).Msg("failed to suppress receive signal")
		}
		if s.overflowSince.IsZero() {
			s.overflowSince = r.now()
		}
	}
	return true
}

func (r *Reactor) flushRX(s *Session) bool {
	w, err := s.conn.Write(s.rx.Bytes())
	if errors.Is(err, sock.ErrWouldBlock) {
		return true
	}
	if err != nil {
		r.teardown(s, "write error: "+err.Error())
		return false
	}
	s.rx.Consume(w)
	if s.rx.Empty() {
		s.overflowed = false
		s.overflowSince = time.Time{}
		// Receive signalling was suppressed; check the hardware again.
		s.rearm = true
	}
	return true
}

func (r *Reactor) countTX(s *Session, n int) {
	if n <= 0 {
		return
	}
	r.stats.tx.Add(uint64(n))
	s.connTx += uint64(n)
}

func (r *Reactor) capture(s *Session, dir string, p []byte) {
	if !r.cfg.CaptureData || r.observer == nil || len(p) == 0 {
		return
	}
	data := make([]byte, len(p))
	copy(data, p)
	r.publish(Event{
		Kind:      EventData,
		Channel:   s.Index,
		ConnID:    s.connID,
		Data:      data,
		Direction: dir,
	})
}

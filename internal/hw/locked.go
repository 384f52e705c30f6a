package hw

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoBreak is returned by Break when the wrapped port cannot send one.
var ErrNoBreak = errors.New("port cannot send break")

// Locker is a process-level lock around the shared hardware bus.
type Locker interface {
	Lock() error
	Unlock() error
}

// WithLock wraps p so every call that touches the bus holds l for exactly the
// duration of that call.
func WithLock(p Port, l Locker) Port {
	return &lockedPort{port: p, lock: l}
}

type lockedPort struct {
	port Port
	lock Locker
}

func (lp *lockedPort) do(fn func() error) error {
	if err := lp.lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire bus lock: %w", err)
	}
	defer lp.lock.Unlock()
	return fn()
}

func (lp *lockedPort) Reset() (n int, err error) {
	lerr := lp.do(func() error {
		n, err = lp.port.Reset()
		return nil
	})
	if lerr != nil {
		return 0, lerr
	}
	return n, err
}

func (lp *lockedPort) Open(ch int, mode string, baud int) error {
	return lp.do(func() error {
		return lp.port.Open(ch, mode, baud)
	})
}

func (lp *lockedPort) Close(ch int) (n int, err error) {
	lerr := lp.do(func() error {
		n, err = lp.port.Close(ch)
		return nil
	})
	if lerr != nil {
		return 0, lerr
	}
	return n, err
}

func (lp *lockedPort) Available(ch int, lowWatermark int) (n int, err error) {
	lerr := lp.do(func() error {
		n, err = lp.port.Available(ch, lowWatermark)
		return nil
	})
	if lerr != nil {
		return 0, lerr
	}
	return n, err
}

func (lp *lockedPort) Suppress(ch int) error {
	return lp.do(func() error {
		return lp.port.Suppress(ch)
	})
}

func (lp *lockedPort) Read(ch int, p []byte) (n int, err error) {
	lerr := lp.do(func() error {
		n, err = lp.port.Read(ch, p)
		return nil
	})
	if lerr != nil {
		return 0, lerr
	}
	return n, err
}

func (lp *lockedPort) Write(ch int, p []byte) (n int, err error) {
	lerr := lp.do(func() error {
		n, err = lp.port.Write(ch, p)
		return nil
	})
	if lerr != nil {
		return 0, lerr
	}
	return n, err
}

func (lp *lockedPort) ReadWords(ch int, w []uint16) (n int, err error) {
	lerr := lp.do(func() error {
		n, err = lp.port.ReadWords(ch, w)
		return nil
	})
	if lerr != nil {
		return 0, lerr
	}
	return n, err
}

func (lp *lockedPort) WriteWords(ch int, w []uint16) (n int, err error) {
	lerr := lp.do(func() error {
		n, err = lp.port.WriteWords(ch, w)
		return nil
	})
	if lerr != nil {
		return 0, lerr
	}
	return n, err
}

func (lp *lockedPort) Poll() (r Readiness, err error) {
	lerr := lp.do(func() error {
		r, err = lp.port.Poll()
		return nil
	})
	if lerr != nil {
		return Readiness{}, lerr
	}
	return r, err
}

func (lp *lockedPort) Release() error {
	return lp.do(lp.port.Release)
}

// Pending and SignalFD read local state only.
func (lp *lockedPort) Pending() Mask { return lp.port.Pending() }
func (lp *lockedPort) SignalFD() int { return lp.port.SignalFD() }

// SetEventFunc forwards to the wrapped port when it reports events.
func (lp *lockedPort) SetEventFunc(fn EventFunc) {
	if es, ok := lp.port.(EventSource); ok {
		es.SetEventFunc(fn)
	}
}

// Break forwards to the wrapped port under the lock.
func (lp *lockedPort) Break(ch int, d time.Duration) error {
	b, ok := lp.port.(Breaker)
	if !ok {
		return ErrNoBreak
	}
	return lp.do(func() error {
		return b.Break(ch, d)
	})
}

// Overruns reads a local counter of the wrapped port, if it keeps one.
func (lp *lockedPort) Overruns(ch int) int {
	if oc, ok := lp.port.(OverrunCounter); ok {
		return oc.Overruns(ch)
	}
	return 0
}

//go:build linux

package monitor

import (
	"fmt"
	"os"

	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/model"
)

// Running returns the status published by a live server for resource.
func Running(dir, resource string) (Status, bool) {
	s, err := ReadStatus(StatusPath(dir, resource))
	if err != nil || s.PID == os.Getpid() || !Alive(s.PID) {
		return Status{}, false
	}
	return s, true
}

// Probe reports a running server's status if there is one. Otherwise it
// resets the hardware and reports the channel count with zero counters.
func Probe(dir, resource string, port hw.Port) (Status, bool, error) {
	if s, ok := Running(dir, resource); ok {
		return s, true, nil
	}
	n, err := port.Reset()
	if err != nil {
		return Status{}, false, fmt.Errorf("%w: %w", model.ErrProbeFailed, err)
	}
	return Status{Resource: resource, Channels: n}, false, nil
}

// CheckNotRunning fails with model.ErrServerRunning when another server
// owns the resource.
func CheckNotRunning(dir, resource string) error {
	if s, ok := Running(dir, resource); ok {
		return fmt.Errorf("%w: pid %d", model.ErrServerRunning, s.PID)
	}
	return nil
}

//go:build linux

package monitor

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/mux"
)

// DefaultInterval is how often the status file is rewritten.
const DefaultInterval = time.Second

// StatsSource is what the publisher reads.
type StatsSource interface {
	Stats() mux.Stats
}

// Publisher keeps a status file current while a server runs.
type Publisher struct {
	Path     string
	Resource string
	BasePort int
	Interval time.Duration
	Source   StatsSource
	Logger   zerolog.Logger
}

// Snapshot builds the current status.
func (p *Publisher) Snapshot() Status {
	st := p.Source.Stats()
	return Status{
		Resource:  p.Resource,
		PID:       os.Getpid(),
		Channels:  st.Channels,
		Wakeups:   st.Wakeups,
		TxBytes:   st.TxBytes,
		RxBytes:   st.RxBytes,
		BasePort:  p.BasePort,
		UpdatedAt: time.Now().UTC(),
	}
}

// Run writes the status file every interval until ctx is done, then
// removes it.
func (p *Publisher) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if err := WriteStatus(p.Path, p.Snapshot()); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.Logger.Warn().Err(err).Str("path", p.Path).Msg("failed to remove status file")
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := WriteStatus(p.Path, p.Snapshot()); err != nil {
				p.Logger.Warn().Err(err).Msg("status update failed")
			}
		}
	}
}

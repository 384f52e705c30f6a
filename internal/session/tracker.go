//go:build linux

// Package session keeps the history of client connections: every
// connection the reactor reports is recorded when it opens and updated when
// it closes.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/model"
	"github.com/valentic/serialmux/internal/mux"
	"github.com/valentic/serialmux/internal/repository"
)

// Config holds configuration for the tracker.
type Config struct {
	// Retention prunes closed records older than this. Zero keeps everything.
	Retention time.Duration
}

// Tracker records connections.
type Tracker struct {
	repo      *repository.ConnectionRepository
	retention time.Duration
	log       zerolog.Logger

	mu   sync.RWMutex
	open map[string]*model.Connection
}

// NewTracker creates a tracker.
func NewTracker(repo *repository.ConnectionRepository, config Config, log zerolog.Logger) *Tracker {
	return &Tracker{
		repo:      repo,
		retention: config.Retention,
		log:       log.With().Str("component", "tracker").Logger(),
		open:      make(map[string]*model.Connection),
	}
}

// Recover closes records a previous server left open and prunes old ones.
func (t *Tracker) Recover(ctx context.Context) error {
	n, err := t.repo.MarkAbandoned(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		t.log.Warn().Int64("connections", n).Msg("marked connections from a previous run abandoned")
	}
	return t.prune(ctx)
}

func (t *Tracker) prune(ctx context.Context) error {
	if t.retention <= 0 {
		return nil
	}
	n, err := t.repo.DeleteBefore(ctx, time.Now().Add(-t.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		t.log.Debug().Int64("connections", n).Msg("pruned connection history")
	}
	return nil
}

// Run records events until the channel closes or ctx is done. Retention is
// applied hourly.
func (t *Tracker) Run(ctx context.Context, events <-chan mux.Event) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.prune(ctx); err != nil {
				t.log.Warn().Err(err).Msg("prune failed")
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := t.Handle(ctx, e); err != nil {
				t.log.Warn().Err(err).Str("kind", string(e.Kind)).Int("channel", e.Channel).Msg("failed to record event")
			}
		}
	}
}

// Handle records one event. Events other than connects and disconnects
// are ignored.
func (t *Tracker) Handle(ctx context.Context, e mux.Event) error {
	switch e.Kind {
	case mux.EventConnected:
		c := &model.Connection{
			ID:         e.ConnID,
			Channel:    e.Channel,
			RemoteAddr: e.Remote,
			Mode:       e.Settings.Mode,
			Baud:       e.Settings.Baud,
			Status:     model.ConnectionStatusOpen,
			OpenedAt:   e.Time,
		}
		if err := t.repo.Create(ctx, c); err != nil {
			return fmt.Errorf("failed to persist connection: %w", err)
		}
		t.mu.Lock()
		t.open[c.ID] = c
		t.mu.Unlock()

	case mux.EventDisconnected:
		t.mu.Lock()
		c, ok := t.open[e.ConnID]
		delete(t.open, e.ConnID)
		t.mu.Unlock()
		if !ok {
			var err error
			if c, err = t.repo.GetByID(ctx, e.ConnID); err != nil {
				return err
			}
		}

		closedAt := e.Time
		c.Status = statusFor(e.Reason)
		c.TxBytes = e.TxBytes
		c.RxBytes = e.RxBytes
		c.Reason = e.Reason
		c.Command = e.Command
		c.ClosedAt = &closedAt
		if err := t.repo.Close(ctx, c); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}

// statusFor maps a disconnect reason to a record status. Connections the
// server cut short are reset; the rest closed normally.
func statusFor(reason string) model.ConnectionStatus {
	switch reason {
	case mux.ReasonOverflowTimeout, mux.ReasonChannelRemoved:
		return model.ConnectionStatusReset
	}
	return model.ConnectionStatusClosed
}

// Active returns copies of the open connections ordered by channel.
func (t *Tracker) Active() []model.Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Connection, 0, len(t.open))
	for _, c := range t.open {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Get retrieves a connection by ID.
func (t *Tracker) Get(ctx context.Context, id string) (*model.Connection, error) {
	// Try to get from memory first
	t.mu.RLock()
	c, ok := t.open[id]
	t.mu.RUnlock()
	if ok {
		cp := *c
		return &cp, nil
	}

	// Fall back to database
	return t.repo.GetByID(ctx, id)
}

// Counts returns the connections the tracker holds open in memory and the
// rows the history still marks open. They differ when events were missed.
func (t *Tracker) Counts(ctx context.Context) (active, recorded int, err error) {
	t.mu.RLock()
	active = len(t.open)
	t.mu.RUnlock()

	recorded, err = t.repo.CountOpen(ctx)
	return active, recorded, err
}

// List queries the history.
func (t *Tracker) List(ctx context.Context, filter model.ConnectionFilter) ([]*model.Connection, error) {
	return t.repo.List(ctx, filter)
}

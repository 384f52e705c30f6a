//go:build linux

package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/mux"
)

// Capturer turns reactor events into one recording per connection.
type Capturer struct {
	dir  string
	log  zerolog.Logger
	recs map[string]*Recorder
}

// NewCapturer records into dir, creating it if needed.
func NewCapturer(dir string, log zerolog.Logger) (*Capturer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture dir: %w", err)
	}
	return &Capturer{
		dir:  dir,
		log:  log.With().Str("component", "capture").Logger(),
		recs: make(map[string]*Recorder),
	}, nil
}

// Path returns the file a connection is recorded to.
func (c *Capturer) Path(channel int, connID string) string {
	return filepath.Join(c.dir, fmt.Sprintf("ch%02d-%s.cast", channel, connID))
}

// Run consumes events until the channel closes or ctx is done.
func (c *Capturer) Run(ctx context.Context, events <-chan mux.Event) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Handle(e)
		}
	}
}

// Handle applies one event.
func (c *Capturer) Handle(e mux.Event) {
	switch e.Kind {
	case mux.EventConnected:
		path := c.Path(e.Channel, e.ConnID)
		rec, err := NewRecorder(path, e.Time)
		if err != nil {
			c.log.Warn().Err(err).Int("channel", e.Channel).Msg("capture disabled for connection")
			return
		}
		env := map[string]string{
			"CHANNEL":  strconv.Itoa(e.Channel),
			"REMOTE":   e.Remote,
			"SETTINGS": e.Settings.String(),
		}
		if err := rec.WriteHeader("channel "+strconv.Itoa(e.Channel), env); err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("capture header failed")
			rec.Close()
			return
		}
		c.recs[e.ConnID] = rec

	case mux.EventData:
		rec := c.recs[e.ConnID]
		if rec == nil {
			return
		}
		var err error
		if e.Direction == mux.DirectionToHardware {
			err = rec.WriteInput(e.Time, e.Data)
		} else {
			err = rec.WriteOutput(e.Time, e.Data)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("id", e.ConnID).Msg("capture write failed, closing recording")
			rec.Close()
			delete(c.recs, e.ConnID)
		}

	case mux.EventDisconnected:
		rec := c.recs[e.ConnID]
		if rec == nil {
			return
		}
		delete(c.recs, e.ConnID)
		c.log.Debug().Str("id", e.ConnID).Str("recorded", sizestr.ToString(rec.Bytes())).Msg("capture closed")
		rec.Close()
	}
}

// Open returns the number of recordings in progress.
func (c *Capturer) Open() int {
	return len(c.recs)
}

// Close ends every recording.
func (c *Capturer) Close() {
	for id, rec := range c.recs {
		rec.Close()
		delete(c.recs, id)
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultSettle coalesces bursts of filesystem events into one trigger.
const DefaultSettle = 250 * time.Millisecond

// Trigger reasons.
const (
	ReasonConfigChanged = "config changed"
	ReasonHotplug       = "device hotplug"
)

// Watcher reports config file edits and serial devices appearing or
// disappearing. Each settled burst calls OnChange once.
type Watcher struct {
	ConfigPath string
	Pattern    string // device glob, e.g. /dev/ttyUSB*
	Settle     time.Duration
	OnChange   func(reason string)
	Logger     zerolog.Logger
}

// Matches reports the trigger reason for an event on name, if any.
func (w *Watcher) Matches(name string) (string, bool) {
	if w.ConfigPath != "" && filepath.Clean(name) == filepath.Clean(w.ConfigPath) {
		return ReasonConfigChanged, true
	}
	if w.Pattern != "" {
		if ok, _ := filepath.Match(w.Pattern, name); ok {
			return ReasonHotplug, true
		}
	}
	return "", false
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	dirs := map[string]bool{}
	if w.ConfigPath != "" {
		dirs[filepath.Dir(w.ConfigPath)] = true
	}
	if w.Pattern != "" {
		dirs[filepath.Dir(w.Pattern)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	timer := time.NewTimer(settle)
	timer.Stop()
	var reason string

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			r, ok := w.Matches(ev.Name)
			if !ok {
				continue
			}
			w.Logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("watched path changed")
			if reason == "" || r == ReasonHotplug {
				reason = r
			}
			timer.Reset(settle)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn().Err(err).Msg("watcher error")
		case <-timer.C:
			if w.OnChange != nil {
				w.OnChange(reason)
			}
			reason = ""
		}
	}
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7350, cfg.Server.BasePort)
	assert.Equal(t, BackendTTY, cfg.Hardware.Backend)

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, 115200, s.Baud)
	assert.Equal(t, "8n1", s.Mode)
	assert.Equal(t, 1, s.LowWatermark)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serialmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  base_port: 8000
  default_mode: 7e1,rlw=64
  default_baud: 9600
  drain_timeout: 2s
hardware:
  backend: sim
  sim:
    channels: 3
    loopback: true
history:
  retention: 1h
`), 0o644))

	t.Setenv("SERIALMUX_BASE_PORT", "9100")
	t.Setenv("SERIALMUX_DEVICES", "/dev/ttyS1,/dev/ttyS2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.BasePort, "environment wins over the file")
	assert.Equal(t, 2*time.Second, cfg.Server.DrainTimeout)
	assert.Equal(t, time.Hour, cfg.History.Retention)
	assert.Equal(t, BackendSim, cfg.Hardware.Backend)
	assert.Equal(t, 3, cfg.Hardware.Sim.Channels)
	assert.True(t, cfg.Hardware.Sim.Loopback)
	assert.Equal(t, []string{"/dev/ttyS1", "/dev/ttyS2"}, cfg.Hardware.Devices)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.OverflowTimeout)

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, "7e1", s.Mode)
	assert.Equal(t, 64, s.LowWatermark)
	assert.Equal(t, 9600, s.Baud)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.yaml")},
		{"bad yaml", write("bad.yaml", "server: [")},
		{"bad backend", write("backend.yaml", "hardware:\n  backend: gpio\n")},
		{"bad mode", write("mode.yaml", "server:\n  default_mode: 5x3\n")},
		{"bad port", write("port.yaml", "server:\n  base_port: 70000\n")},
		{"bad log format", write("log.yaml", "log:\n  format: xml\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestApplyEnvBadNumber(t *testing.T) {
	cfg := Default()
	env := map[string]string{"SERIALMUX_BASE_PORT": "x", "SERIALMUX_BIND": "127.0.0.1"}
	err := cfg.ApplyEnv(func(k string) string { return env[k] })
	assert.Error(t, err)
	assert.Equal(t, 7350, cfg.Server.BasePort)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind)
}

func TestWatcherMatches(t *testing.T) {
	w := &Watcher{ConfigPath: "/etc/serialmux.yaml", Pattern: "/dev/ttyUSB*"}

	tests := []struct {
		name   string
		reason string
		ok     bool
	}{
		{"/etc/serialmux.yaml", ReasonConfigChanged, true},
		{"/etc/other.yaml", "", false},
		{"/dev/ttyUSB3", ReasonHotplug, true},
		{"/dev/ttyS0", "", false},
	}
	for _, tt := range tests {
		r, ok := w.Matches(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.reason, r, tt.name)
	}
}

func TestWatcherCoalescesHotplug(t *testing.T) {
	dir := t.TempDir()
	var (
		mu      sync.Mutex
		reasons []string
	)
	w := &Watcher{
		ConfigPath: filepath.Join(dir, "serialmux.yaml"),
		Pattern:    filepath.Join(dir, "ttyUSB*"),
		Settle:     50 * time.Millisecond,
		Logger:     zerolog.Nop(),
		OnChange: func(reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register its directories.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated"), nil, 0o644))
	for _, name := range []string{"ttyUSB0", "ttyUSB1"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reasons) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{ReasonHotplug}, reasons)
}

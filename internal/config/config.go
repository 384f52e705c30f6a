// Package config loads the daemon configuration: built-in defaults, then an
// optional YAML file, then SERIALMUX_* environment overrides. Command-line
// flags are applied last by the command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valentic/serialmux/internal/linemode"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SERIALMUX_"

// Backends.
const (
	BackendSim = "sim"
	BackendTTY = "tty"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	History   HistoryConfig   `yaml:"history"`
	Capture   CaptureConfig   `yaml:"capture"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the multiplexer settings.
type ServerConfig struct {
	Resource        string        `yaml:"resource"`
	Bind            string        `yaml:"bind"`
	BasePort        int           `yaml:"base_port"`
	DefaultMode     string        `yaml:"default_mode"`
	DefaultBaud     int           `yaml:"default_baud"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	OverflowTimeout time.Duration `yaml:"overflow_timeout"`
	HistorySize     int           `yaml:"history_size"`
}

// HardwareConfig selects the channel backend.
type HardwareConfig struct {
	Backend  string    `yaml:"backend"`
	LockName string    `yaml:"lock_name"`
	Devices  []string  `yaml:"devices"`
	Pattern  string    `yaml:"pattern"`
	Sim      SimConfig `yaml:"sim"`
}

// SimConfig sizes the simulated backend.
type SimConfig struct {
	Channels int  `yaml:"channels"`
	Loopback bool `yaml:"loopback"`
	TXRate   int  `yaml:"tx_rate"`
}

// MonitorConfig controls the status file and the HTTP server.
type MonitorConfig struct {
	StatusDir string `yaml:"status_dir"`
	HTTP      string `yaml:"http"`
}

// HistoryConfig controls the connection history database.
type HistoryConfig struct {
	DB        string        `yaml:"db"`
	Retention time.Duration `yaml:"retention"`
}

// CaptureConfig controls per-connection traffic capture.
type CaptureConfig struct {
	Dir string `yaml:"dir"`
}

// DiscoveryConfig controls mDNS advertisement.
type DiscoveryConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Instance  string   `yaml:"instance"`
	Interface string   `yaml:"interface"`
	TTL       uint32   `yaml:"ttl"`
	TXT       []string `yaml:"txt"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Resource:        "serialmux",
			BasePort:        7350,
			DefaultMode:     linemode.DefaultMode,
			DefaultBaud:     linemode.DefaultBaud,
			PollInterval:    10 * time.Millisecond,
			DrainTimeout:    5 * time.Second,
			OverflowTimeout: 30 * time.Second,
			HistorySize:     4096,
		},
		Hardware: HardwareConfig{
			Backend:  BackendTTY,
			LockName: "serialmux",
			Pattern:  "/dev/ttyUSB*",
			Sim:      SimConfig{Channels: 4},
		},
		Monitor: MonitorConfig{
			StatusDir: "/run/serialmux",
		},
		History: HistoryConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Discovery: DiscoveryConfig{
			TTL: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load returns the defaults overlaid with the file at path (when path is
// not empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv applies SERIALMUX_* overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	get := func(key, def string) string {
		if v := getenv(EnvPrefix + key); v != "" {
			return v
		}
		return def
	}
	var errs []error
	getInt := func(key string, def int) int {
		v := getenv(EnvPrefix + key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return def
		}
		return n
	}

	c.Server.Resource = get("RESOURCE", c.Server.Resource)
	c.Server.Bind = get("BIND", c.Server.Bind)
	c.Server.BasePort = getInt("BASE_PORT", c.Server.BasePort)
	c.Server.DefaultMode = get("MODE", c.Server.DefaultMode)
	c.Server.DefaultBaud = getInt("BAUD", c.Server.DefaultBaud)
	c.Hardware.Backend = get("BACKEND", c.Hardware.Backend)
	c.Hardware.Pattern = get("PATTERN", c.Hardware.Pattern)
	if v := getenv(EnvPrefix + "DEVICES"); v != "" {
		c.Hardware.Devices = strings.Split(v, ",")
	}
	c.Hardware.Sim.Channels = getInt("SIM_CHANNELS", c.Hardware.Sim.Channels)
	c.Monitor.StatusDir = get("STATUS_DIR", c.Monitor.StatusDir)
	c.Monitor.HTTP = get("HTTP", c.Monitor.HTTP)
	c.History.DB = get("DB_PATH", c.History.DB)
	c.Capture.Dir = get("CAPTURE_DIR", c.Capture.Dir)
	c.Log.Level = get("LOG_LEVEL", c.Log.Level)
	c.Log.Format = get("LOG_FORMAT", c.Log.Format)
	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.BasePort <= 0 || c.Server.BasePort > 65535 {
		return fmt.Errorf("base port %d out of range", c.Server.BasePort)
	}
	switch c.Hardware.Backend {
	case BackendSim, BackendTTY:
	default:
		return fmt.Errorf("unknown hardware backend %q", c.Hardware.Backend)
	}
	if _, err := c.Settings(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Settings returns the line settings every channel starts with. A ",rlw="
// clause in the default mode becomes the low watermark.
func (c *Config) Settings() (linemode.Settings, error) {
	return linemode.NewSettings(c.Server.DefaultBaud, c.Server.DefaultMode)
}

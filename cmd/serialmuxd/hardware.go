//go:build linux

package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/buslock"
	"github.com/valentic/serialmux/internal/config"
	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/hw/sim"
	"github.com/valentic/serialmux/internal/hw/tty"
)

// openPort builds the configured backend, wrapped in the bus lock.
func openPort(cfg config.Config, log zerolog.Logger) (hw.Port, error) {
	var port hw.Port
	switch cfg.Hardware.Backend {
	case config.BackendSim:
		port = sim.New(sim.Config{
			Channels: cfg.Hardware.Sim.Channels,
			Loopback: cfg.Hardware.Sim.Loopback,
			TXRate:   cfg.Hardware.Sim.TXRate,
		})
	case config.BackendTTY:
		p, err := tty.New(tty.Config{
			Devices: cfg.Hardware.Devices,
			Glob:    cfg.Hardware.Pattern,
		}, log)
		if err != nil {
			return nil, err
		}
		port = p
	default:
		return nil, fmt.Errorf("unknown hardware backend %q", cfg.Hardware.Backend)
	}

	if cfg.Hardware.LockName != "" {
		port = hw.WithLock(port, buslock.New(cfg.Hardware.LockName))
	}
	return port, nil
}

// watchPattern is the device glob worth watching for hot-plug, if any.
func watchPattern(cfg config.Config) string {
	if cfg.Hardware.Backend != config.BackendTTY || len(cfg.Hardware.Devices) > 0 {
		return ""
	}
	return cfg.Hardware.Pattern
}

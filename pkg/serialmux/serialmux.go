//go:build linux

// Package serialmux is the public API for Go programs that talk to a
// running serialmux daemon.
package serialmux

import (
	"context"
	"fmt"
	"net"

	"github.com/valentic/serialmux/internal/bridge"
	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/monitor"
	"github.com/valentic/serialmux/internal/mux"
)

// Re-export types from internal packages for external use
type (
	Settings    = linemode.Settings
	Command     = linemode.Command
	Event       = mux.Event
	EventKind   = mux.EventKind
	ChannelInfo = mux.ChannelInfo
	Status      = monitor.Status
	Target      = bridge.Target
)

// DefaultBasePort is the port of channel 0.
const DefaultBasePort = 7350

// ParseCommand parses "<baud>[@<mode>][,rlw=<n>]".
func ParseCommand(text string) (Command, error) {
	return linemode.ParseCommand(text)
}

// ParseTarget parses a channel number, host:port or device path.
func ParseTarget(s string, basePort int) (Target, error) {
	return bridge.ParseTarget(s, basePort)
}

// Reconfigure sends command to the channel at addr. The daemon applies it
// when this connection closes, so the next connection sees the new line
// settings.
func Reconfigure(ctx context.Context, addr, command string) error {
	if _, err := linemode.ParseCommand(command); err != nil {
		return err
	}
	c, err := bridge.Dial(ctx, addr, bridge.ConnectOptions{Attempts: 1})
	if err != nil {
		return err
	}
	defer c.Close()
	return bridge.Handshake(ctx, c, command)
}

// Dial connects to a daemon channel, first reconfiguring it when command
// is not empty.
func Dial(ctx context.Context, target string, basePort int, command string) (net.Conn, error) {
	t, err := bridge.ParseTarget(target, basePort)
	if err != nil {
		return nil, err
	}
	if t.Kind == bridge.TargetDevice {
		return nil, fmt.Errorf("%s is a device, not a channel", target)
	}
	if command != "" {
		if err := Reconfigure(ctx, t.Addr, command); err != nil {
			return nil, err
		}
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", t.Addr)
}

// Running returns the status published by the daemon serving resource,
// if one is alive.
func Running(statusDir, resource string) (Status, bool) {
	return monitor.Running(statusDir, resource)
}

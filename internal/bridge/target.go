//go:build linux

// Package bridge connects a local endpoint (stdio, a spawned program's pty,
// a standalone pty or a device file) to a channel of a running daemon, with
// optional in-band renegotiation and a loopback/latency test.
package bridge

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/valentic/serialmux/internal/sock"
)

// TargetKind says how a target is reached.
type TargetKind int

const (
	// TargetChannel is a channel of the daemon on this host.
	TargetChannel TargetKind = iota
	// TargetTCP is a host:port, usually a channel of a remote daemon.
	TargetTCP
	// TargetDevice is a serial device file opened directly.
	TargetDevice
)

func (k TargetKind) String() string {
	switch k {
	case TargetChannel:
		return "channel"
	case TargetTCP:
		return "tcp"
	case TargetDevice:
		return "device"
	}
	return "unknown"
}

// Target is a parsed --port argument.
type Target struct {
	Kind    TargetKind
	Channel int    // TargetChannel only
	Addr    string // host:port for TargetChannel and TargetTCP
	Path    string // TargetDevice only
}

// ParseTarget interprets s: a channel number, host:port or an absolute
// device path.
func ParseTarget(s string, basePort int) (Target, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Target{}, fmt.Errorf("empty target")
	case strings.HasPrefix(s, "/"):
		return Target{Kind: TargetDevice, Path: s}, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 65535-basePort {
			return Target{}, fmt.Errorf("channel %d out of range", n)
		}
		return Target{Kind: TargetChannel, Channel: n, Addr: sock.LocalAddr(basePort + n)}, nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", s, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return Target{}, fmt.Errorf("invalid port in %q", s)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return Target{Kind: TargetTCP, Addr: net.JoinHostPort(host, port)}, nil
}

func (t Target) String() string {
	if t.Kind == TargetDevice {
		return t.Path
	}
	return t.Addr
}

//go:build linux

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/sock"
	"github.com/valentic/serialmux/internal/termios"
)

// ConnectOptions control dialing.
type ConnectOptions struct {
	// Attempts bounds the dial attempts; 0 retries until ctx is done.
	Attempts int

	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration

	Logger zerolog.Logger
}

func (o ConnectOptions) backoff() *backoff.Backoff {
	b := &backoff.Backoff{
		Min:    o.MinRetryInterval,
		Max:    o.MaxRetryInterval,
		Factor: 2,
		Jitter: true,
	}
	if b.Min <= 0 {
		b.Min = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 2 * time.Second
	}
	return b
}

// Connect opens target. When command is not empty it is sent first as an
// urgent renegotiation on a throwaway connection; the returned connection
// is then served with the new settings.
func Connect(ctx context.Context, t Target, command string, opts ConnectOptions) (*sock.Conn, error) {
	if t.Kind == TargetDevice {
		return OpenDevice(t.Path, command)
	}

	c, err := Dial(ctx, t.Addr, opts)
	if err != nil {
		return nil, err
	}
	if command == "" {
		return c, nil
	}

	if err := Handshake(ctx, c, command); err != nil {
		c.Close()
		return nil, err
	}
	c.Close()
	opts.Logger.Debug().Str("target", t.String()).Str("command", command).Msg("settings sent")
	return Dial(ctx, t.Addr, opts)
}

// Dial connects to addr, retrying with backoff.
func Dial(ctx context.Context, addr string, opts ConnectOptions) (*sock.Conn, error) {
	b := opts.backoff()
	for attempt := 1; ; attempt++ {
		c, err := sock.Dial(ctx, addr)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if opts.Attempts > 0 && attempt >= opts.Attempts {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}

		d := b.Duration()
		opts.Logger.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Dur("retry_in", d).Msg("dial failed")
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Handshake sends command with its first byte as TCP urgent data.
func Handshake(ctx context.Context, c *sock.Conn, command string) error {
	if command == "" {
		return fmt.Errorf("empty command")
	}
	if len(command) > linemode.MaxCommandLen {
		return fmt.Errorf("command longer than %d bytes", linemode.MaxCommandLen)
	}
	if err := c.SendUrgent(command[0]); err != nil {
		return fmt.Errorf("failed to send urgent byte: %w", err)
	}
	return writeAll(ctx, c, []byte(command[1:]))
}

// writeAll writes p to a non-blocking descriptor, sleeping briefly while
// the kernel buffer is full.
func writeAll(ctx context.Context, c *sock.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := c.Write(p)
		if errors.Is(err, sock.ErrWouldBlock) {
			select {
			case <-time.After(time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// OpenDevice opens a serial device directly in raw mode. A command's baud
// rate, if any, is applied to the line.
func OpenDevice(path, command string) (*sock.Conn, error) {
	baud := 0
	if command != "" {
		cmd, err := linemode.ParseCommand(command)
		if err != nil && cmd.IsZero() {
			return nil, err
		}
		baud = cmd.Baud
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := termios.MakeRaw(fd, baud); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to configure %s: %w", path, err)
	}
	return sock.NewFile(fd, path)
}

//go:build linux

package mux

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentic/serialmux/internal/hw/sim"
	"github.com/valentic/serialmux/internal/sock"
)

// freePorts finds n consecutive free loopback ports.
func freePorts(t *testing.T, n int) int {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		l, err := sock.Listen("127.0.0.1", 0, 1)
		require.NoError(t, err)
		base := l.Port()
		l.Close()

		ok := true
		var held []*sock.Listener
		for i := 0; i < n; i++ {
			p, err := sock.Listen("127.0.0.1", base+i, 1)
			if err != nil {
				ok = false
				break
			}
			held = append(held, p)
		}
		for _, p := range held {
			p.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("no free port range")
	return 0
}

func readFull(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := c.Read(buf[got:])
		require.NoError(t, err)
		got += k
	}
	return string(buf)
}

func TestReactorOverTCP(t *testing.T) {
	base := freePorts(t, 2)
	port := sim.New(sim.Config{Channels: 2, Loopback: true})

	cfg := DefaultConfig()
	cfg.BasePort = base
	r, err := New(cfg, Options{
		Port:    port,
		Network: TCPNetwork{Bind: "127.0.0.1", Backlog: 1},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	first, err := net.Dial("tcp", sock.LocalAddr(base))
	require.NoError(t, err)
	defer first.Close()

	_, err = first.Write([]byte("HELLO"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", readFull(t, first, 5))

	// A second client connects at the TCP level but is not served.
	second, err := net.Dial("tcp", sock.LocalAddr(base))
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write([]byte("next"))
	require.NoError(t, err)

	second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = second.Read(make([]byte, 4))
	require.Error(t, err)
	nerr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())

	first.Close()
	assert.Equal(t, "next", readFull(t, second, 4))
	second.Close()

	// Renegotiate channel 1 with an urgent command.
	qctx, qcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer qcancel()

	cmd, err := sock.Dial(qctx, sock.LocalAddr(base+1))
	require.NoError(t, err)
	require.NoError(t, cmd.SendUrgent('9'))
	for {
		n, err := cmd.Write([]byte("600@8e1"))
		if errors.Is(err, sock.ErrWouldBlock) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, 7, n)
		break
	}
	time.Sleep(50 * time.Millisecond)
	cmd.Close()

	require.Eventually(t, func() bool {
		ch, err := r.Channel(qctx, 1)
		return err == nil && ch.State == "idle" && ch.Settings.Baud == 9600
	}, 3*time.Second, 10*time.Millisecond)

	ch, err := r.Channel(qctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "8e1", ch.Settings.Mode)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reactor did not stop")
	}
}

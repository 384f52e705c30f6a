//go:build linux

package fanout

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/valentic/serialmux/internal/pty"
	"github.com/valentic/serialmux/internal/sock"
	"github.com/valentic/serialmux/internal/termios"
)

func run(t *testing.T, cfg Config) *Proxy {
	t.Helper()
	cfg.Bind = "127.0.0.1"
	p, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("proxy did not stop")
		}
	})
	return p
}

func dial(t *testing.T, p *Proxy) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", sock.LocalAddr(p.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitClients(t *testing.T, p *Proxy, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Clients == n }, 2*time.Second, 5*time.Millisecond)
}

func readConn(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}

// readFile reads n bytes from a blocking file with a timeout.
func readFile(t *testing.T, f *os.File, n int) string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, n)
		if _, err := io.ReadFull(f, buf); err != nil {
			return
		}
		got <- string(buf)
	}()
	select {
	case s := <-got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("nothing arrived on the terminal")
		return ""
	}
}

func TestProxyOnPty(t *testing.T) {
	p := run(t, Config{})
	require.NotEmpty(t, p.TTYName())

	var out strings.Builder
	p.Announce(&out)
	assert.Contains(t, out.String(), "ttyname="+p.TTYName()+"\n")
	assert.Contains(t, out.String(), "tcp_port=")

	a := dial(t, p)
	b := dial(t, p)
	waitClients(t, p, 2)

	slave := p.term.Slave
	_, err := slave.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", readConn(t, a, 5))
	assert.Equal(t, "hello", readConn(t, b, 5))

	_, err = a.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", readFile(t, slave, 3))

	a.Close()
	waitClients(t, p, 1)

	_, err = slave.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, "more", readConn(t, b, 4))

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(3), stats.ToDev)
	assert.Equal(t, uint64(9), stats.FromDev)
}

func TestProxyDropsUrgentCommand(t *testing.T) {
	p := run(t, Config{})

	c, err := sock.Dial(context.Background(), sock.LocalAddr(p.Port()))
	require.NoError(t, err)
	defer c.Close()
	waitClients(t, p, 1)

	require.NoError(t, c.SendUrgent('X'))
	_, err = c.Write([]byte("yz"))
	require.NoError(t, err)

	assert.Equal(t, "yz", readFile(t, p.term.Slave, 2))
}

func TestProxyOnDevice(t *testing.T) {
	term, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { term.Close() })

	p := run(t, Config{Device: term.Name(), Baud: 10000, Mode: "7e1"})
	assert.Empty(t, p.TTYName())

	attrs, err := termios.Get(int(term.Slave.Fd()))
	require.NoError(t, err)
	flag, _ := termios.Speed(9600)
	assert.Equal(t, flag, attrs.Cflag&unix.CBAUD)

	c := dial(t, p)
	waitClients(t, p, 1)

	_, err = term.Master.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", readConn(t, c, 4))
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open(Config{Device: "/dev/does-not-exist"}, zerolog.Nop())
	assert.Error(t, err)
}

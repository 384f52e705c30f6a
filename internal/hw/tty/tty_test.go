//go:build linux

package tty

import (
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverFiltersAndSorts(t *testing.T) {
	p, err := New(Config{Glob: "/dev/ttyUSB*"}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Release()

	p.list = func() ([]string, error) {
		return []string{"/dev/ttyUSB1", "/dev/ttyS0", "/dev/ttyUSB0"}, nil
	}
	n, err := p.Reset()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "/dev/ttyUSB0", p.channels[0].path)
	assert.Equal(t, "/dev/ttyUSB1", p.channels[1].path)
	assert.GreaterOrEqual(t, p.SignalFD(), 0)
}

func readMaster(t *testing.T, master *os.File, want int) string {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		var out []byte
		buf := make([]byte, 64)
		for len(out) < want {
			n, err := master.Read(buf)
			if err != nil {
				break
			}
			out = append(out, buf[:n]...)
		}
		got <- out
	}()
	select {
	case b := <-got:
		return string(b)
	case <-time.After(3 * time.Second):
		t.Fatal("nothing written to the device")
		return ""
	}
}

func TestChannelOverPty(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer master.Close()
	defer slave.Close()

	p, err := New(Config{Devices: []string{slave.Name()}, IdleGap: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Release()

	n, err := p.Reset()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, p.Open(0, "8n1", 9600))

	_, err = master.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := p.Poll()
		if err != nil || !r.RX.Has(0) {
			return false
		}
		avail, err := p.Available(0, 1)
		return err == nil && avail == 5
	}, 3*time.Second, 5*time.Millisecond)
	assert.True(t, p.Pending().Has(0))

	buf := make([]byte, 16)
	n, err = p.Read(0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.False(t, p.Pending().Has(0))

	n, err = p.Write(0, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", readMaster(t, master, 5))

	require.Eventually(t, func() bool {
		left, err := p.Close(0)
		return err == nil && left == 0
	}, 3*time.Second, 5*time.Millisecond)

	_, err = p.Write(0, []byte("x"))
	assert.Error(t, err, "closed channel refuses writes")
}

func TestWordsUseLowByte(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer master.Close()
	defer slave.Close()

	p, err := New(Config{Devices: []string{slave.Name()}}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Release()

	_, err = p.Reset()
	require.NoError(t, err)
	require.NoError(t, p.Open(0, "8n1raw", 115200))

	n, err := p.WriteWords(0, []uint16{0x141, 0x042})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "AB", readMaster(t, master, 2))
}

func TestBadChannel(t *testing.T) {
	p, err := New(Config{Devices: []string{"/dev/null"}}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Release()

	_, err = p.Reset()
	require.NoError(t, err)
	assert.Error(t, p.Open(3, "8n1", 9600))
	assert.Error(t, p.Open(0, "bogus", 9600))
}

func TestCloseReportsDriverQueueWithoutWaiting(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer master.Close()
	defer slave.Close()

	p, err := New(Config{Devices: []string{slave.Name()}}, zerolog.Nop())
	require.NoError(t, err)
	defer p.Release()

	_, err = p.Reset()
	require.NoError(t, err)
	require.NoError(t, p.Open(0, "8n1", 300))
	assert.GreaterOrEqual(t, p.channels[0].ctl, 0)

	queue := []int{7, 3, 0}
	p.queued = func(*channel) int {
		q := queue[0]
		queue = queue[1:]
		return q
	}

	for _, want := range []int{7, 3} {
		start := time.Now()
		left, err := p.Close(0)
		require.NoError(t, err)
		assert.Equal(t, want, left)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
		c := p.channels[0]
		c.mu.Lock()
		stillOpen := c.port != nil
		c.mu.Unlock()
		assert.True(t, stillOpen, "channel stays open while the driver holds output")
	}

	left, err := p.Close(0)
	require.NoError(t, err)
	assert.Zero(t, left)
	assert.Equal(t, -1, p.channels[0].ctl)
}

//go:build linux

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWaitReadable(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipe(t)
	interest := []Interest{{FD: r, Read: true}}

	ev, err := p.Wait(interest, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ev.Readable(r))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	ev, err = p.Wait(interest, time.Second)
	require.NoError(t, err)
	assert.True(t, ev.Readable(r))
	assert.Equal(t, 1, ev.Len())
}

func TestWaitWritableAndInterestChange(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipe(t)
	unix.Write(w, []byte("x"))

	ev, err := p.Wait([]Interest{{FD: w, Write: true}}, time.Second)
	require.NoError(t, err)
	assert.True(t, ev.Writable(w))
	assert.False(t, ev.Readable(r), "r was not in the interest set")

	ev, err = p.Wait([]Interest{{FD: r, Read: true}}, time.Second)
	require.NoError(t, err)
	assert.True(t, ev.Readable(r))
	assert.False(t, ev.Writable(w), "w was dropped from the interest set")
}

func TestWake(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Wake()
	}()

	start := time.Now()
	ev, err := p.Wait(nil, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ev.Woken())
	assert.True(t, time.Since(start) < 5*time.Second)

	ev, err = p.Wait(nil, 0)
	require.NoError(t, err)
	assert.False(t, ev.Woken(), "wake is consumed once")
}

func TestForgetBeforeReuse(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipe(t)
	_, err = p.Wait([]Interest{{FD: r, Read: true}}, 0)
	require.NoError(t, err)

	p.Forget(r)
	unix.Write(w, []byte("x"))
	ev, err := p.Wait([]Interest{{FD: r, Read: true}}, time.Second)
	require.NoError(t, err)
	assert.True(t, ev.Readable(r))
}

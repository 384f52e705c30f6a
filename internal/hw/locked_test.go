package hw_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentic/serialmux/internal/hw"
	"github.com/valentic/serialmux/internal/hw/sim"
)

// countingLock records how deep the lock is held at any moment.
type countingLock struct {
	depth, maxDepth, acquired int
}

func (l *countingLock) Lock() error {
	l.depth++
	l.acquired++
	l.maxDepth = max(l.maxDepth, l.depth)
	return nil
}

func (l *countingLock) Unlock() error {
	l.depth--
	return nil
}

func TestLockedPortFreesBusBetweenCloseRetries(t *testing.T) {
	lock := &countingLock{}
	port := hw.WithLock(sim.New(sim.Config{Channels: 1, TXRate: 2}), lock)

	_, err := port.Reset()
	require.NoError(t, err)
	require.NoError(t, port.Open(0, "8n1", 9600))
	_, err = port.Write(0, []byte("abcdef"))
	require.NoError(t, err)

	var lefts []int
	for i := 0; i < 10; i++ {
		left, err := port.Close(0)
		require.NoError(t, err)
		assert.Zero(t, lock.depth, "bus released after every call")
		lefts = append(lefts, left)
		if left == 0 {
			break
		}
		_, err = port.Poll()
		require.NoError(t, err)
	}

	assert.Equal(t, []int{6, 4, 2, 0}, lefts)
	assert.Equal(t, 1, lock.maxDepth)
	assert.Equal(t, 3+2*3+1, lock.acquired)
}

// Package buffer provides the fixed-size transfer buffers used on the data
// path and a ring buffer for recent channel traffic.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular buffer holding the most recent bytes
// received on a channel. When full, the oldest bytes are overwritten.
//
// The reactor writes to it; HTTP handlers read it concurrently.
type RingBuffer struct {
	data  []byte
	start int
	size  int
	total uint64
	mu    sync.RWMutex
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data: make([]byte, capacity),
	}
}

// Write appends p, overwriting the oldest bytes once the buffer is full.
// It implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.total += uint64(len(p))
	capacity := len(rb.data)

	// Only the last capacity bytes can survive.
	if len(p) >= capacity {
		copy(rb.data, p[len(p)-capacity:])
		rb.start = 0
		rb.size = capacity
		return len(p), nil
	}

	end := (rb.start + rb.size) % capacity
	k := copy(rb.data[end:], p)
	copy(rb.data, p[k:])

	rb.size += len(p)
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return len(p), nil
}

// ReadAll returns a copy of all data currently in the buffer, oldest first.
func (rb *RingBuffer) ReadAll() []byte {
	return rb.Tail(-1)
}

// Tail returns a copy of the newest n bytes. A negative n returns everything.
func (rb *RingBuffer) Tail(n int) []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 || n == 0 {
		return nil
	}
	if n < 0 || n > rb.size {
		n = rb.size
	}

	capacity := len(rb.data)
	from := (rb.start + rb.size - n) % capacity
	out := make([]byte, n)
	k := copy(out, rb.data[from:min(from+n, capacity)])
	copy(out[k:], rb.data[:n-k])
	return out
}

// Clear removes all data from the buffer. The running total is kept.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.start = 0
	rb.size = 0
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size
}

// Total returns the number of bytes ever written.
func (rb *RingBuffer) Total() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.total
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.data)
}

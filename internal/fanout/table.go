//go:build linux

package fanout

import (
	"errors"

	"github.com/valentic/serialmux/internal/sock"
)

// DefaultBacklogLimit caps what is queued for one slow client.
const DefaultBacklogLimit = 64 * 1024

const initialSlots = 2

type clientConn interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	AtMark() (bool, error)
	Close() error
	RemoteAddr() string
}

type client struct {
	conn    clientConn
	backlog []byte
	checked bool // urgent mark looked at
	dropped uint64
}

// offer sends p to the client, queueing what does not fit. A chunk that
// would take the backlog past limit is dropped for this client only.
func (c *client) offer(p []byte, limit int) (dropped int, err error) {
	if len(c.backlog) > 0 {
		if len(c.backlog)+len(p) > limit {
			c.dropped += uint64(len(p))
			return len(p), nil
		}
		c.backlog = append(c.backlog, p...)
		return 0, nil
	}

	n, err := c.conn.Write(p)
	if errors.Is(err, sock.ErrWouldBlock) {
		n, err = 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		c.backlog = append(c.backlog[:0], p[n:]...)
	}
	return 0, nil
}

// flush writes queued bytes.
func (c *client) flush() error {
	n, err := c.conn.Write(c.backlog)
	if errors.Is(err, sock.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return err
	}
	rest := copy(c.backlog, c.backlog[n:])
	c.backlog = c.backlog[:rest]
	return nil
}

// table holds clients in slots. It doubles when full and halves, packing
// live entries to the front, when fewer than a quarter are used.
type table struct {
	slots []*client
	count int
}

func newTable() *table {
	return &table{slots: make([]*client, initialSlots)}
}

func (t *table) add(c *client) int {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = c
			t.count++
			return i
		}
	}
	i := len(t.slots)
	grown := make([]*client, 2*len(t.slots))
	copy(grown, t.slots)
	grown[i] = c
	t.slots = grown
	t.count++
	return i
}

func (t *table) remove(i int) *client {
	c := t.slots[i]
	if c != nil {
		t.slots[i] = nil
		t.count--
	}
	return c
}

func (t *table) compact() {
	if t.count >= len(t.slots)/4 {
		return
	}
	packed := make([]*client, len(t.slots)/2)
	j := 0
	for _, c := range t.slots {
		if c != nil {
			packed[j] = c
			j++
		}
	}
	t.slots = packed
}

func (t *table) capacity() int {
	return len(t.slots)
}

func (t *table) len() int {
	return t.count
}

//go:build linux

package mux

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/valentic/serialmux/internal/linemode"
)

// EventKind classifies reactor events.
type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
	EventCommandApplied EventKind = "command_applied"
	EventRescan         EventKind = "rescan"
	EventBreak          EventKind = "break"
	EventData           EventKind = "data"
)

// Direction of a data event.
const (
	DirectionToHardware = "i"
	DirectionToClient   = "o"
)

// Event is published by the reactor for observers outside the data path.
type Event struct {
	Kind      EventKind         `json:"kind"`
	Channel   int               `json:"channel"`
	Time      time.Time         `json:"time"`
	ConnID    string            `json:"connectionId,omitempty"`
	Remote    string            `json:"remote,omitempty"`
	Settings  linemode.Settings `json:"settings"`
	TxBytes   uint64            `json:"txBytes,omitempty"`
	RxBytes   uint64            `json:"rxBytes,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Command   string            `json:"command,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Direction string            `json:"direction,omitempty"`
	Channels  int               `json:"channels,omitempty"`
}

// Observer receives events. Observe is called on the reactor goroutine and
// must return promptly.
type Observer interface {
	Observe(e Event)
}

type subscriber struct {
	ch   chan Event
	data bool
	gone chan struct{}
	once sync.Once
}

func (s *subscriber) leave() {
	s.once.Do(func() { close(s.gone) })
}

// EventBus fans events out to buffered subscriber channels. Data events are
// dropped for a subscriber that falls behind; every other kind waits for
// room so connection history stays complete.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	closed  bool
	done    chan struct{}
	stop    sync.Once
	dropped atomic.Uint64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{done: make(chan struct{})}
}

// Subscribe returns a channel of events with the given buffer size. Data
// events are only delivered when withData is set.
func (b *EventBus) Subscribe(size int, withData bool) <-chan Event {
	if size <= 0 {
		size = 64
	}
	sub := &subscriber{ch: make(chan Event, size), data: withData, gone: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	// Release a send blocked on this subscriber before taking the write lock.
	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.ch == ch {
			sub.leave()
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Observe implements Observer. It blocks on a full subscriber for anything
// but data events until the subscriber reads, unsubscribes, or the bus
// closes.
func (b *EventBus) Observe(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if e.Kind == EventData {
			if !sub.data {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				b.dropped.Add(1)
			}
			continue
		}
		select {
		case sub.ch <- e:
		case <-sub.gone:
		case <-b.done:
		}
	}
}

// Dropped returns how many data events were skipped for full subscribers.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel.
func (b *EventBus) Close() {
	b.stop.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

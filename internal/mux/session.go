//go:build linux

package mux

import (
	"time"

	"github.com/valentic/serialmux/internal/buffer"
	"github.com/valentic/serialmux/internal/linemode"
)

// State is where a channel is in its connection lifecycle.
type State int

const (
	// StateIdle has no client; the listener accepts.
	StateIdle State = iota
	// StateActive has exactly one client attached.
	StateActive
	// StateDraining lost its client and waits for transmit memory to empty.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// Urgent tracks the in-band command at the start of a connection.
type Urgent int

const (
	UrgentNormal Urgent = iota
	// UrgentPending: the first readable data has not been checked for the mark.
	UrgentPending
	// UrgentCapturing: data read is command text, not payload.
	UrgentCapturing
)

func (u Urgent) String() string {
	switch u {
	case UrgentPending:
		return "pending"
	case UrgentCapturing:
		return "capturing"
	}
	return "normal"
}

// Session is the per-channel state owned by the reactor goroutine.
type Session struct {
	Index    int
	Port     int
	Settings linemode.Settings

	state    State
	listener Listener
	conn     Conn

	tx buffer.Pending // client bytes the hardware has not taken
	rx buffer.Pending // hardware bytes the client has not taken

	words   wordPacker
	raw     bool
	urgent  Urgent
	command []byte

	overflowed    bool
	overflowSince time.Time
	rearm         bool

	connID     string
	remote     string
	openedAt   time.Time
	drainStart time.Time
	connTx     uint64
	connRx     uint64

	history *buffer.RingBuffer
}

func newSession(index, port int, defaults linemode.Settings, historySize int) *Session {
	s := &Session{
		Index:    index,
		Port:     port,
		Settings: defaults,
		command:  make([]byte, 0, linemode.MaxCommandLen),
	}
	if historySize > 0 {
		s.history = buffer.NewRingBuffer(historySize)
	}
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.state
}

func (s *Session) resetTransfer() {
	s.tx.Reset()
	s.rx.Reset()
	s.words.reset()
	s.overflowed = false
	s.overflowSince = time.Time{}
	s.rearm = false
}

// appendCommand keeps at most MaxCommandLen bytes of command text.
func (s *Session) appendCommand(p []byte) {
	room := linemode.MaxCommandLen - len(s.command)
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	s.command = append(s.command, p...)
}

// ChannelInfo is a point-in-time view of one channel.
type ChannelInfo struct {
	Index        int               `json:"index"`
	Port         int               `json:"port"`
	State        string            `json:"state"`
	Settings     linemode.Settings `json:"settings"`
	Listening    bool              `json:"listening"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Remote       string            `json:"remote,omitempty"`
	ConnectedAt  *time.Time        `json:"connectedAt,omitempty"`
	TxBytes      uint64            `json:"txBytes"`
	RxBytes      uint64            `json:"rxBytes"`
	TxPending    int               `json:"txPending"`
	RxPending    int               `json:"rxPending"`
	Overflowed   bool              `json:"overflowed"`
	Overruns     int               `json:"overruns"`
	Urgent       string            `json:"urgent"`
}

func (s *Session) info() ChannelInfo {
	ci := ChannelInfo{
		Index:     s.Index,
		Port:      s.Port,
		State:     s.state.String(),
		Settings:  s.Settings,
		Listening: s.listener != nil,
		TxPending: s.tx.Len(),
		RxPending: s.rx.Len(),
		Urgent:    s.urgent.String(),
	}
	if s.state == StateActive {
		at := s.openedAt
		ci.ConnectionID = s.connID
		ci.Remote = s.remote
		ci.ConnectedAt = &at
		ci.TxBytes = s.connTx
		ci.RxBytes = s.connRx
		ci.Overflowed = s.overflowed
	}
	return ci
}

// Registry is the ordered set of sessions, one per hardware channel.
type Registry struct {
	sessions []*Session
}

// Len returns the channel count.
func (g *Registry) Len() int {
	return len(g.sessions)
}

// Get returns the session for channel i.
func (g *Registry) Get(i int) (*Session, bool) {
	if i < 0 || i >= len(g.sessions) {
		return nil, false
	}
	return g.sessions[i], true
}

// Sessions returns the sessions in channel order.
func (g *Registry) Sessions() []*Session {
	return g.sessions
}

// Busy reports whether any channel is active or draining.
func (g *Registry) Busy() bool {
	for _, s := range g.sessions {
		if s.state != StateIdle {
			return true
		}
	}
	return false
}

func (g *Registry) add(s *Session) {
	g.sessions = append(g.sessions, s)
}

// truncate drops channels n and above and returns them.
func (g *Registry) truncate(n int) []*Session {
	if n >= len(g.sessions) {
		return nil
	}
	gone := g.sessions[n:]
	g.sessions = g.sessions[:n:n]
	return gone
}

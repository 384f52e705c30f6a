//go:build linux

package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/valentic/serialmux/internal/mux"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeSubscribe MessageType = "subscribe"
	MessageTypePing      MessageType = "ping"

	// Server -> Client message types
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypeEvent    MessageType = "event"
	MessageTypePong     MessageType = "pong"
	MessageTypeError    MessageType = "error"
)

// AllChannels is the filter of a client that has not narrowed its stream.
const AllChannels = -1

// Message represents a WebSocket message.
type Message struct {
	Type     MessageType       `json:"type"`
	Channel  *int              `json:"channel,omitempty"`
	WithData bool              `json:"data,omitempty"`
	Event    *mux.Event        `json:"event,omitempty"`
	Channels []mux.ChannelInfo `json:"channels,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Client represents a WebSocket client connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	mu       sync.Mutex
	closed   bool
	channel  int
	withData bool
}

// NewClient creates a new WebSocket client that receives every channel's
// events except traffic data.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		channel: AllChannels,
	}
}

// Subscribe narrows the client to one channel, or AllChannels.
func (c *Client) Subscribe(channel int, withData bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = channel
	c.withData = withData
}

// Wants reports whether e passes the client's filter.
func (c *Client) Wants(e *mux.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Kind == mux.EventData && !c.withData {
		return false
	}
	// Rescan events concern every channel.
	return c.channel == AllChannels || e.Channel < 0 || e.Channel == c.channel
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub manages the WebSocket clients.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// Publish encodes e once and sends it to the clients whose filter it
// passes.
func (h *Hub) Publish(e mux.Event) error {
	var data []byte
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.Wants(&e) {
			continue
		}
		if data == nil {
			var err error
			data, err = json.Marshal(&Message{Type: MessageTypeEvent, Event: &e})
			if err != nil {
				return err
			}
		}
		client.Send(data)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

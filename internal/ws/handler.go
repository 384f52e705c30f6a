//go:build linux

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/mux"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	snapshotTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Snapshotter supplies the channel table sent to new clients.
type Snapshotter interface {
	Channels(ctx context.Context) ([]mux.ChannelInfo, error)
}

// Handler handles WebSocket connections for the event stream.
type Handler struct {
	hub       *Hub
	snapshots Snapshotter
	log       zerolog.Logger
}

// NewHandler creates a new WebSocket handler. snapshots may be nil.
func NewHandler(hub *Hub, snapshots Snapshotter, log zerolog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		snapshots: snapshots,
		log:       log,
	}
}

// HandleConnection upgrades the request, sends the current channel table
// and streams events until the peer goes away.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(h.hub, conn)
	h.sendSnapshot(r.Context(), client)
	h.hub.Register(client)

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

func (h *Handler) sendSnapshot(ctx context.Context, client *Client) {
	if h.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	msg := &Message{Type: MessageTypeSnapshot}
	channels, err := h.snapshots.Channels(ctx)
	if err != nil {
		msg = &Message{Type: MessageTypeError, Error: err.Error()}
	} else {
		msg.Channels = channels
	}
	h.sendMessage(client, msg)
}

func (h *Handler) sendMessage(client *Client, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("failed to marshal message")
		return
	}
	client.Send(data)
}

// handleMessage processes incoming messages from clients.
func (h *Handler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		channel := AllChannels
		if msg.Channel != nil {
			channel = *msg.Channel
		}
		client.Subscribe(channel, msg.WithData)
	case MessageTypePing:
		h.sendMessage(client, &Message{Type: MessageTypePong})
	default:
		h.sendMessage(client, &Message{Type: MessageTypeError, Error: "unknown message type " + string(msg.Type)})
	}
}

// readPump reads client requests until the connection fails.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("websocket error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			h.sendMessage(client, &Message{Type: MessageTypeError, Error: "malformed message"})
			continue
		}

		h.handleMessage(client, &msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON document per frame
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

//go:build linux

package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valentic/serialmux/internal/linemode"
	"github.com/valentic/serialmux/internal/mux"
)

type staticChannels struct {
	channels []mux.ChannelInfo
	err      error
}

func (s staticChannels) Channels(ctx context.Context) ([]mux.ChannelInfo, error) {
	return s.channels, s.err
}

func startServer(t *testing.T, snapshots Snapshotter) (*Service, string) {
	t.Helper()
	svc := NewService(snapshots, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Handler().HandleConnection(w, r); err != nil {
			t.Logf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(func() {
		svc.Hub().Close()
		srv.Close()
	})
	return svc, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, svc *Service, url string, clients int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return svc.ClientCount() == clients }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func next(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandlerSendsSnapshotThenEvents(t *testing.T) {
	snap := staticChannels{channels: []mux.ChannelInfo{
		{Index: 0, Port: 7350, State: "idle", Settings: linemode.Default(), Listening: true},
		{Index: 1, Port: 7351, State: "active", Settings: linemode.Default(), Listening: false},
	}}
	svc, url := startServer(t, snap)
	conn := dial(t, svc, url, 1)

	msg := next(t, conn)
	assert.Equal(t, MessageTypeSnapshot, msg.Type)
	require.Len(t, msg.Channels, 2)
	assert.Equal(t, 7351, msg.Channels[1].Port)
	assert.Equal(t, "active", msg.Channels[1].State)

	require.NoError(t, svc.Hub().Publish(mux.Event{Kind: mux.EventConnected, Channel: 1, Time: time.Now(), Remote: "10.0.0.5:4000"}))
	msg = next(t, conn)
	assert.Equal(t, MessageTypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, mux.EventConnected, msg.Event.Kind)
	assert.Equal(t, "10.0.0.5:4000", msg.Event.Remote)
}

func TestHandlerSubscribeNarrowsStream(t *testing.T) {
	svc, url := startServer(t, staticChannels{})
	conn := dial(t, svc, url, 1)
	assert.Equal(t, MessageTypeSnapshot, next(t, conn).Type)

	channel := 3
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Channel: &channel, WithData: true}))
	// The pong is answered after the subscribe is applied.
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, next(t, conn).Type)

	now := time.Now()
	require.NoError(t, svc.Hub().Publish(mux.Event{Kind: mux.EventConnected, Channel: 1, Time: now}))
	require.NoError(t, svc.Hub().Publish(mux.Event{Kind: mux.EventData, Channel: 3, Time: now, Data: []byte("abc"), Direction: mux.DirectionToClient}))

	msg := next(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, mux.EventData, msg.Event.Kind)
	assert.Equal(t, "abc", string(msg.Event.Data))
}

func TestHandlerReportsSnapshotAndProtocolErrors(t *testing.T) {
	svc, url := startServer(t, staticChannels{err: errors.New("reactor stopped")})
	conn := dial(t, svc, url, 1)

	msg := next(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "reactor stopped", msg.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg = next(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))
	msg = next(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Contains(t, msg.Error, "bogus")
}

func TestServiceRunForwardsBus(t *testing.T) {
	svc, url := startServer(t, nil)
	conn := dial(t, svc, url, 1)

	bus := mux.NewEventBus()
	events := bus.Subscribe(8, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, events)
		close(done)
	}()

	bus.Observe(mux.Event{Kind: mux.EventRescan, Channel: -1, Time: time.Now(), Channels: 4})
	msg := next(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, mux.EventRescan, msg.Event.Kind)
	assert.Equal(t, 4, msg.Event.Channels)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, 0, svc.ClientCount())
}

//go:build linux

package ws

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/internal/mux"
)

// Service connects the reactor's event bus to WebSocket clients.
type Service struct {
	hub     *Hub
	handler *Handler
	log     zerolog.Logger
}

// NewService creates a new WebSocket service.
func NewService(snapshots Snapshotter, log zerolog.Logger) *Service {
	log = log.With().Str("component", "ws").Logger()
	hub := NewHub()
	return &Service{
		hub:     hub,
		handler: NewHandler(hub, snapshots, log),
		log:     log,
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Hub returns the hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Run forwards events until the channel closes or ctx is done, then
// disconnects every client.
func (s *Service) Run(ctx context.Context, events <-chan mux.Event) {
	defer s.hub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.hub.Publish(e); err != nil {
				s.log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("failed to publish event")
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Service) ClientCount() int {
	return s.hub.ClientCount()
}

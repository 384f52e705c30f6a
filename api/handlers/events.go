//go:build linux

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/valentic/serialmux/internal/ws"
)

// EventsHandler serves the live reactor event stream over WebSocket.
type EventsHandler struct {
	wsHandler *ws.Handler
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(wsHandler *ws.Handler) *EventsHandler {
	return &EventsHandler{
		wsHandler: wsHandler,
	}
}

// Stream handles WS /api/events.
func (h *EventsHandler) Stream(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader has already written the HTTP error
		return
	}
}

// RegisterRoutes registers the event stream route on a Gin router group.
func (h *EventsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/events", h.Stream)
}

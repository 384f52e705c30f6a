package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/valentic/serialmux/internal/model"
)

// ConnectionSource looks up connection history.
type ConnectionSource interface {
	Get(ctx context.Context, id string) (*model.Connection, error)
	List(ctx context.Context, filter model.ConnectionFilter) ([]*model.Connection, error)
	Counts(ctx context.Context) (active, recorded int, err error)
}

// ConnectionCounts compares live connections with the open rows in the
// history.
type ConnectionCounts struct {
	Active   int  `json:"active"`
	Recorded int  `json:"recorded"`
	InSync   bool `json:"inSync"`
}

// ConnectionHandler handles HTTP requests for connection history.
type ConnectionHandler struct {
	connections ConnectionSource
}

// NewConnectionHandler creates a new ConnectionHandler.
func NewConnectionHandler(connections ConnectionSource) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
	}
}

// ConnectionResponse represents a connection in API responses.
type ConnectionResponse struct {
	ID         string `json:"id"`
	Channel    int    `json:"channel"`
	RemoteAddr string `json:"remoteAddr"`
	Mode       string `json:"mode"`
	Baud       int    `json:"baud"`
	Status     string `json:"status"`
	TxBytes    uint64 `json:"txBytes"`
	RxBytes    uint64 `json:"rxBytes"`
	Reason     string `json:"reason,omitempty"`
	Command    string `json:"command,omitempty"`
	Duration   string `json:"duration"`
	OpenedAt   string `json:"openedAt"`
	ClosedAt   string `json:"closedAt,omitempty"`
}

// toConnectionResponse converts a model.Connection to ConnectionResponse.
func toConnectionResponse(conn *model.Connection) *ConnectionResponse {
	resp := &ConnectionResponse{
		ID:         conn.ID,
		Channel:    conn.Channel,
		RemoteAddr: conn.RemoteAddr,
		Mode:       conn.Mode,
		Baud:       conn.Baud,
		Status:     string(conn.Status),
		TxBytes:    conn.TxBytes,
		RxBytes:    conn.RxBytes,
		Reason:     conn.Reason,
		Command:    conn.Command,
		Duration:   formatDuration(conn.Duration()),
		OpenedAt:   conn.OpenedAt.Format(time.RFC3339),
	}
	if conn.ClosedAt != nil {
		resp.ClosedAt = conn.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

// List handles GET /api/connections - lists connection history, newest
// first. Optional query parameters: channel, status and limit.
func (h *ConnectionHandler) List(c *gin.Context) {
	var filter model.ConnectionFilter

	if v := c.Query("channel"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil || ch < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "channel must be a non-negative integer")
			return
		}
		filter.Channel = &ch
	}
	if v := c.Query("status"); v != "" {
		switch status := model.ConnectionStatus(v); status {
		case model.ConnectionStatusOpen, model.ConnectionStatusClosed,
			model.ConnectionStatusReset, model.ConnectionStatusAbandoned:
			filter.Status = status
		default:
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status "+v)
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	conns, err := h.connections.List(c.Request.Context(), filter)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list connections: "+err.Error())
		return
	}

	response := make([]*ConnectionResponse, len(conns))
	for i, conn := range conns {
		response[i] = toConnectionResponse(conn)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/connections/:id - gets one connection record.
func (h *ConnectionHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Connection ID is required")
		return
	}

	conn, err := h.connections.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrConnectionNotFound) {
			sendError(c, http.StatusNotFound, "CONNECTION_NOT_FOUND", "Connection "+id+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get connection: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toConnectionResponse(conn))
}

// Counts handles GET /api/stats/connections.
func (h *ConnectionHandler) Counts(c *gin.Context) {
	active, recorded, err := h.connections.Counts(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count connections: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, ConnectionCounts{Active: active, Recorded: recorded, InSync: active == recorded})
}

// RegisterRoutes registers the connection handler routes on a Gin router group.
func (h *ConnectionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	connections := rg.Group("/connections")
	{
		connections.GET("", h.List)
		connections.GET("/:id", h.Get)
	}
	rg.GET("/stats/connections", h.Counts)
}

//go:build linux

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/valentic/serialmux/internal/model"
	"github.com/valentic/serialmux/internal/monitor"
	"github.com/valentic/serialmux/internal/mux"
)

// Multiplexer is the part of the reactor the HTTP API drives.
type Multiplexer interface {
	Channels(ctx context.Context) ([]mux.ChannelInfo, error)
	Channel(ctx context.Context, index int) (mux.ChannelInfo, error)
	History(ctx context.Context, index int) ([]byte, error)
	Rescan() error
	SendBreak(ctx context.Context, index int, d time.Duration) error
}

const (
	defaultBreak = 250 * time.Millisecond
	maxBreak     = 5 * time.Second
)

// StatusSource produces the published server status.
type StatusSource interface {
	Snapshot() monitor.Status
}

// ChannelHandler handles HTTP requests for channel state.
type ChannelHandler struct {
	mux    Multiplexer
	status StatusSource
}

// NewChannelHandler creates a new ChannelHandler.
func NewChannelHandler(m Multiplexer, status StatusSource) *ChannelHandler {
	return &ChannelHandler{
		mux:    m,
		status: status,
	}
}

// BreakResponse is returned when a break has been started.
type BreakResponse struct {
	Channel  int    `json:"channel"`
	Duration string `json:"duration"`
}

// RescanResponse is returned when a rescan has been queued.
type RescanResponse struct {
	Queued bool `json:"queued"`
}

func (h *ChannelHandler) channelIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Channel index must be a non-negative integer")
		return 0, false
	}
	return index, true
}

func (h *ChannelHandler) sendMuxError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, model.ErrChannelNotFound):
		sendError(c, http.StatusNotFound, "CHANNEL_NOT_FOUND", "Channel "+c.Param("index")+" not found")
	case errors.Is(err, model.ErrChannelNotOpen):
		sendError(c, http.StatusConflict, "CHANNEL_NOT_OPEN", "Channel "+c.Param("index")+" has no active client")
	case errors.Is(err, model.ErrNotSupported):
		sendError(c, http.StatusNotImplemented, "NOT_SUPPORTED", "The hardware backend cannot "+what)
	case errors.Is(err, model.ErrReactorStopped):
		sendError(c, http.StatusServiceUnavailable, "REACTOR_STOPPED", "The multiplexer has stopped")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to "+what+": "+err.Error())
	}
}

// Health handles GET /health.
func (h *ChannelHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /status - the key=value report of the status file.
func (h *ChannelHandler) Status(c *gin.Context) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	h.status.Snapshot().WriteTo(c.Writer)
}

// List handles GET /api/channels - lists every channel.
func (h *ChannelHandler) List(c *gin.Context) {
	channels, err := h.mux.Channels(c.Request.Context())
	if err != nil {
		h.sendMuxError(c, err, "list channels")
		return
	}
	if channels == nil {
		channels = []mux.ChannelInfo{}
	}
	c.JSON(http.StatusOK, channels)
}

// Get handles GET /api/channels/:index - gets one channel.
func (h *ChannelHandler) Get(c *gin.Context) {
	index, ok := h.channelIndex(c)
	if !ok {
		return
	}
	info, err := h.mux.Channel(c.Request.Context(), index)
	if err != nil {
		h.sendMuxError(c, err, "get channel")
		return
	}
	c.JSON(http.StatusOK, info)
}

// History handles GET /api/channels/:index/history - the last bytes
// received from the hardware channel, as an octet stream.
func (h *ChannelHandler) History(c *gin.Context) {
	index, ok := h.channelIndex(c)
	if !ok {
		return
	}
	data, err := h.mux.History(c.Request.Context(), index)
	if err != nil {
		h.sendMuxError(c, err, "read history")
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Break handles POST /api/channels/:index/break?duration=250ms - holds the
// channel's line in break.
func (h *ChannelHandler) Break(c *gin.Context) {
	index, ok := h.channelIndex(c)
	if !ok {
		return
	}
	d := defaultBreak
	if v := c.Query("duration"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 || parsed > maxBreak {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Duration must be between 0 and "+maxBreak.String())
			return
		}
		d = parsed
	}
	if err := h.mux.SendBreak(c.Request.Context(), index, d); err != nil {
		h.sendMuxError(c, err, "send break")
		return
	}
	c.JSON(http.StatusOK, BreakResponse{Channel: index, Duration: d.String()})
}

// Rescan handles POST /api/rescan - asks the reactor to re-probe the
// hardware.
func (h *ChannelHandler) Rescan(c *gin.Context) {
	if err := h.mux.Rescan(); err != nil {
		h.sendMuxError(c, err, "queue rescan")
		return
	}
	c.JSON(http.StatusAccepted, RescanResponse{Queued: true})
}

// RegisterRoutes registers the channel routes on a Gin router group.
func (h *ChannelHandler) RegisterRoutes(rg *gin.RouterGroup) {
	channels := rg.Group("/channels")
	{
		channels.GET("", h.List)
		channels.GET("/:index", h.Get)
		channels.GET("/:index/history", h.History)
		channels.POST("/:index/break", h.Break)
	}
	rg.POST("/rescan", h.Rescan)
}

// RegisterRootRoutes registers the health and status routes.
func (h *ChannelHandler) RegisterRootRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
}

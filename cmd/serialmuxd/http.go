//go:build linux

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/valentic/serialmux/api/handlers"
	"github.com/valentic/serialmux/internal/session"
	"github.com/valentic/serialmux/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func newRouter(m handlers.Multiplexer, status handlers.StatusSource, tracker *session.Tracker, wsService *ws.Service, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log), corsMiddleware())

	channelHandler := handlers.NewChannelHandler(m, status)
	channelHandler.RegisterRootRoutes(r)

	api := r.Group("/api")
	{
		channelHandler.RegisterRoutes(api)
		if tracker != nil {
			handlers.NewConnectionHandler(tracker).RegisterRoutes(api)
		}
		handlers.NewEventsHandler(wsService.Handler()).RegisterRoutes(api)
	}
	return r
}

// serveHTTP serves until ctx is done.
func serveHTTP(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("monitoring server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs each request at debug level.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// corsMiddleware allows browser dashboards on other origins.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

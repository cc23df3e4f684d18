// Package api exposes the wire surface: the GraphQL-shaped dispatch
// endpoint, the WebSocket subscription endpoint, health, and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustyops/rustyci/pkg/events"
)

// shutdownTimeout bounds how long in-flight requests may run during
// graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the HTTP server wrapping the dispatch adapter and the
// WebSocket connection manager.
type Server struct {
	echo        *echo.Echo
	adapter     *Adapter
	connManager *events.ConnectionManager
	addr        string

	httpServer *http.Server
}

// NewServer wires routes and middleware.
func NewServer(addr string, adapter *Adapter, connManager *events.ConnectionManager, corsOrigin string) *Server {
	e := echo.New()

	e.Use(requestLogger())
	e.Use(securityHeaders())
	e.Use(corsMiddleware(corsOrigin))

	s := &Server{
		echo:        e,
		adapter:     adapter,
		connManager: connManager,
		addr:        addr,
	}

	e.POST("/graphql", adapter.Handle)
	e.GET("/ws", s.wsHandler)
	e.GET("/health", healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener serves on an existing listener. Used by tests that
// need an ephemeral port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops listening.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// healthHandler answers liveness probes.
func healthHandler(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Package gateway hosts the HTTP listener for the webhook and health routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/wacoder/internal/config"
	httpapi "github.com/nextlevelbuilder/wacoder/internal/http"
)

const shutdownTimeout = 5 * time.Second

// Server is the HTTP front of the service.
type Server struct {
	cfg     config.GatewayConfig
	webhook *httpapi.WebhookHandler
	health  *httpapi.HealthHandler

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. Either handler may be nil.
func NewServer(cfg config.GatewayConfig, webhook *httpapi.WebhookHandler, health *httpapi.HealthHandler) *Server {
	return &Server{cfg: cfg, webhook: webhook, health: health}
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// BuildMux creates and caches the mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	if s.webhook != nil {
		s.webhook.RegisterRoutes(mux)
	}
	if s.health != nil {
		s.health.RegisterRoutes(mux)
	}
	s.mux = mux
	return mux
}

// Start listens on the configured address until ctx ends, then shuts down
// gracefully and waits for in-flight async deliveries.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway starting", "addr", ln.Addr().String())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
		if s.webhook != nil {
			if err := s.webhook.Wait(shutdownCtx); err != nil {
				slog.Warn("gateway.deliveries_abandoned", "error", err)
			}
		}
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	<-stopped
	return nil
}

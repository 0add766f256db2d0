package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/despacho/internal/app"
)

// Server owns the HTTP surface of the dispatcher: the API mux wrapped in
// logging and recovery middleware, with /ws bypassing both so websocket
// upgrades and long-lived log streams are never buffered by the wrapper.
type Server struct {
	app    *app.App
	server *http.Server
}

// New builds the server from the wired application.
func New(application *app.App) *Server {
	s := &Server{app: application}

	cfg := application.Config.Server
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.withConditionalMiddleware(s.setupRoutes()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.app.Logger.Info().
		Str("address", s.server.Addr).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}

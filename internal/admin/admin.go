// Package admin serves operational endpoints (/metrics and /health) on a
// listener separate from the public streaming port.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/webstreamer/webstreamer/internal/metrics"
)

// AdminServer provides the metrics and health endpoints.
type AdminServer struct {
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
}

// NewAdminServer creates a new admin server.
func NewAdminServer() *AdminServer {
	mux := http.NewServeMux()

	// Register handlers
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", metrics.Handler())

	return &AdminServer{
		mux: mux,
	}
}

// Start binds addr and serves in the background. Bind errors are returned;
// errors after that are logged.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("admin server stopped")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *AdminServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

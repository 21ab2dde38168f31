// Package server provides the HTTP surface of the gateway: byte-range media
// streaming, channel listing and the status document.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/webstreamer/webstreamer/internal/config"
	"github.com/webstreamer/webstreamer/internal/metrics"
	"github.com/webstreamer/webstreamer/internal/stream"
)

// Server is the streaming HTTP server.
type Server struct {
	cfg       *config.Config
	pool      *stream.Pool
	guard     *stream.Guard
	resolvers *stream.ResolverCache
	metrics   *metrics.GatewayMetrics
	version   string
	startTime time.Time

	tokenPath *regexp.Regexp // {token}{id}
	idPath    *regexp.Regexp // {id}[/{anything}]

	mux *http.ServeMux
}

// ErrorResponse is the JSON body of API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// New creates a server streaming from pool. A nil m records no metrics.
func New(cfg *config.Config, pool *stream.Pool, m *metrics.GatewayMetrics, version string) (*Server, error) {
	guard, err := stream.NewGuard(cfg.HashLength)
	if err != nil {
		return nil, err
	}
	if cfg.ChunkSize.Bytes() <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}

	s := &Server{
		cfg:       cfg,
		pool:      pool,
		guard:     guard,
		resolvers: stream.NewResolverCache(m),
		metrics:   m,
		version:   version,
		startTime: time.Now(),
		tokenPath: regexp.MustCompile(`^(` + guard.Pattern() + `)(\d+)$`),
		idPath:    regexp.MustCompile(`^(\d+)(?:/\S+)?$`),
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /{$}", s.withRequest("status", s.handleStatus))
	s.mux.HandleFunc("GET /api/list", s.withRequest("list", s.handleList))
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen == "" {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}
	s.mux.HandleFunc("GET /{path...}", s.withRequest("stream", s.handleStream))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Guard returns the token guard, for building links outside a request.
func (s *Server) Guard() *stream.Guard {
	return s.guard
}

// Resolvers returns the per-worker descriptor caches.
func (s *Server) Resolvers() *stream.ResolverCache {
	return s.resolvers
}

// StreamURL returns the public link for a media message.
func (s *Server) StreamURL(uniqueID string, messageID int64) string {
	return StreamURL(s.cfg.BaseURL, s.guard, uniqueID, messageID)
}

// StreamURL builds {base}{token}{messageID}.
func StreamURL(baseURL string, guard *stream.Guard, uniqueID string, messageID int64) string {
	return fmt.Sprintf("%s%s%d", baseURL, guard.Token(uniqueID), messageID)
}

func (s *Server) jsonResponse(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write json response")
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	s.jsonResponse(w, code, ErrorResponse{Error: message})
}

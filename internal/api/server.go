// Package api is the HTTP server hosting remote participants. Every served
// scope gets its own SQLite database; sync sessions arrive as transport
// envelopes on POST /v1/sync/{scope}.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/events"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/transport"
)

// cleanupInterval is how often idle sessions and rate limit buckets are dropped.
const cleanupInterval = time.Minute

// Server is the HTTP API server for rowsync-server.
type Server struct {
	config      Config
	http        *http.Server
	pool        *ScopePool
	handler     *transport.Handler
	metrics     *Metrics
	rateLimiter *RateLimiter
	cancel      context.CancelFunc
}

// NewServer creates a new Server serving the scopes of pool.
func NewServer(cfg Config, pool *ScopePool) (*Server, error) {
	if cfg.SessionTTL <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	s := &Server{
		config:      cfg,
		pool:        pool,
		handler:     transport.NewHandler(pool, cfg.SpoolDir, cfg.SessionTTL),
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}
	pool.onOpen = func(scope string, r *orchestrator.Remote) {
		events.On(r.Events(), func(ctx context.Context, e *events.ConflictArgs) {
			s.metrics.RecordConflict()
		})
	}
	if len(cfg.APIKeys) == 0 {
		slog.Warn("no api keys configured, authentication is disabled")
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	slog.Info("listening", "addr", ln.Addr().String(), "scopes", s.pool.Scopes())

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cleanup panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()

	return nil
}

// cleanup expires idle sessions and forgets idle rate limit buckets.
func (s *Server) cleanup() {
	if n := s.handler.Expire(); n > 0 {
		s.metrics.RecordExpired(n)
		slog.Info("expired idle sessions", "count", n)
	}
	s.rateLimiter.Cleanup(10 * time.Minute)
}

// Shutdown gracefully stops the server, drops open sessions and closes all
// scope databases.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.http.Shutdown(ctx)
	s.handler.Close()
	s.pool.CloseAll()
	return err
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync
	mux.HandleFunc("POST "+transport.SyncPath+"{scope}", s.requireAuth(s.withRateLimit(s.handleSync, s.config.RateLimitSync)))

	// Scopes
	mux.HandleFunc("GET /v1/scopes", s.requireAuth(s.withRateLimit(s.handleListScopes, s.config.RateLimitOther)))
	mux.HandleFunc("GET /v1/scopes/{scope}/history", s.requireAuth(s.withRateLimit(s.handleHistory, s.config.RateLimitOther)))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(s.config.MaxBodyBytes))
}

// handleHealth returns a health check response, pinging the open scope databases.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(); err != nil {
		logFor(r.Context()).Error("health", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(s.handler.Len()))
}

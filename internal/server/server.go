package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/metrics"
	"github.com/alanyoungcy/pricearena/internal/server/handler"
	"github.com/alanyoungcy/pricearena/internal/server/middleware"
	"github.com/alanyoungcy/pricearena/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// MetricsPath serves the Prometheus exposition; default "/metrics".
	MetricsPath string

	// BetRateLimit caps POST /api/bets per client IP within BetRateWindow;
	// 0 disables it.
	BetRateLimit  int
	BetRateWindow time.Duration
}

// Handlers aggregates the HTTP handlers. Nil handlers leave their routes
// unregistered so each run mode only serves what it runs.
type Handlers struct {
	Health  *handler.HealthHandler
	Rounds  *handler.RoundHandler
	Feed    *handler.FeedHandler
	Spreads *handler.SpreadHandler
	Users   *handler.UserHandler
	Archive *handler.ArchiveHandler
	Metrics http.Handler
}

// Deps are the shared infrastructure used by the middleware chain.
type Deps struct {
	Limiter domain.RateLimiter
	Metrics *metrics.Collector
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the logging, CORS, auth and rate limit middleware applied.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	// Health check and metrics (no auth required).
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET "+cfg.MetricsPath, handlers.Metrics)
	}

	if handlers.Rounds != nil {
		bets := middleware.RateLimit(deps.Limiter, "bets", cfg.BetRateLimit, cfg.BetRateWindow, logger)
		mux.Handle("POST /api/bets", bets(http.HandlerFunc(handlers.Rounds.PlaceBet)))
		mux.HandleFunc("GET /api/round", handlers.Rounds.GetState)
	}
	if handlers.Feed != nil {
		mux.HandleFunc("GET /api/feed/status", handlers.Feed.GetStatus)
	}
	if handlers.Spreads != nil {
		mux.HandleFunc("POST /api/spreads", handlers.Spreads.CreateTrack)
		mux.HandleFunc("GET /api/spreads/{id}", handlers.Spreads.GetTrack)
		mux.HandleFunc("DELETE /api/spreads/{id}", handlers.Spreads.DeleteTrack)
	}
	if handlers.Users != nil {
		mux.HandleFunc("GET /api/users/{id}", handlers.Users.GetUser)
	}
	if handlers.Archive != nil {
		mux.HandleFunc("POST /api/archive/trigger", handlers.Archive.TriggerArchive)
		mux.HandleFunc("GET /api/archive/runs", handlers.Archive.ListRuns)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", cfg.MetricsPath)(h)
	h = middleware.Logging(logger, deps.Metrics)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler. Tests drive it through
// httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

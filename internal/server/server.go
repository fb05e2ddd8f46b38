// Package server exposes the HTTP and WebSocket API: position lifecycle,
// permissionless execution, the event feed, and the admin surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/recurswap/keeperd/internal/domain"
	"github.com/recurswap/keeperd/internal/server/handler"
	"github.com/recurswap/keeperd/internal/server/middleware"
	"github.com/recurswap/keeperd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AdminAPIKey gates the /api/admin routes. If empty, admin auth is
	// disabled (local development only).
	AdminAPIKey string
	// PublicRateLimit caps public execution calls per client per minute.
	// Zero disables the limiter.
	PublicRateLimit int
}

// Handlers aggregates all HTTP handlers that the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Execution *handler.ExecutionHandler
	Events    *handler.EventHandler
	Admin     *handler.AdminHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter may be nil
// when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health and status (no auth).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Position lifecycle and escrow.
	mux.HandleFunc("POST /api/positions", handlers.Positions.CreatePosition)
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("PATCH /api/positions/{id}", handlers.Positions.ModifyPosition)
	mux.HandleFunc("POST /api/positions/{id}/pause", handlers.Positions.PausePosition)
	mux.HandleFunc("POST /api/positions/{id}/resume", handlers.Positions.ResumePosition)
	mux.HandleFunc("POST /api/positions/{id}/cancel", handlers.Positions.CancelPosition)
	mux.HandleFunc("POST /api/positions/{id}/emergency-exit", handlers.Positions.EmergencyExit)
	mux.HandleFunc("POST /api/positions/{id}/deposit", handlers.Positions.Deposit)
	mux.HandleFunc("POST /api/positions/{id}/withdraw", handlers.Positions.Withdraw)
	mux.HandleFunc("POST /api/positions/{id}/transfer", handlers.Positions.TransferOwnership)

	// Public execution. Rate limited so a single executor cannot hammer the
	// oracle and route stack.
	executeHandler := http.HandlerFunc(handlers.Execution.Execute)
	if limiter != nil && cfg.PublicRateLimit > 0 {
		limited := middleware.RateLimit(limiter, cfg.PublicRateLimit, time.Minute)(executeHandler)
		mux.Handle("POST /api/positions/{id}/execute", limited)
	} else {
		mux.Handle("POST /api/positions/{id}/execute", executeHandler)
	}
	mux.HandleFunc("GET /api/positions/{id}/eligibility", handlers.Execution.Eligibility)

	// Event feed.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	mux.HandleFunc("GET /api/positions/{id}/events", handlers.Events.ListPositionEvents)

	// Admin surface, gated behind API-key auth.
	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/admin/protocol", handlers.Admin.GetProtocol)
	admin.HandleFunc("PUT /api/admin/protocol", handlers.Admin.UpdateProtocol)
	admin.HandleFunc("GET /api/admin/breaker", handlers.Admin.GetBreaker)
	admin.HandleFunc("PUT /api/admin/breaker", handlers.Admin.UpdateBreaker)
	admin.HandleFunc("POST /api/admin/pause", handlers.Admin.GlobalPause)
	admin.HandleFunc("POST /api/admin/resume", handlers.Admin.GlobalResume)
	admin.HandleFunc("POST /api/admin/quote-assets", handlers.Admin.SetQuoteAsset)
	admin.HandleFunc("POST /api/admin/reconcile", handlers.Admin.Reconcile)
	admin.HandleFunc("GET /api/admin/solvency", handlers.Admin.Solvency)
	mux.Handle("/api/admin/", middleware.Auth(cfg.AdminAPIKey)(admin))

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// Package server is the dashboard-facing HTTP surface: the local API, the
// backend proxy and the WebSocket fan-out.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/server/handler"
	"github.com/alanyoungcy/tradedesk/internal/server/middleware"
	"github.com/alanyoungcy/tradedesk/internal/server/proxy"
	"github.com/alanyoungcy/tradedesk/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps /api/proxy requests per client per RateWindow. Zero
	// disables it; a RateLimiter is required otherwise.
	RateLimit  int
	RateWindow time.Duration
	// TrustProxyHeaders keys the rate limit on forwarding headers.
	TrustProxyHeaders bool
}

// Handlers aggregates the HTTP handlers. Nil entries leave their routes
// unregistered.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	State      *handler.StateHandler
	Stream     *handler.StreamHandler
	Alerts     *handler.AlertHandler
	Recordings *handler.RecordingHandler
	Audit      *handler.AuditHandler
	Proxy      *proxy.Handler
}

// Server is the HTTP + WebSocket server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with every configured route registered. limiter
// may be nil when cfg.RateLimit is zero.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.State != nil {
		mux.HandleFunc("GET /api/state", handlers.State.GetState)
		mux.HandleFunc("GET /api/connection", handlers.State.GetConnection)
		mux.HandleFunc("POST /api/connection/retry", handlers.State.RetryConnection)
	}
	if handlers.Stream != nil {
		mux.HandleFunc("POST /api/stream/start", handlers.Stream.Start)
		mux.HandleFunc("POST /api/stream/stop", handlers.Stream.Stop)
		mux.HandleFunc("GET /api/quotes/{symbol}", handlers.Stream.Quote)
	}
	if handlers.Alerts != nil {
		mux.HandleFunc("GET /api/alerts", handlers.Alerts.ListAlerts)
	}
	if handlers.Recordings != nil {
		mux.HandleFunc("GET /api/recordings", handlers.Recordings.List)
		mux.HandleFunc("GET /api/recordings/{key...}", handlers.Recordings.Get)
	}
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var root http.Handler = mux
	if handlers.Proxy != nil {
		proxyMux := http.NewServeMux()
		handlers.Proxy.Register(proxyMux)

		var ph http.Handler = proxyMux
		if cfg.RateLimit > 0 && limiter != nil {
			ph = middleware.RateLimit(limiter, "proxy", cfg.RateLimit, cfg.RateWindow, cfg.TrustProxyHeaders, logger)(ph)
		}
		mux.Handle("/api/proxy", ph)
		mux.Handle("/api/proxy/", ph)
	}

	// Build the middleware chain.
	h := middleware.Auth(cfg.APIKey, "/api/health")(root)
	h = middleware.Logging(logger, "/api/health")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long enough for a slow backend behind the proxy.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is done, then shuts down within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}
	return ctx.Err()
}


package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
	"github.com/alanyoungcy/hedgecoord/internal/server/handler"
	"github.com/alanyoungcy/hedgecoord/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit caps admin requests per client IP per minute. Zero, or a nil
	// limiter, disables it.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Connections *handler.ConnectionHandler
	Locks       *handler.LockHandler
	Conflicts   *handler.ConflictHandler
	Delivery    *handler.DeliveryHandler
	Monitors    *handler.MonitorHandler
	Positions   *handler.PositionHandler
	Metrics     http.Handler
	Terminals   http.HandlerFunc
}

// Server is the admin HTTP API plus the terminal WebSocket endpoint.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limit, auth, logging, CORS) applied.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Connections != nil {
		mux.HandleFunc("GET /api/connections", handlers.Connections.List)
		mux.HandleFunc("DELETE /api/connections/{id}", handlers.Connections.Disconnect)
		mux.HandleFunc("POST /api/broadcast", handlers.Connections.Broadcast)
	}
	if handlers.Locks != nil {
		mux.HandleFunc("GET /api/locks", handlers.Locks.List)
		mux.HandleFunc("POST /api/locks/release-all", handlers.Locks.ReleaseAll)
	}
	if handlers.Conflicts != nil {
		mux.HandleFunc("GET /api/conflicts", handlers.Conflicts.List)
		mux.HandleFunc("GET /api/conflicts/stream", handlers.Conflicts.Stream)
	}
	if handlers.Delivery != nil {
		mux.HandleFunc("GET /api/delivery/health", handlers.Delivery.Health)
	}
	if handlers.Monitors != nil {
		mux.HandleFunc("GET /api/monitors", handlers.Monitors.List)
	}
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if handlers.Terminals != nil {
		mux.HandleFunc("GET /ws", handlers.Terminals)
	}

	// Probes, scrapes and terminals bypass the admin key and the limiter.
	public := []string{"/api/health", "/metrics", "/ws"}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, public...)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = skipPaths(middleware.RateLimit(limiter, cfg.RateLimit, time.Minute), h, public...)
	}
	h = middleware.Logging(logger, "/api/health", "/metrics")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// skipPaths applies mw to every request except those for the listed paths.
func skipPaths(mw func(http.Handler) http.Handler, next http.Handler, paths ...string) http.Handler {
	skip := make(map[string]bool, len(paths))
	for _, p := range paths {
		skip[p] = true
	}
	wrapped := mw(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

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

// Shutdown stops accepting connections and waits for in-flight requests to
// complete within the given context deadline. Hijacked WebSocket connections
// are not tracked here; the protocol server closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

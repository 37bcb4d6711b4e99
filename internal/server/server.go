// Package server exposes the gateway over HTTP: the platform callback
// endpoint, the authenticated send endpoint and operational routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/metrics"
)

// DefaultMaxBodySize caps callback and send request bodies.
const DefaultMaxBodySize = 1 << 20

// Config holds listener and route settings.
type Config struct {
	Addr        string
	WebhookPath string
	SendPath    string
	MaxBodySize int64
}

// Deps are the collaborators the routes call into. Metrics, Events,
// Publisher, Credential and Handlers are optional.
type Deps struct {
	Codec      Codec
	Dispatcher Dispatcher
	Sender     Sender
	Guard      Authorizer
	Metrics    *metrics.Metrics
	Events     EventSource
	Publisher  events.Publisher
	Credential CredentialStatus
	Handlers   HandlerLister
}

// Server represents the gateway HTTP server.
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.WebhookPath == "" {
		config.WebhookPath = "/recv"
	}
	if config.SendPath == "" {
		config.SendPath = "/send"
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves on config.Addr until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Callback dispatch is synchronous and may wait on the chat backend.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("server starting",
		"listen", ln.Addr().String(),
		"webhook_path", s.config.WebhookPath,
		"send_path", s.config.SendPath,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get(s.config.WebhookPath, s.handleVerify)
	r.Post(s.config.WebhookPath, s.handleCallback)
	r.Post(s.config.SendPath, s.handleSend)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Events != nil {
		r.With(s.bearerAuth).Get("/events", s.handleEvents)
	}

	return r
}

// loggingMiddleware logs and counts requests. Query strings are not logged;
// they carry signatures.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if m := s.deps.Metrics; m != nil {
			m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
		}

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

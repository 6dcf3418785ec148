// Package core provides the HTTP chassis for the AI SaaS API.
// It creates a chi router usable both as a standalone HTTP server (local and
// long-running deployments) and behind API Gateway via the Lambda adapter in
// cmd/api. Cross-cutting concerns (recovery, request ids, logging, CORS,
// metrics, authentication, rate limiting) run before domain handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"aisaas/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	// RecordRequest records latency and count for one request. endpoint is
	// the matched route pattern, not the raw path.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of routes on a router.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the dependencies of the API chassis so tests can inject
// fakes and each deployment mode can wire its own backends.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	Validator      *Validator
	Metrics        MetricsCollector
	Authenticator  Authenticator
	RateLimitStore RateLimitStore
	RateLimits     RateLimitPolicy
	HealthProbes   []HealthProbe

	// V1RouteRegistrars mount authenticated routes under /v1.
	V1RouteRegistrars []RouteRegistrar
	// RootRouteRegistrars mount routes outside /v1 (webhooks, cron, /metrics).
	RootRouteRegistrars []RouteRegistrar

	router  *chi.Mux
	closers []func(context.Context) error
}

// NewServer initializes the chassis. Routes are mounted separately via
// MountRoutes so callers can add registrars first.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup function run by Shutdown in reverse order of
// registration.
func (s *Server) OnShutdown(fn func(ctx context.Context) error) {
	s.closers = append(s.closers, fn)
}

// ListenAndServe runs an HTTP server on addr until ctx is cancelled, then
// drains in-flight requests within the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.Logger.Error("http server shutdown failed", "error", err)
		return err
	}
	return s.Shutdown(shutdownCtx)
}

// Shutdown releases resources registered via OnShutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.Logger.Error("error during shutdown", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}

	s.Logger.Info("server shutdown complete")
	return nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.ShutdownTimeout > 0 {
		return s.Config.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

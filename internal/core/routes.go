package core

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"aisaas/internal/types"
)

// defaultRequestTimeout is the soft deadline applied to request contexts. AI
// provider calls dominate request time, so it sits above the provider timeout.
const defaultRequestTimeout = 90 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
}

// MountRoutes registers the global middleware chain, the /v1 group and the
// top-level routes. It must be called exactly once, after every registrar
// and dependency has been set on the Server; chi panics if middleware is
// added after routes.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Route("/v1", s.mountV1)

	// Root routes: health, Stripe webhook, cron trigger and, when enabled,
	// the Prometheus scrape endpoint.
	s.router.Get("/health", s.HandleHealth)
	for _, registrar := range s.RootRouteRegistrars {
		registrar(s.router)
	}

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(errCodeNotFoundRoute, "route not found", nil))
	})
}

// errCodeNotFoundRoute is returned for paths no handler is mounted on.
const errCodeNotFoundRoute types.ErrorCode = "not_found_route"

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering:
//  1. Recoverer       - outermost, catches panics from everything below.
//  2. ContextTimeout  - soft deadline before the Lambda hard timeout.
//  3. RequestID       - correlation id and request-scoped logger.
//  4. SecurityHeaders - present on every response, including errors.
//  5. RequestLogger   - access log with redacted headers.
//  6. CORS            - answers preflight before auth runs.
//  7. Metrics         - latency and count per route pattern.
//  8. Auth            - resolves the Actor for /v1 paths.
//  9. RateLimit       - per-plan throttle, keyed by Actor or client IP.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware(s.Logger))
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, s.redactedHeaders()))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(s.AuthMiddleware)
	s.router.Use(s.RateLimit)
}

// mountV1 registers all v1 endpoints. Handler packages supply registrars so
// core never imports them.
func (s *Server) mountV1(r chi.Router) {
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

// requestTimeout returns the request context deadline.
func (s *Server) requestTimeout() time.Duration {
	return defaultRequestTimeout
}

func (s *Server) redactedHeaders() []string {
	return defaultRedactedHeaders
}

// corsAllowedOrigins falls back to "*" when no origins are configured.
func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware propagates the X-Request-ID header, generating a UUID
// when the client sent none. The id is stored in the context together with a
// logger that carries it, and echoed on the response.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}

			ctx := types.WithRequestID(r.Context(), requestID)
			ctx = types.WithLogger(ctx, types.LoggerFromContext(ctx, logger).With("request_id", requestID))

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

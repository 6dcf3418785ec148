package core

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aisaas/internal/billing"
	"aisaas/internal/types"
)

// rateLimitWindow is the fixed window of the per-plan API throttle.
const rateLimitWindow = time.Minute

// rateLimitExemptPrefixes are never throttled. Stripe retries webhooks on its
// own schedule and probes must not be starved.
var rateLimitExemptPrefixes = []string{
	"/health",
	"/metrics",
	"/webhooks/",
}

// planRateLimits adapts a billing.PlanRegistry to RateLimitPolicy.
type planRateLimits struct {
	plans billing.PlanRegistry
}

// PlanRateLimits returns the RateLimitPolicy defined by the plan table.
func PlanRateLimits(plans billing.PlanRegistry) RateLimitPolicy {
	return planRateLimits{plans: plans}
}

func (p planRateLimits) RequestsPerMinute(tier types.PlanTier) int {
	return p.plans.Definition(tier).RequestsPerMinute
}

func (p planRateLimits) AnonymousRequestsPerMinute() int {
	return billing.AnonymousRequestsPerMinute
}

// RateLimit throttles requests per minute. Authenticated requests are keyed
// by user id and limited by the plan carried on the Actor; anonymous requests
// are keyed by client IP.
//
// Every throttled response carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset. Denials add Retry-After. Store errors fail open.
//
// This throttle is independent of the monthly usage quota enforced by the
// admission gate.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimitStore == nil || s.RateLimits == nil || isRateLimitExempt(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		var (
			key   string
			limit int
		)
		if actor, ok := types.GetActor(r.Context()); ok {
			key = "user:" + actor.ID
			limit = s.RateLimits.RequestsPerMinute(actor.Plan)
		} else {
			key = "ip:" + extractClientIP(r)
			limit = s.RateLimits.AnonymousRequestsPerMinute()
		}
		if limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		log := types.LoggerFromContext(r.Context(), s.Logger)

		result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), key, limit, rateLimitWindow)
		if err != nil {
			log.Error("rate limit store error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, limit, result)

		if !result.Allowed {
			log.Warn("rate limit exceeded",
				slog.String("key", key),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			JSON(w, r, http.StatusTooManyRequests, APIErrorResponse{
				Error: ErrorDetail{
					Code:      string(types.ErrCodeRateLimit),
					Message:   "Too many requests. Please try again later.",
					RequestID: types.GetRequestID(r.Context()),
				},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isRateLimitExempt(path string) bool {
	for _, p := range rateLimitExemptPrefixes {
		if path == p || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// extractClientIP returns the first X-Forwarded-For entry when present,
// otherwise RemoteAddr without its port.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

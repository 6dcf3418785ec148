package core

import (
	"context"
	"time"

	"aisaas/internal/types"
)

// Authenticator decouples the HTTP layer from the credential store.
type Authenticator interface {
	// ResolveToken maps a bearer token to the Actor it belongs to.
	//
	// Distinct error codes:
	// - ErrCodeAuthTokenInvalid if the token is malformed, unknown or expired.
	// - ErrCodeAuthTokenRevoked if the token was revoked.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// RateLimitStore abstracts the counter backing the per-minute throttle.
type RateLimitStore interface {
	// IncrementAndCheck increments the counter for key in the current window
	// and reports whether the request fits within limit.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimitPolicy resolves the per-minute request allowance for a plan.
type RateLimitPolicy interface {
	RequestsPerMinute(tier types.PlanTier) int
	AnonymousRequestsPerMinute() int
}

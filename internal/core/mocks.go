package core

import (
	"context"
	"sync"
	"time"

	"aisaas/internal/types"
)

// MockAuthenticator implements Authenticator for handler and middleware
// tests in this and other packages.
//
//	auth := &MockAuthenticator{
//	    Actor: &types.Actor{ID: "user_1", Type: types.ActorTypeAPIKey, Plan: types.PlanPro},
//	}
type MockAuthenticator struct {
	// Actor is returned on success. If nil and Err is nil, ResolveToken
	// returns (nil, nil).
	Actor *types.Actor
	Err   error

	// ResolveTokenFunc takes precedence over Actor and Err when set.
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	mu    sync.Mutex
	Calls []string
}

func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

// MockRateLimitStore implements RateLimitStore with a canned result.
type MockRateLimitStore struct {
	Result RateLimitResult
	Err    error

	// IncrementAndCheckFunc takes precedence over Result and Err when set.
	IncrementAndCheckFunc func(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)

	mu    sync.Mutex
	Calls []RateLimitCall
}

// RateLimitCall records the arguments of one IncrementAndCheck invocation.
type RateLimitCall struct {
	Key    string
	Limit  int
	Window time.Duration
}

func (m *MockRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, RateLimitCall{Key: key, Limit: limit, Window: window})
	m.mu.Unlock()

	if m.IncrementAndCheckFunc != nil {
		return m.IncrementAndCheckFunc(ctx, key, limit, window)
	}
	return m.Result, m.Err
}

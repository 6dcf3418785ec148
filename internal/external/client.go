// Package external wraps the third-party HTTP APIs the platform calls: AI
// completion providers, SendGrid and Stripe. Outbound requests go through
// BaseClient, which applies circuit breaking, retries with backoff, request id
// propagation and error mapping.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"aisaas/internal/types"
)

// RetryPolicy configures retries on 429 and 5xx responses.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the policy used by most providers.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// NoRetry disables retries.
func NoRetry() RetryPolicy { return RetryPolicy{} }

// BaseClient is an *http.Client guarded by a circuit breaker.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	userAgent string
	// failCode is the error code for failures not covered by a status mapping.
	failCode types.ErrorCode
	wait     func(ctx context.Context, d time.Duration) error
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithWaitFunc replaces the context-aware sleep used between retries.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) { c.wait = fn }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) { c.breaker = cb }
}

// WithFailureCode sets the code returned for transport failures.
// Defaults to ErrCodeUpstreamUnavailable.
func WithFailureCode(code types.ErrorCode) BaseClientOption {
	return func(c *BaseClient) { c.failCode = code }
}

// NewBaseClient creates a BaseClient whose breaker, named name, trips after
// more than five consecutive failures and probes again after 30 seconds.
func NewBaseClient(httpClient *http.Client, name string, retry RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &BaseClient{
		client:    httpClient,
		breaker:   newBreaker(name),
		retry:     retry,
		userAgent: userAgent,
		failCode:  types.ErrCodeUpstreamUnavailable,
		wait:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the breaker state.
func (c *BaseClient) State() gobreaker.State {
	return c.breaker.State()
}

// errRetryableStatus marks a response the breaker counts as a failure.
type errRetryableStatus struct{ code int }

func (e errRetryableStatus) Error() string { return fmt.Sprintf("upstream returned %d", e.code) }

// Do sends req. 429 and 5xx responses are retried per the RetryPolicy,
// honouring Retry-After. Any other response, 4xx included, is returned to
// the caller, who must close its body.
//
// When retries are exhausted or the breaker is open Do returns an AppError:
// 429 maps to ErrCodeUpstreamRateLimited, 5xx and an open breaker to
// ErrCodeUpstreamUnavailable, transport failures to the client's failure code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
	}

	attempts := 1 + c.retry.MaxRetries
	var (
		lastStatus int
		lastErr    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				return r, errRetryableStatus{code: r.StatusCode}
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		lastStatus = 0
		var retryAfter string
		if resp != nil {
			lastStatus = resp.StatusCode
			retryAfter = resp.Header.Get("Retry-After")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			if werr := c.wait(ctx, c.backoff(attempt, retryAfter)); werr != nil {
				lastErr = werr
				break
			}
		}
	}

	return nil, c.mapError(lastStatus, lastErr)
}

// backoff returns the wait before retry number attempt+1. A Retry-After value
// wins when present; otherwise the wait is exponential with jitter, clamped
// to [MinWait, MaxWait].
func (c *BaseClient) backoff(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return min(time.Duration(secs)*time.Second, c.retry.MaxWait)
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			d := time.Until(at)
			if d <= 0 {
				return c.retry.MinWait
			}
			return min(d, c.retry.MaxWait)
		}
	}

	ceil := float64(c.retry.MinWait) * math.Pow(2, float64(attempt))
	ceil = math.Min(ceil, float64(c.retry.MaxWait))
	floor := float64(c.retry.MinWait)
	if ceil <= floor {
		return c.retry.MinWait
	}
	return time.Duration(floor + rand.Float64()*(ceil-floor))
}

func (c *BaseClient) mapError(status int, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker open", err)
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("upstream returned %d after retries", status), err)
	default:
		return types.NewAppError(c.failCode, "upstream request failed", err)
	}
}

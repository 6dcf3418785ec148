package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"aisaas/internal/types"
)

// noWait skips the delay between retries.
func noWait(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithWaitFunc(noWait)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test-"+t.Name(), policy, "aisaas-test/1.0", opts...)
}

func testPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := newTestClient(t, testPolicy(2)).Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_PropagatesHeaders(t *testing.T) {
	var gotID, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
		gotUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	ctx := types.WithRequestID(context.Background(), "req-42")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := newTestClient(t, testPolicy(0)).Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotID != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", gotID)
	}
	if gotUA != "aisaas-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestDo_RetriesServerErrorsAndReplaysBody(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("attempt %d saw body %q", atomic.LoadInt32(&calls), body)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	resp, err := newTestClient(t, testPolicy(2)).Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDo_ExhaustedRetriesMapStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   types.ErrorCode
	}{
		{"rate limited", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
		{"server error", http.StatusServiceUnavailable, types.ErrCodeUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
			_, err := newTestClient(t, testPolicy(1)).Do(req)
			if types.CodeOf(err) != tt.want {
				t.Errorf("code = %q, want %q", types.CodeOf(err), tt.want)
			}
			if got := atomic.LoadInt32(&calls); got != 2 {
				t.Errorf("calls = %d, want 2", got)
			}
		})
	}
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := newTestClient(t, testPolicy(3)).Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestDo_TransportErrorUsesFailureCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	_, err := newTestClient(t, testPolicy(0), WithFailureCode(types.ErrCodeUpstreamAIProvider)).Do(req)
	if types.CodeOf(err) != types.ErrCodeUpstreamAIProvider {
		t.Errorf("code = %q", types.CodeOf(err))
	}
}

func TestDo_OpenBreakerShortCircuits(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		Timeout:     time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	client := newTestClient(t, testPolicy(3), WithBreaker(cb))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if types.CodeOf(err) != types.ErrCodeUpstreamUnavailable {
		t.Errorf("code = %q", types.CodeOf(err))
	}
	if client.State() != gobreaker.StateOpen {
		t.Errorf("breaker state = %v, want open", client.State())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestDo_StopsWhenWaitIsCancelled(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cancelled := func(context.Context, time.Duration) error { return context.Canceled }
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := newTestClient(t, testPolicy(3), WithWaitFunc(cancelled)).Do(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected wrapped context.Canceled, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestBackoff(t *testing.T) {
	c := NewBaseClient(nil, "backoff", RetryPolicy{MinWait: 100 * time.Millisecond, MaxWait: time.Second}, "")

	if got := c.backoff(0, "3"); got != time.Second {
		t.Errorf("Retry-After beyond MaxWait: got %v", got)
	}
	for attempt := 0; attempt < 6; attempt++ {
		got := c.backoff(attempt, "")
		if got < 100*time.Millisecond || got > time.Second {
			t.Errorf("attempt %d: backoff %v outside [MinWait, MaxWait]", attempt, got)
		}
	}
}

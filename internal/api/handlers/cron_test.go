package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisaas/internal/scheduler"
	"aisaas/internal/types"
)

type mockResetter struct {
	resetFn func(ctx context.Context, now time.Time) (scheduler.ResetResult, error)
	calls   []time.Time
}

func (m *mockResetter) ResetMonthlyUsage(ctx context.Context, now time.Time) (scheduler.ResetResult, error) {
	m.calls = append(m.calls, now)
	if m.resetFn != nil {
		return m.resetFn(ctx, now)
	}
	p := types.PeriodOf(now)
	return scheduler.ResetResult{Month: p.Month, Year: p.Year, UsersProcessed: 3, RowsCreated: 2}, nil
}

var cronNow = time.Date(2026, 5, 1, 0, 0, 5, 0, time.UTC)

func newCronRouter(resetter *mockResetter, secret string) chi.Router {
	h := NewCronHandler(resetter, types.SecretString(secret), slog.Default())
	h.now = func() time.Time { return cronNow }
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestCron_AuthorizedRun(t *testing.T) {
	resetter := &mockResetter{}
	r := newCronRouter(resetter, "s3cret")

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/api/cron/reset-usage", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, method)
		var resp CronResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "Usage reset complete for 5/2026", resp.Message)
		assert.Equal(t, 2, resp.Result.RowsCreated)
	}
	require.Len(t, resetter.calls, 2)
	assert.True(t, resetter.calls[0].Equal(cronNow))
}

func TestCron_RejectsBadSecret(t *testing.T) {
	tests := map[string]string{
		"missing header": "",
		"wrong secret":   "Bearer nope",
		"wrong scheme":   "Basic s3cret",
		"prefix only":    "Bearer ",
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			resetter := &mockResetter{}
			r := newCronRouter(resetter, "s3cret")

			req := httptest.NewRequest(http.MethodGet, "/api/cron/reset-usage", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, string(types.ErrCodeAuthCronSecret), decodeError(t, rec).Code)
			assert.Empty(t, resetter.calls)
		})
	}
}

func TestCron_OpenWithoutSecret(t *testing.T) {
	resetter := &mockResetter{}
	r := newCronRouter(resetter, "")

	req := httptest.NewRequest(http.MethodPost, "/api/cron/reset-usage", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resetter.calls, 1)
}

func TestCron_JobFailure(t *testing.T) {
	resetter := &mockResetter{
		resetFn: func(context.Context, time.Time) (scheduler.ResetResult, error) {
			return scheduler.ResetResult{Month: 5, Year: 2026, UsersProcessed: 4, Failures: 1}, errors.New("usage reset failed for 1 of 4 users")
		},
	}
	r := newCronRouter(resetter, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/api/cron/reset-usage", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "Internal server error", detail.Message)
	assert.EqualValues(t, 1, detail.Details["failures"])
}

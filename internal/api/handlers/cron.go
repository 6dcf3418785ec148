package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"aisaas/internal/core"
	"aisaas/internal/scheduler"
	"aisaas/internal/types"
)

// UsageResetter runs the monthly reset job.
type UsageResetter interface {
	ResetMonthlyUsage(ctx context.Context, now time.Time) (scheduler.ResetResult, error)
}

// CronResponse is returned when a cron-triggered reset completes.
type CronResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Result  scheduler.ResetResult `json:"result"`
}

// CronHandler exposes the monthly reset to an external scheduler. It sits
// outside the API key middleware and authenticates with a shared secret.
type CronHandler struct {
	resetter UsageResetter
	secret   types.SecretString
	now      func() time.Time
	logger   *slog.Logger
}

// NewCronHandler creates a CronHandler. An unset secret leaves the endpoint
// open.
func NewCronHandler(resetter UsageResetter, secret types.SecretString, l *slog.Logger) *CronHandler {
	if l == nil {
		l = slog.Default()
	}
	if !secret.IsSet() {
		l.Warn("CRON_SECRET is not set; the reset endpoint accepts unauthenticated calls")
	}
	return &CronHandler{
		resetter: resetter,
		secret:   secret,
		now:      time.Now,
		logger:   l,
	}
}

// RegisterRoutes mounts the cron endpoint. Both verbs are accepted because
// schedulers differ in which one they send.
func (h *CronHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/cron/reset-usage", h.ResetUsage)
	r.Post("/api/cron/reset-usage", h.ResetUsage)
}

// ResetUsage handles GET|POST /api/cron/reset-usage.
func (h *CronHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.WarnContext(r.Context(), "rejected cron request", "remote_addr", r.RemoteAddr)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthCronSecret, "Unauthorized", nil))
		return
	}

	result, err := h.resetter.ResetMonthlyUsage(r.Context(), h.now().UTC())
	if err != nil {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeInternalUnexpected,
			"Internal server error",
			err,
			map[string]any{"failures": result.Failures, "users_processed": result.UsersProcessed},
		))
		return
	}

	core.JSON(w, r, http.StatusOK, CronResponse{
		Success: true,
		Message: fmt.Sprintf("Usage reset complete for %d/%d", result.Month, result.Year),
		Result:  result,
	})
}

func (h *CronHandler) authorized(r *http.Request) bool {
	if !h.secret.IsSet() {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	got := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret.Unmask())) == 1
}

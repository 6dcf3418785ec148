package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"aisaas/internal/core"
	"aisaas/internal/types"
)

// UsageStatsReader aggregates platform-wide usage.
type UsageStatsReader interface {
	Stats(ctx context.Context) (*types.UsageStats, error)
	MonthlyUsage(ctx context.Context) (types.Period, []types.TopUsageEntry, error)
}

// UserUsageResetter zeroes one user's current-month counter.
type UserUsageResetter interface {
	ResetUserUsage(ctx context.Context, userID string) (*types.UsageRecord, error)
}

// UserLookup confirms a user exists before acting on it.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// AdminHandler serves operator endpoints. Callers must wrap the routes in
// core.Server.RequireAdmin.
type AdminHandler struct {
	stats  UsageStatsReader
	ledger UserUsageResetter
	users  UserLookup
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(stats UsageStatsReader, ledger UserUsageResetter, users UserLookup, l *slog.Logger) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdminHandler{
		stats:  stats,
		ledger: ledger,
		users:  users,
		logger: l,
	}
}

// RegisterRoutes mounts the admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/usage/stats", h.Stats)
	r.Get("/admin/usage/export", h.Export)
	r.Post("/admin/users/{id}/usage/reset", h.ResetUser)
}

// Stats handles GET /v1/admin/usage/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, stats)
}

// Export handles GET /v1/admin/usage/export: a CSV of every user's request
// count for the current month, heaviest first.
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	period, entries, err := h.stats.MonthlyUsage(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	body, err := encodeAnalyticsCSV(period, entries)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build export", err))
		return
	}

	filename := fmt.Sprintf("analytics-export-%d-%02d.csv", period.Year, period.Month)
	writeCSVAttachment(w, r, h.logger, filename, body)
}

func encodeAnalyticsCSV(period types.Period, entries []types.TopUsageEntry) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write([]string{"User", "Email", "Requests", "Month", "Year"}); err != nil {
		return nil, err
	}
	month, year := strconv.Itoa(period.Month), strconv.Itoa(period.Year)
	for _, e := range entries {
		if err := cw.Write([]string{e.UserName, e.Email, strconv.Itoa(e.Requests), month, year}); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

// ResetUser handles POST /v1/admin/users/{id}/usage/reset.
func (h *AdminHandler) ResetUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil))
		return
	}

	if _, err := h.users.GetByID(r.Context(), userID); err != nil {
		core.Error(w, r, err)
		return
	}

	rec, err := h.ledger.ResetUserUsage(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	actor, _ := types.GetActor(r.Context())
	h.logger.InfoContext(r.Context(), "admin reset user usage",
		"admin_id", actor.ID,
		"user_id", userID,
	)
	core.JSON(w, r, http.StatusOK, rec)
}

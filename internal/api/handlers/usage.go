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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"aisaas/internal/core"
	"aisaas/internal/types"
)

const (
	// maxHistoryMonths caps the history query parameter.
	maxHistoryMonths = 120

	// maxExportRecords bounds the CSV export. Pruning keeps far fewer rows.
	maxExportRecords = 1200
)

// UsageReader is the read side of the usage ledger.
type UsageReader interface {
	Snapshot(ctx context.Context, userID string) (*types.UsageSnapshot, error)
	History(ctx context.Context, userID string, months int) ([]types.UsageHistoryEntry, error)
	Records(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error)
}

// UsageHistoryResponse wraps the history entries.
type UsageHistoryResponse struct {
	Data []types.UsageHistoryEntry `json:"data"`
}

// UsageHandler serves the caller's own usage figures.
type UsageHandler struct {
	ledger UsageReader
	now    func() time.Time
	logger *slog.Logger
}

// NewUsageHandler creates a UsageHandler.
func NewUsageHandler(ledger UsageReader, l *slog.Logger) *UsageHandler {
	if l == nil {
		l = slog.Default()
	}
	return &UsageHandler{
		ledger: ledger,
		now:    time.Now,
		logger: l,
	}
}

// RegisterRoutes mounts the usage routes.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/usage", func(r chi.Router) {
		r.Get("/", h.Current)
		r.Get("/history", h.History)
		r.Get("/export", h.Export)
	})
}

// Current handles GET /v1/usage.
func (h *UsageHandler) Current(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	snap, err := h.ledger.Snapshot(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, snap)
}

// History handles GET /v1/usage/history?limit=n.
func (h *UsageHandler) History(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	months := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryMonths {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidParam,
				fmt.Sprintf("limit must be a number between 1 and %d", maxHistoryMonths),
				nil,
			))
			return
		}
		months = n
	}

	entries, err := h.ledger.History(r.Context(), actor.ID, months)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.UsageHistoryEntry{}
	}
	core.JSON(w, r, http.StatusOK, UsageHistoryResponse{Data: entries})
}

// Export handles GET /v1/usage/export. The body is a CSV attachment with one
// row per month, newest first, gzip-encoded when the client accepts it.
func (h *UsageHandler) Export(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	records, err := h.ledger.Records(r.Context(), actor.ID, maxExportRecords)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	body, err := encodeUsageCSV(records)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build export", err))
		return
	}

	filename := fmt.Sprintf("usage-report-%d.csv", h.now().UnixMilli())
	writeCSVAttachment(w, r, h.logger, filename, body)
}

// writeCSVAttachment sends body as a CSV download named filename,
// gzip-encoded when the client accepts it.
func writeCSVAttachment(w http.ResponseWriter, r *http.Request, logger *slog.Logger, filename string, body []byte) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Add("Vary", "Accept-Encoding")

	if !acceptsGzip(r) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(http.StatusOK)
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(body); err != nil {
		logger.WarnContext(r.Context(), "failed to write compressed export", "error", err)
	}
	if err := gz.Close(); err != nil {
		logger.WarnContext(r.Context(), "failed to flush compressed export", "error", err)
	}
}

func encodeUsageCSV(records []*types.UsageRecord) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write([]string{"Month", "Year", "Request Count", "Reset At"}); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := []string{
			strconv.Itoa(rec.Month),
			strconv.Itoa(rec.Year),
			strconv.Itoa(rec.RequestCount),
			rec.ResetAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(enc, "gzip") {
			return true
		}
	}
	return false
}

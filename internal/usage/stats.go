package usage

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"aisaas/internal/types"
)

// DefaultTopUsers is the number of entries in UsageStats.TopUsers.
const DefaultTopUsers = 10

// StatsStore provides the aggregate queries behind the admin dashboard.
type StatsStore interface {
	PeriodTotals(ctx context.Context, period types.Period) (requests int64, activeUsers int, err error)
	TotalRequests(ctx context.Context) (int64, error)
	TopUsers(ctx context.Context, period types.Period, limit int) ([]types.TopUsageEntry, error)
}

// StatsReporter computes cross-user usage statistics.
type StatsReporter struct {
	store StatsStore
	now   func() time.Time
}

// NewStatsReporter creates a StatsReporter. A nil clock uses time.Now.
func NewStatsReporter(store StatsStore, now func() time.Time) *StatsReporter {
	if now == nil {
		now = time.Now
	}
	return &StatsReporter{store: store, now: now}
}

// Stats returns current-month totals, the all-time request total, and the
// heaviest users of the current month. The three queries run concurrently.
func (r *StatsReporter) Stats(ctx context.Context) (*types.UsageStats, error) {
	period := types.PeriodOf(r.now())
	stats := &types.UsageStats{Month: period.Month, Year: period.Year}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		requests, users, err := r.store.PeriodTotals(gctx, period)
		if err != nil {
			return err
		}
		stats.Requests = requests
		stats.ActiveUsers = users
		return nil
	})

	g.Go(func() error {
		total, err := r.store.TotalRequests(gctx)
		if err != nil {
			return err
		}
		stats.TotalRequests = total
		return nil
	})

	g.Go(func() error {
		top, err := r.store.TopUsers(gctx, period, DefaultTopUsers)
		if err != nil {
			return err
		}
		stats.TopUsers = withDisplayNames(top)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if stats.TopUsers == nil {
		stats.TopUsers = []types.TopUsageEntry{}
	}
	return stats, nil
}

// MonthlyUsage returns every user's count for the current month, highest
// first, together with the month it covers.
func (r *StatsReporter) MonthlyUsage(ctx context.Context) (types.Period, []types.TopUsageEntry, error) {
	period := types.PeriodOf(r.now())
	entries, err := r.store.TopUsers(ctx, period, 0)
	if err != nil {
		return period, nil, err
	}
	return period, withDisplayNames(entries), nil
}

// withDisplayNames falls back to the email for users without a name.
func withDisplayNames(entries []types.TopUsageEntry) []types.TopUsageEntry {
	for i := range entries {
		if entries[i].UserName == "" {
			entries[i].UserName = entries[i].Email
		}
	}
	return entries
}

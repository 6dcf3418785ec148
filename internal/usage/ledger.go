// Package usage owns the per-user monthly request counter and the admission
// gate that must be called before any billable action.
package usage

import (
	"context"
	"log/slog"
	"time"

	"aisaas/internal/billing"
	"aisaas/internal/types"
)

// DefaultWarningThreshold is the usage percentage at which a user is warned.
const DefaultWarningThreshold = 90

// DefaultHistoryMonths is the number of months History returns when the
// caller does not ask for a specific count.
const DefaultHistoryMonths = 12

// Store is the storage contract for usage rows keyed by (user, period).
// Every mutating method must be atomic with respect to concurrent callers on
// the same key. Errors are AppErrors with ErrCodeInternalDB.
type Store interface {
	// Get returns the record for (userID, period). found is false when no row
	// exists; Get never creates one.
	Get(ctx context.Context, userID string, period types.Period) (rec *types.UsageRecord, found bool, err error)

	// Ensure returns the record for (userID, period), creating it with a zero
	// count when absent. An existing row is returned unchanged. created
	// reports whether this call inserted the row.
	Ensure(ctx context.Context, userID string, period types.Period) (rec *types.UsageRecord, created bool, err error)

	// Increment adds one to the counter, creating the row with count 1 when
	// absent, and returns the post-increment count.
	Increment(ctx context.Context, userID string, period types.Period) (int, error)

	// IncrementIfBelow adds one only when the current count is below limit,
	// creating the row first when absent. It returns the resulting count and
	// whether the increment was applied. When not applied, count is the
	// unchanged current value.
	IncrementIfBelow(ctx context.Context, userID string, period types.Period, limit int) (count int, applied bool, err error)

	// Reset sets the counter of (userID, period) to zero, creating the row
	// when absent.
	Reset(ctx context.Context, userID string, period types.Period) (*types.UsageRecord, error)

	// History returns up to limit records for the user, newest period first.
	History(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error)
}

// PlanSource resolves a user's effective plan.
type PlanSource interface {
	Resolve(ctx context.Context, userID string) (billing.EffectivePlan, error)
}

// Notifier receives usage notifications emitted by the admission gate.
type Notifier interface {
	NotifyUsage(ctx context.Context, n types.UsageNotification) error
}

// Metrics records admission gate outcomes.
type Metrics interface {
	RecordAdmission(ctx context.Context, plan types.PlanTier, outcome types.AdmissionOutcome)
}

// Ledger is the authoritative per-user monthly counter. It is constructed
// once per process and is safe for concurrent use; all serialization happens
// in the Store on the (user, period) key.
type Ledger struct {
	store            Store
	plans            PlanSource
	now              func() time.Time
	warningThreshold int
	notifier         Notifier
	metrics          Metrics
	logger           *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used to pick the current period.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithWarningThreshold sets the usage percentage that triggers a warning.
func WithWarningThreshold(percent int) Option {
	return func(l *Ledger) {
		if percent > 0 && percent <= 100 {
			l.warningThreshold = percent
		}
	}
}

// WithNotifier sets the destination of usage notifications.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithMetrics sets the admission metrics collector.
func WithMetrics(m Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a Ledger over the given store and plan source.
func NewLedger(store Store, plans PlanSource, opts ...Option) *Ledger {
	l := &Ledger{
		store:            store,
		plans:            plans,
		now:              time.Now,
		warningThreshold: DefaultWarningThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// CurrentPeriod returns the calendar month usage is currently counted in.
func (l *Ledger) CurrentPeriod() types.Period {
	return types.PeriodOf(l.now())
}

// TryGetCurrentUsage returns the current month's record without creating
// one. found is false when the user has not been counted this month.
func (l *Ledger) TryGetCurrentUsage(ctx context.Context, userID string) (*types.UsageRecord, bool, error) {
	return l.store.Get(ctx, userID, l.CurrentPeriod())
}

// EnsureCurrentUsage returns the current month's record, creating a zero row
// when absent. Concurrent first calls converge on a single row.
func (l *Ledger) EnsureCurrentUsage(ctx context.Context, userID string) (*types.UsageRecord, error) {
	rec, _, err := l.store.Ensure(ctx, userID, l.CurrentPeriod())
	return rec, err
}

// Increment adds one unit to the current month's counter and returns the
// new count. It does not consult the plan limit; billable actions must go
// through CheckAndIncrementUsage instead.
func (l *Ledger) Increment(ctx context.Context, userID string) (int, error) {
	return l.store.Increment(ctx, userID, l.CurrentPeriod())
}

// HasExceededLimit reports whether the user has used their whole monthly
// quota. Unlimited plans never exceed.
func (l *Ledger) HasExceededLimit(ctx context.Context, userID string) (bool, error) {
	plan, count, err := l.planAndCount(ctx, userID)
	if err != nil {
		return false, err
	}
	if plan.Unlimited() {
		return false, nil
	}
	return count >= plan.Limit(), nil
}

// Remaining returns the number of requests left this month, clamped at zero,
// or types.UnlimitedSentinel for unlimited plans.
func (l *Ledger) Remaining(ctx context.Context, userID string) (int, error) {
	plan, count, err := l.planAndCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return remaining(plan, count), nil
}

// UsagePercentage returns the share of the monthly quota used, rounded and
// clamped to [0,100]. Unlimited plans always report 0.
func (l *Ledger) UsagePercentage(ctx context.Context, userID string) (int, error) {
	plan, count, err := l.planAndCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return percentage(plan, count), nil
}

// ShouldSendUsageWarning reports whether the user's usage has reached the
// warning threshold.
func (l *Ledger) ShouldSendUsageWarning(ctx context.Context, userID string) (bool, error) {
	pct, err := l.UsagePercentage(ctx, userID)
	if err != nil {
		return false, err
	}
	return pct >= l.warningThreshold, nil
}

// Snapshot returns the dashboard read-out of the user's current month.
// The current month's row is created if absent.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (*types.UsageSnapshot, error) {
	plan, err := l.plans.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	period := l.CurrentPeriod()
	rec, _, err := l.store.Ensure(ctx, userID, period)
	if err != nil {
		return nil, err
	}

	limit := plan.Limit()
	if plan.Unlimited() {
		limit = types.UnlimitedSentinel
	}
	return &types.UsageSnapshot{
		UserID:          userID,
		Plan:            plan.Tier,
		Month:           period.Month,
		Year:            period.Year,
		RequestCount:    rec.RequestCount,
		Limit:           limit,
		Remaining:       remaining(plan, rec.RequestCount),
		UsagePercentage: percentage(plan, rec.RequestCount),
		Unlimited:       plan.Unlimited(),
		ResetAt:         period.ResetAt(),
	}, nil
}

// ResetUserUsage zeroes the user's counter for the current month. It is an
// operator action; the monthly rollover never calls it.
func (l *Ledger) ResetUserUsage(ctx context.Context, userID string) (*types.UsageRecord, error) {
	rec, err := l.store.Reset(ctx, userID, l.CurrentPeriod())
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "usage reset for user",
		"user_id", userID,
		"month", rec.Month,
		"year", rec.Year,
	)
	return rec, nil
}

// History returns up to months records, newest first, each annotated with
// the user's current effective limit. months <= 0 selects DefaultHistoryMonths.
func (l *Ledger) History(ctx context.Context, userID string, months int) ([]types.UsageHistoryEntry, error) {
	if months <= 0 {
		months = DefaultHistoryMonths
	}
	plan, err := l.plans.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	records, err := l.store.History(ctx, userID, months)
	if err != nil {
		return nil, err
	}

	limit := plan.Limit()
	if plan.Unlimited() {
		limit = types.UnlimitedSentinel
	}
	entries := make([]types.UsageHistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, types.UsageHistoryEntry{
			Month:        r.Month,
			Year:         r.Year,
			RequestCount: r.RequestCount,
			Limit:        limit,
		})
	}
	return entries, nil
}

// Records returns the user's raw usage rows, newest first, for export.
func (l *Ledger) Records(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error) {
	return l.store.History(ctx, userID, limit)
}

func (l *Ledger) planAndCount(ctx context.Context, userID string) (billing.EffectivePlan, int, error) {
	plan, err := l.plans.Resolve(ctx, userID)
	if err != nil {
		return billing.EffectivePlan{}, 0, err
	}
	rec, _, err := l.store.Ensure(ctx, userID, l.CurrentPeriod())
	if err != nil {
		return billing.EffectivePlan{}, 0, err
	}
	return plan, rec.RequestCount, nil
}

func remaining(plan billing.EffectivePlan, count int) int {
	if plan.Unlimited() {
		return types.UnlimitedSentinel
	}
	return max(0, plan.Limit()-count)
}

// percentage of a zero quota is 100: nothing is left to use.
func percentage(plan billing.EffectivePlan, count int) int {
	if plan.Unlimited() {
		return 0
	}
	limit := plan.Limit()
	if limit <= 0 {
		return 100
	}
	if count <= 0 {
		return 0
	}
	// Integer round-half-up of count/limit*100.
	pct := (200*count + limit) / (2 * limit)
	return min(100, pct)
}

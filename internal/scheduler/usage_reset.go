package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aisaas/internal/types"
)

// DefaultBatchLimit is the number of users fetched per page during the
// monthly reset walk.
const DefaultBatchLimit = 50

// UserLister pages through every known user id in ascending order.
type UserLister interface {
	// ListIDsAfter returns up to limit user ids strictly greater than afterID.
	// An empty afterID starts from the beginning.
	ListIDsAfter(ctx context.Context, afterID string, limit int) ([]string, error)
}

// ResetStore is the subset of the usage store the reset job needs.
type ResetStore interface {
	Ensure(ctx context.Context, userID string, period types.Period) (*types.UsageRecord, bool, error)
	PruneBefore(ctx context.Context, period types.Period) (int64, error)
}

// ResetMetrics records the outcome of a reset run.
type ResetMetrics interface {
	RecordReset(ctx context.Context, result ResetResult, err error)
}

// ResetResult summarizes one execution of the monthly reset.
type ResetResult struct {
	Month          int   `json:"month"`
	Year           int   `json:"year"`
	UsersProcessed int   `json:"users_processed"`
	RowsCreated    int   `json:"rows_created"`
	Failures       int   `json:"failures"`
	Pruned         int64 `json:"pruned"`
}

// MonthlyReset prepares every user's counter for a new calendar month.
//
// It never zeroes a row that already exists for the current month: the
// period key is what separates months, so a row created by a request that
// arrived before the job ran already holds the correct count. Rerunning the
// job within the same month is a no-op apart from pruning.
type MonthlyReset struct {
	users   UserLister
	store   ResetStore
	batch   int
	prune   bool
	metrics ResetMetrics
	logger  *slog.Logger
}

// ResetOption configures a MonthlyReset.
type ResetOption func(*MonthlyReset)

// WithBatchLimit overrides DefaultBatchLimit.
func WithBatchLimit(n int) ResetOption {
	return func(r *MonthlyReset) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithPrune toggles deletion of rows from earlier months.
func WithPrune(enabled bool) ResetOption {
	return func(r *MonthlyReset) { r.prune = enabled }
}

// WithResetMetrics sets the run metrics collector.
func WithResetMetrics(m ResetMetrics) ResetOption {
	return func(r *MonthlyReset) { r.metrics = m }
}

// NewMonthlyReset creates the reset job. If logger is nil, slog.Default() is used.
func NewMonthlyReset(users UserLister, store ResetStore, logger *slog.Logger, opts ...ResetOption) *MonthlyReset {
	if logger == nil {
		logger = slog.Default()
	}
	r := &MonthlyReset{
		users:  users,
		store:  store,
		batch:  DefaultBatchLimit,
		prune:  true,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResetMonthlyUsage walks every user and ensures a usage row exists for the
// calendar month containing now, then prunes rows from earlier months.
//
// A failure for one user is logged and counted and the walk continues. The
// returned error is non-nil when listing users failed, any user failed, or
// pruning failed; the result is populated in every case.
func (r *MonthlyReset) ResetMonthlyUsage(ctx context.Context, now time.Time) (ResetResult, error) {
	period := types.PeriodOf(now)
	result := ResetResult{Month: period.Month, Year: period.Year}

	r.logger.InfoContext(ctx, "starting monthly usage reset",
		"period", period.String(),
		"batch_limit", r.batch,
	)

	err := r.run(ctx, period, &result)
	if r.metrics != nil {
		r.metrics.RecordReset(ctx, result, err)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "monthly usage reset finished with errors",
			"period", period.String(),
			"users_processed", result.UsersProcessed,
			"rows_created", result.RowsCreated,
			"failures", result.Failures,
			"pruned", result.Pruned,
			"error", err,
		)
		return result, err
	}

	r.logger.InfoContext(ctx, "monthly usage reset complete",
		"period", period.String(),
		"users_processed", result.UsersProcessed,
		"rows_created", result.RowsCreated,
		"pruned", result.Pruned,
	)
	return result, nil
}

func (r *MonthlyReset) run(ctx context.Context, period types.Period, result *ResetResult) error {
	var errs []error

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		ids, err := r.users.ListIDsAfter(ctx, cursor, r.batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing users after %q: %w", cursor, err))
			return errors.Join(errs...)
		}
		if len(ids) == 0 {
			break
		}

		for _, userID := range ids {
			_, created, err := r.store.Ensure(ctx, userID, period)
			result.UsersProcessed++
			if err != nil {
				result.Failures++
				r.logger.ErrorContext(ctx, "failed to ensure usage row",
					"user_id", userID,
					"period", period.String(),
					"error", err,
				)
				continue
			}
			if created {
				result.RowsCreated++
			}
		}

		cursor = ids[len(ids)-1]
		if len(ids) < r.batch {
			break
		}
	}

	if result.Failures > 0 {
		errs = append(errs, fmt.Errorf("usage reset failed for %d of %d users", result.Failures, result.UsersProcessed))
	}

	if r.prune {
		pruned, err := r.store.PruneBefore(ctx, period)
		if err != nil {
			errs = append(errs, fmt.Errorf("pruning usage before %s: %w", period, err))
		} else {
			result.Pruned = pruned
		}
	}

	return errors.Join(errs...)
}

// Dispatch routes a maintenance payload to its job.
func (r *MonthlyReset) Dispatch(ctx context.Context, payload MaintenancePayload) (ResetResult, error) {
	switch payload.Task {
	case TaskResetMonthlyUsage, "":
		return r.ResetMonthlyUsage(ctx, payload.Now())
	default:
		return ResetResult{}, types.NewAppError(types.ErrCodeValidationInvalidBody,
			fmt.Sprintf("unknown maintenance task %q", payload.Task), nil)
	}
}

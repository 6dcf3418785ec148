package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"aisaas/internal/billing"
	"aisaas/internal/types"
)

// CheckAndIncrementUsage is the admission gate. It must be called
// immediately before a billable action.
//
// A true result means exactly one unit of quota was consumed; false means
// none was and the caller must reject the action. The check and the
// increment are a single conditional update in the store, so concurrent
// calls for the same user can never admit more than the plan limit.
//
// Storage failures are returned as errors, never as false, so the caller can
// tell "limit reached" apart from "could not tell".
func (l *Ledger) CheckAndIncrementUsage(ctx context.Context, userID string) (bool, error) {
	plan, err := l.plans.Resolve(ctx, userID)
	if err != nil {
		l.recordAdmission(ctx, types.PlanFree, types.AdmissionError)
		l.logger.ErrorContext(ctx, "admission gate failed to resolve plan",
			"user_id", userID,
			"error", err,
		)
		return false, err
	}

	period := l.CurrentPeriod()

	var (
		count   int
		applied bool
	)
	if plan.Unlimited() {
		count, err = l.store.Increment(ctx, userID, period)
		applied = err == nil
	} else {
		count, applied, err = l.store.IncrementIfBelow(ctx, userID, period, plan.Limit())
	}
	if err != nil {
		l.recordAdmission(ctx, plan.Tier, types.AdmissionError)
		l.logger.ErrorContext(ctx, "admission gate failed to increment usage",
			"user_id", userID,
			"plan", string(plan.Tier),
			"period", period.String(),
			"error", err,
		)
		return false, err
	}

	if !applied {
		l.recordAdmission(ctx, plan.Tier, types.AdmissionDenied)
		l.logger.InfoContext(ctx, "usage limit reached",
			"user_id", userID,
			"plan", string(plan.Tier),
			"request_count", count,
			"limit", plan.Limit(),
		)
		return false, nil
	}

	l.recordAdmission(ctx, plan.Tier, types.AdmissionAdmitted)
	l.maybeNotify(ctx, userID, plan, period, count)
	return true, nil
}

// thresholdEvent returns the notification an admitted increment to count
// should emit, if any. Only the increment that crosses a boundary emits, so
// a user receives at most one warning and one limit notice per month.
func (l *Ledger) thresholdEvent(plan billing.EffectivePlan, count int) (types.UsageEventType, bool) {
	if plan.Unlimited() || plan.Limit() <= 0 {
		return "", false
	}
	if count == plan.Limit() {
		return types.UsageEventLimitReached, true
	}
	before := percentage(plan, count-1)
	after := percentage(plan, count)
	if before < l.warningThreshold && after >= l.warningThreshold {
		return types.UsageEventWarning, true
	}
	return "", false
}

func (l *Ledger) maybeNotify(ctx context.Context, userID string, plan billing.EffectivePlan, period types.Period, count int) {
	if l.notifier == nil {
		return
	}
	event, ok := l.thresholdEvent(plan, count)
	if !ok {
		return
	}

	n := types.UsageNotification{
		NotificationID:  uuid.New().String(),
		UserID:          userID,
		EventType:       event,
		Plan:            plan.Tier,
		Month:           period.Month,
		Year:            period.Year,
		RequestCount:    count,
		Limit:           plan.Limit(),
		UsagePercentage: percentage(plan, count),
		ResetAt:         period.ResetAt(),
		OccurredAt:      l.now().UTC().Truncate(time.Second),
		TraceID:         types.GetRequestID(ctx),
	}
	// The unit is already consumed; a failed notification must not undo it.
	if err := l.notifier.NotifyUsage(ctx, n); err != nil {
		l.logger.WarnContext(ctx, "failed to publish usage notification",
			"user_id", userID,
			"event_type", string(event),
			"error", err,
		)
	}
}

func (l *Ledger) recordAdmission(ctx context.Context, plan types.PlanTier, outcome types.AdmissionOutcome) {
	if l.metrics != nil {
		l.metrics.RecordAdmission(ctx, plan, outcome)
	}
}

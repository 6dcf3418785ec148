package billing

import (
	"context"
	"log/slog"

	"aisaas/internal/types"
)

// SubscriptionReader looks up a user's billing subscription. Implementations
// return an AppError with ErrCodeNotFoundSubscription when the user has none.
type SubscriptionReader interface {
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
}

// EffectivePlan is the plan a user's quota is enforced against right now.
type EffectivePlan struct {
	Tier       types.PlanTier
	Definition PlanDefinition
}

// Limit returns the monthly request limit of the effective plan.
func (p EffectivePlan) Limit() int {
	return p.Definition.MonthlyRequestLimit
}

// Unlimited reports whether the effective plan has no monthly cap.
func (p EffectivePlan) Unlimited() bool {
	return p.Definition.IsUnlimited()
}

// EffectivePlanFor derives the effective plan from a subscription record.
// A nil subscription, or one whose status does not grant its plan, resolves
// to Free. Unknown plan identifiers also resolve to Free.
func EffectivePlanFor(sub *types.Subscription, plans PlanRegistry) EffectivePlan {
	tier := types.PlanFree
	if sub != nil && sub.Status.GrantsPlan() {
		tier = sub.Plan
	}
	def := plans.Definition(tier)
	return EffectivePlan{Tier: def.Tier, Definition: def}
}

// PlanResolver resolves a user's effective plan from their subscription.
type PlanResolver struct {
	subs   SubscriptionReader
	plans  PlanRegistry
	logger *slog.Logger
}

// NewPlanResolver creates a PlanResolver.
func NewPlanResolver(subs SubscriptionReader, plans PlanRegistry, logger *slog.Logger) *PlanResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanResolver{subs: subs, plans: plans, logger: logger}
}

// Resolve returns the user's effective plan. A missing subscription is not an
// error and resolves to Free. Storage failures are returned unchanged so the
// caller can fail closed.
func (r *PlanResolver) Resolve(ctx context.Context, userID string) (EffectivePlan, error) {
	sub, err := r.subs.GetByUserID(ctx, userID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundSubscription {
			return EffectivePlanFor(nil, r.plans), nil
		}
		return EffectivePlan{}, err
	}

	if sub != nil && sub.Status.GrantsPlan() && !r.plans.Known(sub.Plan) {
		r.logger.WarnContext(ctx, "unknown plan on subscription, enforcing free limits",
			"user_id", userID,
			"plan", string(sub.Plan),
		)
	}

	return EffectivePlanFor(sub, r.plans), nil
}

// Registry exposes the underlying plan registry.
func (r *PlanResolver) Registry() PlanRegistry {
	return r.plans
}

// Package billing provides the plan registry and effective-plan resolution.
package billing

import "aisaas/internal/types"

// Unlimited is the monthly limit of plans without a cap. Enforcement code
// must treat it as "never exceeded".
const Unlimited = types.UnlimitedSentinel

// PlanDefinition is the static quota and price of one plan.
type PlanDefinition struct {
	Tier                types.PlanTier
	Name                string
	MonthlyRequestLimit int
	// PriceMinorUnits is nil for custom/negotiated pricing.
	PriceMinorUnits *int64
	// RequestsPerMinute is the best-effort API throttle for the plan.
	RequestsPerMinute int
}

// IsUnlimited reports whether the plan has no monthly cap.
func (d PlanDefinition) IsUnlimited() bool {
	return d.MonthlyRequestLimit == Unlimited
}

// PlanRegistry is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// Definition returns the definition for tier. Unknown tiers resolve to
	// the Free definition so an unrecognized identifier never grants more
	// than the most restrictive plan.
	Definition(tier types.PlanTier) PlanDefinition

	// LimitFor returns the monthly request limit for tier, or Free's limit
	// when tier is unknown.
	LimitFor(tier types.PlanTier) int

	// Known reports whether tier is a registered plan.
	Known(tier types.PlanTier) bool
}

// AnonymousRequestsPerMinute is the throttle for unauthenticated callers.
const AnonymousRequestsPerMinute = 3

func price(v int64) *int64 { return &v }

// planDefaults is the compiled-in plan table.
//
//	| Plan       | Requests/month | Price (cents) | Requests/min |
//	|------------|----------------|---------------|--------------|
//	| Free       | 10             | 0             | 5            |
//	| Pro        | 1,000          | 2900          | 30           |
//	| Enterprise | unlimited      | custom        | 100          |
var planDefaults = map[types.PlanTier]PlanDefinition{
	types.PlanFree: {
		Tier:                types.PlanFree,
		Name:                "Free",
		MonthlyRequestLimit: 10,
		PriceMinorUnits:     price(0),
		RequestsPerMinute:   5,
	},
	types.PlanPro: {
		Tier:                types.PlanPro,
		Name:                "Pro",
		MonthlyRequestLimit: 1000,
		PriceMinorUnits:     price(2900),
		RequestsPerMinute:   30,
	},
	types.PlanEnterprise: {
		Tier:                types.PlanEnterprise,
		Name:                "Enterprise",
		MonthlyRequestLimit: Unlimited,
		PriceMinorUnits:     nil,
		RequestsPerMinute:   100,
	},
}

type staticPlanRegistry struct {
	plans map[types.PlanTier]PlanDefinition
	free  PlanDefinition
}

// NewStaticPlanRegistry returns a PlanRegistry backed by the compiled-in plan
// table. No database or external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	m := make(map[types.PlanTier]PlanDefinition, len(planDefaults))
	for k, v := range planDefaults {
		if v.PriceMinorUnits != nil {
			v.PriceMinorUnits = price(*v.PriceMinorUnits)
		}
		m[k] = v
	}
	return &staticPlanRegistry{plans: m, free: m[types.PlanFree]}
}

func (r *staticPlanRegistry) Definition(tier types.PlanTier) PlanDefinition {
	if def, ok := r.plans[tier]; ok {
		return def
	}
	return r.free
}

func (r *staticPlanRegistry) LimitFor(tier types.PlanTier) int {
	return r.Definition(tier).MonthlyRequestLimit
}

func (r *staticPlanRegistry) Known(tier types.PlanTier) bool {
	_, ok := r.plans[tier]
	return ok
}

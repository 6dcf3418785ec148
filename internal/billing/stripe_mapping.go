package billing

import (
	"strings"

	"aisaas/internal/types"
)

// PriceCatalog maps billing-provider price identifiers to plan tiers.
type PriceCatalog struct {
	prices map[string]types.PlanTier
}

// NewPriceCatalog builds a catalog from the configured price IDs. Empty IDs
// are ignored.
func NewPriceCatalog(proPriceID, enterprisePriceID string) *PriceCatalog {
	c := &PriceCatalog{prices: make(map[string]types.PlanTier, 2)}
	if proPriceID != "" {
		c.prices[proPriceID] = types.PlanPro
	}
	if enterprisePriceID != "" {
		c.prices[enterprisePriceID] = types.PlanEnterprise
	}
	return c
}

// PlanForPrice returns the tier for a price ID, or Free when it is unknown.
func (c *PriceCatalog) PlanForPrice(priceID string) types.PlanTier {
	if tier, ok := c.prices[priceID]; ok {
		return tier
	}
	return types.PlanFree
}

// MapStripeStatus converts a Stripe subscription status to the internal status.
//
//	active                         -> ACTIVE
//	trialing                       -> TRIALING
//	past_due, unpaid               -> PAST_DUE
//	incomplete, incomplete_expired -> INCOMPLETE
//	anything else                  -> CANCELED
func MapStripeStatus(status string) types.SubscriptionStatus {
	switch strings.ToLower(status) {
	case "active":
		return types.SubStatusActive
	case "trialing":
		return types.SubStatusTrialing
	case "past_due", "unpaid":
		return types.SubStatusPastDue
	case "incomplete", "incomplete_expired":
		return types.SubStatusIncomplete
	default:
		return types.SubStatusCanceled
	}
}

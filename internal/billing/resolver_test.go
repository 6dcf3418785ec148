package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisaas/internal/types"
)

type fakeSubReader struct {
	sub *types.Subscription
	err error
}

func (f *fakeSubReader) GetByUserID(_ context.Context, _ string) (*types.Subscription, error) {
	return f.sub, f.err
}

func TestEffectivePlanFor(t *testing.T) {
	reg := NewStaticPlanRegistry()

	tests := []struct {
		name string
		sub  *types.Subscription
		want types.PlanTier
	}{
		{"no subscription", nil, types.PlanFree},
		{"active pro", &types.Subscription{Plan: types.PlanPro, Status: types.SubStatusActive}, types.PlanPro},
		{"trialing enterprise", &types.Subscription{Plan: types.PlanEnterprise, Status: types.SubStatusTrialing}, types.PlanEnterprise},
		{"past due pro", &types.Subscription{Plan: types.PlanPro, Status: types.SubStatusPastDue}, types.PlanFree},
		{"canceled enterprise", &types.Subscription{Plan: types.PlanEnterprise, Status: types.SubStatusCanceled}, types.PlanFree},
		{"unknown plan active", &types.Subscription{Plan: "LEGACY_GOLD", Status: types.SubStatusActive}, types.PlanFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := EffectivePlanFor(tt.sub, reg)
			assert.Equal(t, tt.want, plan.Tier)
			assert.Equal(t, reg.LimitFor(tt.want), plan.Limit())
		})
	}
}

func TestPlanResolver_Resolve(t *testing.T) {
	reg := NewStaticPlanRegistry()

	t.Run("missing subscription resolves to free", func(t *testing.T) {
		r := NewPlanResolver(&fakeSubReader{
			err: types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil),
		}, reg, nil)

		plan, err := r.Resolve(context.Background(), "user_1")
		require.NoError(t, err)
		assert.Equal(t, types.PlanFree, plan.Tier)
		assert.Equal(t, 10, plan.Limit())
		assert.False(t, plan.Unlimited())
	})

	t.Run("active enterprise is unlimited", func(t *testing.T) {
		r := NewPlanResolver(&fakeSubReader{
			sub: &types.Subscription{UserID: "user_1", Plan: types.PlanEnterprise, Status: types.SubStatusActive},
		}, reg, nil)

		plan, err := r.Resolve(context.Background(), "user_1")
		require.NoError(t, err)
		assert.True(t, plan.Unlimited())
		assert.Equal(t, Unlimited, plan.Limit())
	})

	t.Run("storage error propagates", func(t *testing.T) {
		dbErr := types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", errors.New("timeout"))
		r := NewPlanResolver(&fakeSubReader{err: dbErr}, reg, nil)

		_, err := r.Resolve(context.Background(), "user_1")
		require.Error(t, err)
		assert.True(t, types.IsStorageError(err))
	})
}

func TestPriceCatalog(t *testing.T) {
	c := NewPriceCatalog("price_pro", "price_ent")

	assert.Equal(t, types.PlanPro, c.PlanForPrice("price_pro"))
	assert.Equal(t, types.PlanEnterprise, c.PlanForPrice("price_ent"))
	assert.Equal(t, types.PlanFree, c.PlanForPrice("price_other"))
	assert.Equal(t, types.PlanFree, NewPriceCatalog("", "").PlanForPrice(""))
}

func TestMapStripeStatus(t *testing.T) {
	cases := map[string]types.SubscriptionStatus{
		"active":             types.SubStatusActive,
		"trialing":           types.SubStatusTrialing,
		"past_due":           types.SubStatusPastDue,
		"unpaid":             types.SubStatusPastDue,
		"incomplete":         types.SubStatusIncomplete,
		"incomplete_expired": types.SubStatusIncomplete,
		"canceled":           types.SubStatusCanceled,
		"paused":             types.SubStatusCanceled,
		"":                   types.SubStatusCanceled,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStripeStatus(in), in)
	}
}

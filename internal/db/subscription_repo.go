package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"aisaas/internal/types"
)

// SubscriptionRepository provides data access for the subscriptions table.
// Each user has at most one row; a missing row means the Free plan.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new SubscriptionRepository. If logger is
// nil, slog.Default() is used.
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `user_id, plan, status, stripe_customer_id, stripe_subscription_id,
	stripe_price_id, current_period_start, current_period_end, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		s                        types.Subscription
		customerID, subID, price *string
	)
	err := row.Scan(
		&s.UserID,
		&s.Plan,
		&s.Status,
		&customerID,
		&subID,
		&price,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.StripeCustomerID = derefString(customerID)
	s.StripeSubscriptionID = derefString(subID)
	s.StripePriceID = derefString(price)
	return &s, nil
}

// GetByUserID returns the user's subscription, or ErrCodeNotFoundSubscription
// when the user never subscribed.
func (r *SubscriptionRepository) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return s, nil
}

// Upsert writes the subscription state received from the billing provider.
// Stripe identifiers already stored are kept when the update omits them.
func (r *SubscriptionRepository) Upsert(ctx context.Context, s *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, status, stripe_customer_id,
		 stripe_subscription_id, stripe_price_id, current_period_start, current_period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   plan = EXCLUDED.plan,
		   status = EXCLUDED.status,
		   stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
		   stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
		   stripe_price_id = COALESCE(EXCLUDED.stripe_price_id, subscriptions.stripe_price_id),
		   current_period_start = COALESCE(EXCLUDED.current_period_start, subscriptions.current_period_start),
		   current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
		   updated_at = NOW()`,
		s.UserID,
		s.Plan,
		s.Status,
		nilIfEmptyString(s.StripeCustomerID),
		nilIfEmptyString(s.StripeSubscriptionID),
		nilIfEmptyString(s.StripePriceID),
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	r.logger.InfoContext(ctx, "subscription updated",
		"user_id", s.UserID,
		"plan", s.Plan,
		"status", s.Status,
	)
	return nil
}

// FindUserByCustomerID returns the user id owning a Stripe customer.
func (r *SubscriptionRepository) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx,
		`SELECT user_id FROM subscriptions WHERE stripe_customer_id = $1`,
		customerID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for customer", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to look up customer", err)
	}
	return userID, nil
}

// Downgrade moves the subscription identified by its Stripe id back to the
// Free plan with CANCELED status.
func (r *SubscriptionRepository) Downgrade(ctx context.Context, stripeSubscriptionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan = $1, status = $2, stripe_price_id = NULL, updated_at = NOW()
		 WHERE stripe_subscription_id = $3`,
		types.PlanFree,
		types.SubStatusCanceled,
		stripeSubscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to downgrade subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "downgrade for unknown subscription",
			"stripe_subscription_id", stripeSubscriptionID,
		)
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

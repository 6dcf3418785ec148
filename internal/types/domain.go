package types

import (
	"fmt"
	"time"
)

// PlanTier identifies a subscription plan.
type PlanTier string

const (
	PlanFree       PlanTier = "FREE"
	PlanPro        PlanTier = "PRO"
	PlanEnterprise PlanTier = "ENTERPRISE"
)

// SubscriptionStatus mirrors the lifecycle states of a billing subscription.
type SubscriptionStatus string

const (
	SubStatusActive     SubscriptionStatus = "ACTIVE"
	SubStatusTrialing   SubscriptionStatus = "TRIALING"
	SubStatusPastDue    SubscriptionStatus = "PAST_DUE"
	SubStatusIncomplete SubscriptionStatus = "INCOMPLETE"
	SubStatusCanceled   SubscriptionStatus = "CANCELED"
)

// GrantsPlan reports whether a subscription in this status entitles the user
// to its paid plan. Every other status resolves to the free plan for quota.
func (s SubscriptionStatus) GrantsPlan() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// UserRole is the authorization role of an account.
type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// Period is a calendar month in UTC. It is the key under which usage is
// counted; a UsageRecord exists at most once per (user, Period).
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// PeriodOf returns the calendar month containing t, evaluated in UTC.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Month: int(t.Month()), Year: t.Year()}
}

// Start returns the first instant of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// Next returns the following calendar month.
func (p Period) Next() Period {
	return PeriodOf(p.Start().AddDate(0, 1, 0))
}

// Prev returns the preceding calendar month.
func (p Period) Prev() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

// ResetAt is the first instant of the next month. Display only: the
// authoritative rollover is the change of Period, not this timestamp.
func (p Period) ResetAt() time.Time {
	return p.Next().Start()
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

// Valid reports whether the month is within 1..12.
func (p Period) Valid() bool {
	return p.Month >= 1 && p.Month <= 12 && p.Year > 0
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// UsageRecord is the per-user, per-month request counter.
type UsageRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Month        int       `json:"month"`
	Year         int       `json:"year"`
	RequestCount int       `json:"request_count"`
	ResetAt      time.Time `json:"reset_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Period returns the calendar month this record counts.
func (r *UsageRecord) Period() Period {
	return Period{Month: r.Month, Year: r.Year}
}

// Subscription is the billing record that decides a user's plan.
type Subscription struct {
	UserID               string             `json:"user_id"`
	Plan                 PlanTier           `json:"plan"`
	Status               SubscriptionStatus `json:"status"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	StripePriceID        string             `json:"stripe_price_id,omitempty"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// User is the subset of the account record the metering service reads.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns the user's name, falling back to the email address.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// APIKey is a hashed credential that authenticates requests on behalf of a user.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Active reports whether the key may authenticate at now.
func (k *APIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// UsageSnapshot is the read-out of a user's current-month usage.
// Remaining is UnlimitedSentinel and UsagePercentage is 0 for unlimited plans.
type UsageSnapshot struct {
	UserID          string    `json:"user_id"`
	Plan            PlanTier  `json:"plan"`
	Month           int       `json:"month"`
	Year            int       `json:"year"`
	RequestCount    int       `json:"request_count"`
	Limit           int       `json:"limit"`
	Remaining       int       `json:"remaining"`
	UsagePercentage int       `json:"usage_percentage"`
	Unlimited       bool      `json:"unlimited"`
	ResetAt         time.Time `json:"reset_at"`
}

// UnlimitedSentinel is returned for limits and remaining counts of plans
// without a monthly cap.
const UnlimitedSentinel = -1

// UsageHistoryEntry is one month of a user's usage history.
type UsageHistoryEntry struct {
	Month        int `json:"month"`
	Year         int `json:"year"`
	RequestCount int `json:"request_count"`
	Limit        int `json:"limit"`
}

// UsageStats is the admin overview of usage across all users.
type UsageStats struct {
	Month         int             `json:"month"`
	Year          int             `json:"year"`
	Requests      int64           `json:"current_month_requests"`
	ActiveUsers   int             `json:"current_month_active_users"`
	TotalRequests int64           `json:"total_requests"`
	TopUsers      []TopUsageEntry `json:"top_users"`
}

// TopUsageEntry is one row of the current month's heaviest users.
type TopUsageEntry struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Requests int    `json:"requests"`
}

package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"aisaas/internal/types"
)

// Stripe event types handled by the webhook endpoint.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeSubCreated        = "customer.subscription.created"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
	EventStripeInvoicePaid       = "invoice.payment_succeeded"
	EventStripePaymentFailed     = "invoice.payment_failed"
)

// WebhookVerifier checks a webhook payload against its signature header.
type WebhookVerifier interface {
	Verify(payload []byte, header string) error
}

// StripeVerifier verifies Stripe-Signature headers with the endpoint secret.
// The timestamp tolerance is stripe-go's default of five minutes.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier returns a verifier for the given signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify implements WebhookVerifier.
func (v *StripeVerifier) Verify(payload []byte, header string) error {
	if v.secret == "" {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "stripe webhook secret not configured", nil)
	}
	if err := webhook.ValidatePayload(payload, header, v.secret); err != nil {
		return types.NewAppError(types.ErrCodeValidationSignature, "invalid Stripe signature", err)
	}
	return nil
}

var _ WebhookVerifier = (*StripeVerifier)(nil)

// StripeSubscription is the subset of a Stripe subscription object the
// platform stores.
type StripeSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

type stripeSubscriptionJSON struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// ParseStripeSubscription decodes a subscription object as found in
// customer.subscription.* event data. Newer API versions report the billing
// period on the first item instead of the subscription.
func ParseStripeSubscription(raw []byte) (*StripeSubscription, error) {
	var s stripeSubscriptionJSON
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed Stripe subscription object", err)
	}
	if s.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "Stripe subscription object has no id", nil)
	}

	out := &StripeSubscription{
		ID:         s.ID,
		CustomerID: s.Customer,
		Status:     s.Status,
	}
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.PriceID = item.Price.ID
		if start == 0 {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	out.CurrentPeriodStart = unixPtr(start)
	out.CurrentPeriodEnd = unixPtr(end)
	return out, nil
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// StripeClient reads billing objects from the Stripe REST API.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
}

// NewStripeClient creates a StripeClient. A nil base uses a default
// BaseClient named "stripe"; an empty baseURL targets api.stripe.com.
func NewStripeClient(base *BaseClient, secretKey, baseURL string) *StripeClient {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	if base == nil {
		base = NewBaseClient(&http.Client{Timeout: 10 * time.Second}, "stripe",
			DefaultRetryPolicy(), defaultUserAgent,
			WithFailureCode(types.ErrCodeUpstreamStripe))
	}
	return &StripeClient{base: base, secretKey: secretKey, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// GetSubscription fetches a subscription by id.
func (c *StripeClient) GetSubscription(ctx context.Context, id string) (*StripeSubscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/subscriptions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build Stripe request", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to read Stripe response", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "Stripe subscription not found", nil)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, types.NewAppError(types.ErrCodeUpstreamAuth, "Stripe rejected the API key", nil)
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("Stripe returned %d", resp.StatusCode), nil)
	}
	return ParseStripeSubscription(body)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (c *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

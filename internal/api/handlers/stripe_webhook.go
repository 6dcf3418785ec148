package handlers

// This file implements the Stripe webhook handler.
//
// The handler is NOT behind auth middleware. It is called directly by Stripe
// and authenticated by the Stripe-Signature header.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"aisaas/internal/billing"
	"aisaas/internal/core"
	"aisaas/internal/external"
	"aisaas/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// SubscriptionStore is the subscription persistence needed by the webhook.
type SubscriptionStore interface {
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	Upsert(ctx context.Context, s *types.Subscription) error
	FindUserByCustomerID(ctx context.Context, customerID string) (string, error)
	Downgrade(ctx context.Context, stripeSubscriptionID string) error
}

// SubscriptionFetcher loads a subscription from Stripe by id.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*external.StripeSubscription, error)
}

// WebhookAck is the body returned for every accepted event.
type WebhookAck struct {
	Received bool `json:"received"`
}

// StripeWebhookHandler keeps local subscription state in step with Stripe.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	subs     SubscriptionStore
	fetcher  SubscriptionFetcher
	catalog  *billing.PriceCatalog
	now      func() time.Time
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	subs SubscriptionStore,
	fetcher SubscriptionFetcher,
	catalog *billing.PriceCatalog,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = billing.NewPriceCatalog("", "")
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		subs:     subs,
		fetcher:  fetcher,
		catalog:  catalog,
		now:      time.Now,
		logger:   logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint outside /v1.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events.
//
//  1. Reads the body and the Stripe-Signature header.
//  2. Verifies the signature.
//  3. Parses the event envelope and routes it by type.
//  4. Acknowledges with {"received":true}.
//
// Storage and upstream failures answer 500 so Stripe redelivers the event.
// Malformed or unattributable events are logged and acknowledged.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature, "No signature", nil))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		if types.CodeOf(err) == types.ErrCodeInternalUnexpected {
			core.Error(w, r, err)
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature, "webhook signature verification failed", err))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid webhook event JSON", err))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		if isRedeliverable(err) {
			core.Error(w, r, types.NewAppError(types.ErrCodeInternalDB, "Webhook handler failed", err))
			return
		}
	}

	core.JSON(w, r, http.StatusOK, WebhookAck{Received: true})
}

// isRedeliverable reports whether a failed event may succeed on a later
// delivery: storage faults and upstream (Stripe API) faults.
func isRedeliverable(err error) bool {
	if types.IsStorageError(err) {
		return true
	}
	return strings.HasPrefix(string(types.CodeOf(err)), "upstream_")
}

// routeEvent dispatches the event to the handler for its type.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case external.EventStripeCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)

	case external.EventStripeSubCreated, external.EventStripeSubUpdated:
		return h.handleSubscriptionChanged(ctx, event)

	case external.EventStripeSubDeleted:
		return h.handleSubscriptionDeleted(ctx, event)

	case external.EventStripeInvoicePaid:
		return h.handleInvoice(ctx, event, types.SubStatusActive)

	case external.EventStripePaymentFailed:
		return h.handleInvoice(ctx, event, types.SubStatusPastDue)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// handleCheckoutCompleted records the subscription started by a finished
// Checkout session. The session names the user; the subscription itself is
// fetched from Stripe.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripeWebhookEvent) error {
	var session stripeCheckoutSessionObj
	if err := event.decodeObject(&session); err != nil {
		return err
	}

	userID := session.userID()
	if userID == "" {
		return fmt.Errorf("checkout.session.completed: missing userId in event %s", event.ID)
	}
	if session.Subscription == "" {
		h.logger.InfoContext(ctx, "checkout session without subscription",
			"event_id", event.ID,
			"user_id", userID,
		)
		return nil
	}

	sub, err := h.fetcher.GetSubscription(ctx, session.Subscription)
	if err != nil {
		return fmt.Errorf("retrieving subscription %s: %w", session.Subscription, err)
	}
	customerID := session.Customer
	if customerID == "" {
		customerID = sub.CustomerID
	}
	return h.store(ctx, userID, customerID, sub)
}

// handleSubscriptionChanged applies created and updated events to the user
// owning the Stripe customer.
func (h *StripeWebhookHandler) handleSubscriptionChanged(ctx context.Context, event *stripeWebhookEvent) error {
	obj, err := event.object()
	if err != nil {
		return err
	}
	sub, err := external.ParseStripeSubscription(obj)
	if err != nil {
		return err
	}

	userID, err := h.subs.FindUserByCustomerID(ctx, sub.CustomerID)
	if err != nil {
		return fmt.Errorf("%s: %w", event.Type, err)
	}
	return h.store(ctx, userID, sub.CustomerID, sub)
}

// handleSubscriptionDeleted reverts the user to the Free plan.
func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *stripeWebhookEvent) error {
	obj, err := event.object()
	if err != nil {
		return err
	}
	sub, err := external.ParseStripeSubscription(obj)
	if err != nil {
		return err
	}

	if err := h.subs.Downgrade(ctx, sub.ID); err != nil {
		return fmt.Errorf("downgrading subscription %s: %w", sub.ID, err)
	}
	h.logger.InfoContext(ctx, "subscription canceled",
		"event_id", event.ID,
		"stripe_subscription_id", sub.ID,
	)
	return nil
}

// handleInvoice moves the customer's subscription to status after an
// invoice payment outcome. The plan is left untouched.
func (h *StripeWebhookHandler) handleInvoice(ctx context.Context, event *stripeWebhookEvent, status types.SubscriptionStatus) error {
	var inv stripeInvoiceObj
	if err := event.decodeObject(&inv); err != nil {
		return err
	}
	if inv.subscriptionID() == "" || inv.Customer == "" {
		return nil
	}

	userID, err := h.subs.FindUserByCustomerID(ctx, inv.Customer)
	if err != nil {
		return fmt.Errorf("%s: %w", event.Type, err)
	}
	current, err := h.subs.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%s: no subscription row for user %s", event.Type, userID)
	}

	current.Status = status
	current.UpdatedAt = h.now().UTC()
	if err := h.subs.Upsert(ctx, current); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "subscription status updated from invoice",
		"event_id", event.ID,
		"user_id", userID,
		"status", string(status),
	)
	return nil
}

func (h *StripeWebhookHandler) store(ctx context.Context, userID, customerID string, sub *external.StripeSubscription) error {
	rec := &types.Subscription{
		UserID:               userID,
		Plan:                 h.catalog.PlanForPrice(sub.PriceID),
		Status:               billing.MapStripeStatus(sub.Status),
		StripeCustomerID:     customerID,
		StripeSubscriptionID: sub.ID,
		StripePriceID:        sub.PriceID,
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		UpdatedAt:            h.now().UTC(),
	}
	if err := h.subs.Upsert(ctx, rec); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "subscription updated",
		"user_id", userID,
		"plan", string(rec.Plan),
		"status", string(rec.Status),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Stripe Event Parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is the minimal envelope needed for routing. The data
// object is decoded per type.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// stripeInvoiceObj covers both invoice shapes. From API version
// 2025-03-31.basil the subscription moved under parent.subscription_details.
type stripeInvoiceObj struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (inv *stripeInvoiceObj) subscriptionID() string {
	if inv.Subscription != "" {
		return inv.Subscription
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// userID prefers metadata.userId and falls back to client_reference_id.
func (s *stripeCheckoutSessionObj) userID() string {
	if id := s.Metadata["userId"]; id != "" {
		return id
	}
	return s.ClientReferenceID
}

func (e *stripeWebhookEvent) object() ([]byte, error) {
	if len(e.Data.Object) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody,
			fmt.Sprintf("event %s has no data object", e.ID), nil)
	}
	return e.Data.Object, nil
}

func (e *stripeWebhookEvent) decodeObject(dst any) error {
	obj, err := e.object()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(obj, dst); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidBody,
			fmt.Sprintf("malformed %s object", e.Type), err)
	}
	return nil
}

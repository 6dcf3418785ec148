// Package main is the entry point for the email worker Lambda function.
//
// The worker consumes usage notifications that the admission gate publishes
// to SQS when a user crosses the warning threshold or reaches their monthly
// cap, renders the matching email and delivers it through SendGrid.
//
// Each invocation receives a batch of SQS messages. Messages are processed
// independently; transient failures are reported as batch item failures so
// SQS redelivers only those messages, while undeliverable notifications are
// acknowledged and dropped.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"aisaas/internal/billing"
	"aisaas/internal/config"
	"aisaas/internal/db"
	"aisaas/internal/external"
	"aisaas/internal/notify"
	"aisaas/internal/types"
)

// Deliverer sends one usage notification.
type Deliverer interface {
	Deliver(ctx context.Context, n types.UsageNotification) error
}

// Handler holds the dependencies for the email worker.
type Handler struct {
	deliverer Deliverer
	now       func() time.Time
	logger    *slog.Logger
}

// Handle processes an SQS batch using partial batch responses.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var n types.UsageNotification
	if err := json.Unmarshal([]byte(record.Body), &n); err != nil {
		// A malformed body never parses on redelivery.
		h.logger.ErrorContext(ctx, "dropping malformed usage notification",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	logger := h.logger.With(
		"notification_id", n.NotificationID,
		"user_id", n.UserID,
		"event_type", string(n.EventType),
		"trace_id", n.TraceID,
	)
	if sent, ok := record.Attributes["SentTimestamp"]; ok {
		if ts, err := parseMillisTimestamp(sent); err == nil {
			logger = logger.With("queue_lag_ms", h.now().Sub(ts).Milliseconds())
		}
	}
	logger.InfoContext(ctx, "processing usage notification")

	err := h.deliverer.Deliver(ctx, n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, notify.ErrUndeliverable):
		logger.WarnContext(ctx, "usage notification undeliverable, acknowledging", "error", err)
		return nil
	default:
		return err
	}
}

// parseMillisTimestamp parses the SQS SentTimestamp attribute.
func parseMillisTimestamp(ms string) (time.Time, error) {
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := config.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("email worker Lambda initializing (cold start)")

	pool, err := db.NewPool(context.Background(), cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	renderer, err := notify.NewRenderer(billing.NewStaticPlanRegistry(), cfg.Server.DashboardURL)
	if err != nil {
		return fmt.Errorf("loading email templates: %w", err)
	}

	enabled := cfg.Email.Enabled
	if !cfg.Email.SendGridAPIKey.IsSet() {
		logger.Warn("SENDGRID_API_KEY not set, emails will be logged but not sent")
		enabled = false
	}
	sender := external.NewSendGridClient(
		external.NewBaseClient(&http.Client{Timeout: 10 * time.Second}, "sendgrid", external.DefaultRetryPolicy(), "",
			external.WithFailureCode(types.ErrCodeUpstreamEmailProvider)),
		external.SendGridConfig{
			APIKey:    cfg.Email.SendGridAPIKey.Unmask(),
			BaseURL:   cfg.Email.BaseURL,
			FromEmail: cfg.Email.FromAddress,
			FromName:  cfg.Email.FromName,
			Logger:    logger,
		},
	)

	h := &Handler{
		deliverer: notify.NewDeliverer(db.NewUserRepository(pool), renderer, sender, enabled, logger),
		now:       time.Now,
		logger:    logger,
	}
	lambda.Start(h.Handle)
	return nil
}

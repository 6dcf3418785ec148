// Package queue publishes usage notifications to SQS for the email worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"aisaas/internal/config"
	"aisaas/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// UsageNotifier implements usage.Notifier by sending each notification as a
// JSON message to the usage notification queue.
type UsageNotifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewUsageNotifier creates a notifier targeting awsCfg.NotificationQueueURL.
func NewUsageNotifier(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *UsageNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageNotifier{
		client:   client,
		queueURL: awsCfg.NotificationQueueURL,
		logger:   logger,
	}
}

// NotifyUsage enqueues n. The event type and user id are copied into message
// attributes so consumers can filter without decoding the body.
func (p *UsageNotifier) NotifyUsage(ctx context.Context, n types.UsageNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal UsageNotification: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(n.EventType)),
			},
			"user_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.UserID),
			},
			"usage_percentage": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(n.UsagePercentage)),
			},
		},
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send usage notification to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "usage notification sent",
		"notification_id", n.NotificationID,
		"user_id", n.UserID,
		"event_type", string(n.EventType),
		"request_count", n.RequestCount,
		"limit", n.Limit,
		"sqs_message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// NopNotifier drops every notification. It is used when no queue is
// configured.
type NopNotifier struct{}

// NotifyUsage implements usage.Notifier.
func (NopNotifier) NotifyUsage(context.Context, types.UsageNotification) error { return nil }

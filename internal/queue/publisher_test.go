package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"aisaas/internal/config"
	"aisaas/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("sqs-1")}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/usage-notifications"

func newTestNotifier(mock *mockSQSSender) *UsageNotifier {
	return NewUsageNotifier(mock, config.AWSConfig{NotificationQueueURL: testQueueURL}, slog.Default())
}

func sampleNotification() types.UsageNotification {
	return types.UsageNotification{
		NotificationID:  "n-1",
		UserID:          "user_1",
		EventType:       types.UsageEventWarning,
		Plan:            types.PlanFree,
		Month:           4,
		Year:            2026,
		RequestCount:    9,
		Limit:           10,
		UsagePercentage: 90,
		ResetAt:         time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC),
		OccurredAt:      time.Date(2026, time.April, 20, 8, 0, 0, 0, time.UTC),
	}
}

func TestNotifyUsage_SendsMessage(t *testing.T) {
	mock := &mockSQSSender{}
	if err := newTestNotifier(mock).NotifyUsage(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("NotifyUsage returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SendMessage call, got %d", len(mock.calls))
	}
	in := mock.calls[0]
	if aws.ToString(in.QueueUrl) != testQueueURL {
		t.Errorf("QueueUrl = %q", aws.ToString(in.QueueUrl))
	}

	var got types.UsageNotification
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &got); err != nil {
		t.Fatalf("body is not a UsageNotification: %v", err)
	}
	want := sampleNotification()
	if got.NotificationID != want.NotificationID || got.RequestCount != 9 || got.Limit != 10 || !got.ResetAt.Equal(want.ResetAt) {
		t.Errorf("body mismatch:\n got %+v\nwant %+v", got, want)
	}

	if v := aws.ToString(in.MessageAttributes["event_type"].StringValue); v != "usage_warning" {
		t.Errorf("event_type attribute = %q", v)
	}
	if v := aws.ToString(in.MessageAttributes["usage_percentage"].StringValue); v != "90" {
		t.Errorf("usage_percentage attribute = %q", v)
	}
}

func TestNotifyUsage_SendFailure(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("throttled")}
	err := newTestNotifier(mock).NotifyUsage(context.Background(), sampleNotification())
	if types.CodeOf(err) != types.ErrCodeUpstreamQueue {
		t.Errorf("code = %q, want %q", types.CodeOf(err), types.ErrCodeUpstreamQueue)
	}
}

func TestNopNotifier(t *testing.T) {
	if err := (NopNotifier{}).NotifyUsage(context.Background(), sampleNotification()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

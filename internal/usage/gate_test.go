package usage_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisaas/internal/types"
	"aisaas/internal/usage"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.UsageNotification
	err  error
}

func (n *recordingNotifier) NotifyUsage(_ context.Context, msg types.UsageNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) events() []types.UsageEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.UsageEventType, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.EventType)
	}
	return out
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[types.AdmissionOutcome]int
}

func (m *recordingMetrics) RecordAdmission(_ context.Context, _ types.PlanTier, outcome types.AdmissionOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[types.AdmissionOutcome]int{}
	}
	m.outcomes[outcome]++
}

func TestGate_NotifiesOnWarningAndLimitOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	ledger, _, _, _ := newTestLedger(t, usage.WithNotifier(notifier))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := ledger.CheckAndIncrementUsage(ctx, "free_user")
		require.NoError(t, err)
	}

	// Free limit 10: count 9 crosses 90%, count 10 reaches the limit.
	assert.Equal(t, []types.UsageEventType{types.UsageEventWarning, types.UsageEventLimitReached}, notifier.events())

	last := notifier.sent[1]
	assert.Equal(t, "free_user", last.UserID)
	assert.Equal(t, 10, last.RequestCount)
	assert.Equal(t, 10, last.Limit)
	assert.Equal(t, 100, last.UsagePercentage)
	assert.Equal(t, 1, last.Month)
	assert.Equal(t, 2026, last.Year)
	assert.NotEmpty(t, last.NotificationID)
}

func TestGate_ProWarningThreshold(t *testing.T) {
	notifier := &recordingNotifier{}
	ledger, store, plans, _ := newTestLedger(t, usage.WithNotifier(notifier))
	ctx := context.Background()
	plans.set("pro_user", types.PlanPro)
	store.Put("pro_user", types.Period{Month: 1, Year: 2026}, 893)

	// 894 rounds to 89%, 895 rounds to 90%.
	for i := 0; i < 3; i++ {
		_, err := ledger.CheckAndIncrementUsage(ctx, "pro_user")
		require.NoError(t, err)
	}
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, types.UsageEventWarning, notifier.sent[0].EventType)
	assert.Equal(t, 895, notifier.sent[0].RequestCount)
}

func TestGate_CustomWarningThreshold(t *testing.T) {
	notifier := &recordingNotifier{}
	ledger, _, _, _ := newTestLedger(t, usage.WithNotifier(notifier), usage.WithWarningThreshold(50))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.CheckAndIncrementUsage(ctx, "free_user")
		require.NoError(t, err)
	}
	assert.Equal(t, []types.UsageEventType{types.UsageEventWarning}, notifier.events())
}

func TestGate_EnterpriseNeverNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	ledger, _, plans, _ := newTestLedger(t, usage.WithNotifier(notifier))
	ctx := context.Background()
	plans.set("ent_user", types.PlanEnterprise)

	for i := 0; i < 100; i++ {
		_, err := ledger.CheckAndIncrementUsage(ctx, "ent_user")
		require.NoError(t, err)
	}
	assert.Empty(t, notifier.sent)
}

func TestGate_NotifierFailureDoesNotChangeResult(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("sqs unavailable")}
	ledger, store, _, _ := newTestLedger(t, usage.WithNotifier(notifier))
	ctx := context.Background()
	store.Put("free_user", types.Period{Month: 1, Year: 2026}, 9)

	ok, err := ledger.CheckAndIncrementUsage(ctx, "free_user")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, notifier.sent, 1)
}

func TestGate_RecordsMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	ledger, store, _, _ := newTestLedger(t, usage.WithMetrics(metrics))
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		_, _ = ledger.CheckAndIncrementUsage(ctx, "free_user")
	}

	store.FailWith(func(string, string) error { return errors.New("down") })
	_, _ = ledger.CheckAndIncrementUsage(ctx, "other_user")

	assert.Equal(t, 10, metrics.outcomes[types.AdmissionAdmitted])
	assert.Equal(t, 1, metrics.outcomes[types.AdmissionDenied])
	assert.Equal(t, 1, metrics.outcomes[types.AdmissionError])
}

func TestGate_ConcurrentUsersAreIndependent(t *testing.T) {
	ledger, store, _, _ := newTestLedger(t)
	ctx := context.Background()
	users := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				_, _ = ledger.CheckAndIncrementUsage(ctx, userID)
			}(u)
		}
	}
	wg.Wait()

	for _, u := range users {
		assert.Equal(t, 10, store.Count(u, types.Period{Month: 1, Year: 2026}), u)
	}
}

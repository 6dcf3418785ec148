package usage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aisaas/internal/types"
	"aisaas/internal/usage"
)

type mockStatsStore struct {
	mock.Mock
}

func (m *mockStatsStore) PeriodTotals(ctx context.Context, period types.Period) (int64, int, error) {
	args := m.Called(ctx, period)
	return args.Get(0).(int64), args.Int(1), args.Error(2)
}

func (m *mockStatsStore) TotalRequests(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStatsStore) TopUsers(ctx context.Context, period types.Period, limit int) ([]types.TopUsageEntry, error) {
	args := m.Called(ctx, period, limit)
	top, _ := args.Get(0).([]types.TopUsageEntry)
	return top, args.Error(1)
}

func TestStatsReporter_Stats(t *testing.T) {
	store := new(mockStatsStore)
	period := types.Period{Month: 3, Year: 2026}
	now := func() time.Time { return time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC) }

	store.On("PeriodTotals", mock.Anything, period).Return(int64(420), 17, nil)
	store.On("TotalRequests", mock.Anything).Return(int64(9001), nil)
	store.On("TopUsers", mock.Anything, period, usage.DefaultTopUsers).Return([]types.TopUsageEntry{
		{UserID: "u1", UserName: "Ada", Email: "ada@example.com", Requests: 300},
		{UserID: "u2", Email: "bob@example.com", Requests: 120},
	}, nil)

	stats, err := usage.NewStatsReporter(store, now).Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Month)
	assert.Equal(t, 2026, stats.Year)
	assert.Equal(t, int64(420), stats.Requests)
	assert.Equal(t, 17, stats.ActiveUsers)
	assert.Equal(t, int64(9001), stats.TotalRequests)
	require.Len(t, stats.TopUsers, 2)
	assert.Equal(t, "Ada", stats.TopUsers[0].UserName)
	assert.Equal(t, "bob@example.com", stats.TopUsers[1].UserName, "name falls back to email")
	store.AssertExpectations(t)
}

func TestStatsReporter_EmptyTopUsers(t *testing.T) {
	store := new(mockStatsStore)
	store.On("PeriodTotals", mock.Anything, mock.Anything).Return(int64(0), 0, nil)
	store.On("TotalRequests", mock.Anything).Return(int64(0), nil)
	store.On("TopUsers", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)

	stats, err := usage.NewStatsReporter(store, nil).Stats(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, stats.TopUsers)
	assert.Empty(t, stats.TopUsers)
}

func TestStatsReporter_ErrorPropagates(t *testing.T) {
	store := new(mockStatsStore)
	dbErr := types.NewAppError(types.ErrCodeInternalDB, "failed to sum usage", errors.New("timeout"))
	store.On("PeriodTotals", mock.Anything, mock.Anything).Return(int64(0), 0, nil)
	store.On("TotalRequests", mock.Anything).Return(int64(0), dbErr)
	store.On("TopUsers", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)

	_, err := usage.NewStatsReporter(store, nil).Stats(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsStorageError(err))
}

func TestStatsReporter_MonthlyUsage(t *testing.T) {
	store := new(mockStatsStore)
	period := types.Period{Month: 4, Year: 2026}
	now := func() time.Time { return time.Date(2026, time.April, 30, 23, 59, 0, 0, time.UTC) }

	store.On("TopUsers", mock.Anything, period, 0).Return([]types.TopUsageEntry{
		{UserID: "u1", UserName: "Ada", Email: "ada@example.com", Requests: 300},
		{UserID: "u2", Email: "bob@example.com", Requests: 12},
	}, nil)

	got, entries, err := usage.NewStatsReporter(store, now).MonthlyUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, period, got)
	require.Len(t, entries, 2)
	assert.Equal(t, "bob@example.com", entries[1].UserName)
	store.AssertExpectations(t)
}

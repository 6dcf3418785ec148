package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aisaas/internal/types"
)

var jan2026 = types.Period{Month: 1, Year: 2026}

func usageScan(rec types.UsageRecord) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = rec.ID
		*dest[1].(*string) = rec.UserID
		*dest[2].(*int) = rec.Month
		*dest[3].(*int) = rec.Year
		*dest[4].(*int) = rec.RequestCount
		*dest[5].(*time.Time) = rec.ResetAt
		*dest[6].(*time.Time) = rec.CreatedAt
		*dest[7].(*time.Time) = rec.UpdatedAt
		return nil
	}
}

func sampleUsage(count int) types.UsageRecord {
	return types.UsageRecord{
		ID:           "usage_1",
		UserID:       "user_1",
		Month:        1,
		Year:         2026,
		RequestCount: count,
		ResetAt:      jan2026.ResetAt(),
	}
}

func TestUsageRepository_Get_Found(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"user_1", 1, 2026}).
		Return(&mockRow{scanFn: usageScan(sampleUsage(4))})

	rec, found, err := repo.Get(ctx, "user_1", jan2026)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 4, rec.RequestCount)
	assert.Equal(t, jan2026, rec.Period())
	db.AssertExpectations(t)
}

func TestUsageRepository_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	rec, found, err := repo.Get(context.Background(), "user_1", jan2026)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, rec)
}

func TestUsageRepository_Get_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: errors.New("connection refused")})

	_, _, err := repo.Get(context.Background(), "user_1", jan2026)
	require.Error(t, err)
	assert.True(t, types.IsStorageError(err))
}

func TestUsageRepository_Ensure_Created(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "INSERT INTO usage_records", "ON CONFLICT (user_id, month, year) DO NOTHING")
	}), []any{"user_1", 1, 2026, jan2026.ResetAt()}).
		Return(&mockRow{scanFn: usageScan(sampleUsage(0))}).Once()

	rec, created, err := repo.Ensure(ctx, "user_1", jan2026)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, rec.RequestCount)
	db.AssertExpectations(t)
}

func TestUsageRepository_Ensure_ExistingRowIsReturnedUnchanged(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool { return containsAll(sql, "INSERT") }), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool { return containsAll(sql, "SELECT") && !containsAll(sql, "INSERT") }), mock.Anything).
		Return(&mockRow{scanFn: usageScan(sampleUsage(7))}).Once()

	rec, created, err := repo.Ensure(ctx, "user_1", jan2026)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 7, rec.RequestCount)
	db.AssertExpectations(t)
}

func TestUsageRepository_Ensure_UniqueViolationTreatedAsExisting(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool { return containsAll(sql, "INSERT") }), mock.Anything).
		Return(&mockRow{scanErr: &pgconn.PgError{Code: "23505"}}).Once()
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool { return !containsAll(sql, "INSERT") }), mock.Anything).
		Return(&mockRow{scanFn: usageScan(sampleUsage(1))}).Once()

	rec, created, err := repo.Ensure(context.Background(), "user_1", jan2026)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, rec.RequestCount)
}

func TestUsageRepository_Ensure_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: errors.New("timeout")})

	_, _, err := repo.Ensure(context.Background(), "user_1", jan2026)
	require.Error(t, err)
	assert.True(t, types.IsStorageError(err))
}

func TestUsageRepository_Increment(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "DO UPDATE", "request_count = usage_records.request_count + 1", "RETURNING request_count")
	}), mock.Anything).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*int) = 12
		return nil
	}})

	count, err := repo.Increment(context.Background(), "user_1", jan2026)
	require.NoError(t, err)
	assert.Equal(t, 12, count)
}

func TestUsageRepository_IncrementIfBelow_Applied(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "WHERE usage_records.request_count < $4::int")
	}), []any{"user_1", 1, 2026, 10, jan2026.ResetAt()}).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*int) = 5
		return nil
	}})

	count, applied, err := repo.IncrementIfBelow(ctx, "user_1", jan2026, 10)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 5, count)
	db.AssertExpectations(t)
}

func TestUsageRepository_IncrementIfBelow_AtLimit(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool { return containsAll(sql, "INSERT") }), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool { return !containsAll(sql, "INSERT") }), mock.Anything).
		Return(&mockRow{scanFn: usageScan(sampleUsage(10))}).Once()

	count, applied, err := repo.IncrementIfBelow(context.Background(), "user_1", jan2026, 10)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 10, count)
}

func TestUsageRepository_IncrementIfBelow_ZeroLimitNoRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool { return containsAll(sql, "INSERT") }), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool { return !containsAll(sql, "INSERT") }), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()

	count, applied, err := repo.IncrementIfBelow(context.Background(), "user_1", jan2026, 0)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Zero(t, count)
}

func TestUsageRepository_IncrementIfBelow_DBErrorIsNotDenial(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: errors.New("deadlock detected")})

	_, applied, err := repo.IncrementIfBelow(context.Background(), "user_1", jan2026, 10)
	require.Error(t, err)
	assert.False(t, applied)
	assert.True(t, types.IsStorageError(err))
}

func TestUsageRepository_Reset(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "SET request_count = 0")
	}), mock.Anything).Return(&mockRow{scanFn: usageScan(sampleUsage(0))})

	rec, err := repo.Reset(context.Background(), "user_1", jan2026)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RequestCount)
}

func TestUsageRepository_History(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)
	ctx := context.Background()

	dec := sampleUsage(9)
	dec.Month, dec.Year = 12, 2025
	rows := newMockRows(usageScan(sampleUsage(3)), usageScan(dec))

	db.On("Query", ctx, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "ORDER BY year DESC, month DESC")
	}), []any{"user_1", 12}).Return(rows, nil)

	recs, err := repo.History(ctx, "user_1", 12)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 3, recs[0].RequestCount)
	assert.Equal(t, 12, recs[1].Month)
	assert.True(t, rows.closed)
}

func TestUsageRepository_History_RowsErr(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	rows := newMockRows()
	rows.errVal = errors.New("connection lost")
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(rows, nil)

	_, err := repo.History(context.Background(), "user_1", 12)
	require.Error(t, err)
	assert.True(t, types.IsStorageError(err))
}

func TestUsageRepository_PruneBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "(year, month) < ($1, $2)")
	}), []any{2026, 2}).Return(pgconn.NewCommandTag("DELETE 42"), nil)

	n, err := repo.PruneBefore(ctx, types.Period{Month: 2, Year: 2026})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	db.AssertExpectations(t)
}

func TestUsageRepository_PeriodTotals(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{1, 2026}).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*int64) = 500
		*dest[1].(*int) = 21
		return nil
	}})

	requests, users, err := repo.PeriodTotals(context.Background(), jan2026)
	require.NoError(t, err)
	assert.Equal(t, int64(500), requests)
	assert.Equal(t, 21, users)
}

func TestUsageRepository_TotalRequests_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: errors.New("boom")})

	_, err := repo.TotalRequests(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsStorageError(err))
}

func TestUsageRepository_TopUsers(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	name := "Ada"
	rows := newMockRows(
		func(dest ...any) error {
			*dest[0].(*string) = "u1"
			*dest[1].(**string) = &name
			*dest[2].(*string) = "ada@example.com"
			*dest[3].(*int) = 90
			return nil
		},
		func(dest ...any) error {
			*dest[0].(*string) = "u2"
			*dest[1].(**string) = nil
			*dest[2].(*string) = "bob@example.com"
			*dest[3].(*int) = 40
			return nil
		},
	)
	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "JOIN users", "ORDER BY ur.request_count DESC")
	}), []any{1, 2026, 10}).Return(rows, nil)

	top, err := repo.TopUsers(context.Background(), jan2026, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "Ada", top[0].UserName)
	assert.Equal(t, "", top[1].UserName)
	assert.Equal(t, 40, top[1].Requests)
}

func TestUsageRepository_TopUsersUnbounded(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageRepository(db)

	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "LIMIT NULLIF($3::int, 0)")
	}), []any{1, 2026, 0}).Return(newMockRows(), nil)

	top, err := repo.TopUsers(context.Background(), jan2026, 0)
	require.NoError(t, err)
	assert.Empty(t, top)
	db.AssertExpectations(t)
}

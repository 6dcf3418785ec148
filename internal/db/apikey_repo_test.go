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

func apiKeyScan(key types.APIKey) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = key.ID
		*dest[1].(*string) = key.UserID
		*dest[2].(*string) = key.Name
		*dest[3].(*string) = key.Prefix
		*dest[4].(*string) = key.KeyHash
		*dest[5].(**time.Time) = key.LastUsedAt
		*dest[6].(**time.Time) = key.ExpiresAt
		*dest[7].(**time.Time) = key.RevokedAt
		*dest[8].(*time.Time) = key.CreatedAt
		return nil
	}
}

func TestAPIKeyRepository_Create(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(ctx, &types.APIKey{ID: "key_1", UserID: "user_1", Name: "ci", Prefix: "sk_abcd1234", KeyHash: "$2a$10$hash"})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestAPIKeyRepository_Create_PrefixCollision(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), &types.APIKey{ID: "key_1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))
}

func TestAPIKeyRepository_GetByPrefix(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)

	revoked := time.Now().Add(-time.Hour)
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"sk_abcd1234"}).Return(&mockRow{scanFn: apiKeyScan(types.APIKey{
		ID: "key_1", UserID: "user_1", Name: "ci", Prefix: "sk_abcd1234", KeyHash: "$2a$10$hash", RevokedAt: &revoked,
	})})

	key, err := repo.GetByPrefix(context.Background(), "sk_abcd1234")
	require.NoError(t, err)
	assert.Equal(t, "key_1", key.ID)
	assert.False(t, key.Active(time.Now()))
}

func TestAPIKeyRepository_GetByPrefix_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByPrefix(context.Background(), "sk_missing")
	assert.Equal(t, types.ErrCodeNotFoundAPIKey, types.CodeOf(err))
}

func TestAPIKeyRepository_ListByUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)

	rows := newMockRows(
		apiKeyScan(types.APIKey{ID: "key_2", UserID: "user_1"}),
		apiKeyScan(types.APIKey{ID: "key_1", UserID: "user_1"}),
	)
	db.On("Query", mock.Anything, mock.Anything, []any{"user_1"}).Return(rows, nil)

	keys, err := repo.ListByUser(context.Background(), "user_1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "key_2", keys[0].ID)
}

func TestAPIKeyRepository_CountActiveByUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{"user_1"}).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*int) = 3
		return nil
	}})

	n, err := repo.CountActiveByUser(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAPIKeyRepository_Revoke(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, []any{"key_1", "user_1"}).Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	require.NoError(t, repo.Revoke(context.Background(), "key_1", "user_1"))

	db.On("Exec", mock.Anything, mock.Anything, []any{"key_1", "user_2"}).Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	err := repo.Revoke(context.Background(), "key_1", "user_2")
	assert.Equal(t, types.ErrCodeNotFoundAPIKey, types.CodeOf(err))
}

func TestAPIKeyRepository_TouchLastUsed_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, errors.New("boom"))

	err := repo.TouchLastUsed(context.Background(), "key_1")
	assert.True(t, types.IsStorageError(err))
}

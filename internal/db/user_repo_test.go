package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aisaas/internal/types"
)

func TestUserRepository_GetByID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{"user_1"}).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = "user_1"
		*dest[1].(*string) = "ada@example.com"
		*dest[2].(**string) = nil
		*dest[3].(*types.UserRole) = types.RoleAdmin
		*dest[4].(*time.Time) = time.Now()
		return nil
	}})

	u, err := repo.GetByID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.Equal(t, "ada@example.com", u.DisplayName())
	assert.Equal(t, types.RoleAdmin, u.Role)
}

func TestUserRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "nobody")
	assert.Equal(t, types.ErrCodeNotFoundUser, types.CodeOf(err))
}

func TestUserRepository_ListIDsAfter(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)
	ctx := context.Background()

	scanID := func(id string) func(dest ...any) error {
		return func(dest ...any) error {
			*dest[0].(*string) = id
			return nil
		}
	}
	db.On("Query", ctx, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "id > $1", "ORDER BY id ASC")
	}), []any{"user_050", 50}).Return(newMockRows(scanID("user_051"), scanID("user_052")), nil)

	ids, err := repo.ListIDsAfter(ctx, "user_050", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_051", "user_052"}, ids)
}

func TestUserRepository_ListIDsAfter_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := repo.ListIDsAfter(context.Background(), "", 50)
	require.Error(t, err)
	assert.True(t, types.IsStorageError(err))
}

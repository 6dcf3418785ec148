package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"aisaas/internal/types"
)

// UserRepository provides read access to the users table. Account lifecycle
// (signup, profile, deletion) is owned by another service.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, role, created_at`

// scanUser scans a single user row. The columns must match userColumns.
func scanUser(row pgx.Row) (*types.User, error) {
	var (
		u    types.User
		name *string
	)
	if err := row.Scan(&u.ID, &u.Email, &name, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Name = derefString(name)
	return &u, nil
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// ListIDsAfter returns up to limit user ids strictly greater than afterID in
// ascending order. The id index makes each page a range scan independent of
// how far into the table the walk has progressed.
func (r *UserRepository) ListIDsAfter(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM users WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list user ids", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user ids", err)
	}
	return ids, nil
}

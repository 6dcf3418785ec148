package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"aisaas/internal/types"
)

// UsageRepository provides data access for the usage_records table. It
// implements usage.Store, usage.StatsStore and scheduler.ResetStore.
//
// The table has a unique constraint on (user_id, month, year). Every mutation
// is a single statement, so PostgreSQL's row lock on that key is the only
// serialization point between concurrent requests for the same user.
type UsageRepository struct {
	db DBTX
}

// NewUsageRepository creates a new UsageRepository backed by the given
// database connection (pool or transaction).
func NewUsageRepository(db DBTX) *UsageRepository {
	return &UsageRepository{db: db}
}

const usageColumns = `id, user_id, month, year, request_count, reset_at, created_at, updated_at`

func scanUsage(row pgx.Row) (*types.UsageRecord, error) {
	var rec types.UsageRecord
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Month,
		&rec.Year,
		&rec.RequestCount,
		&rec.ResetAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the record for (userID, period) without creating it.
func (r *UsageRepository) Get(ctx context.Context, userID string, period types.Period) (*types.UsageRecord, bool, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE user_id = $1 AND month = $2 AND year = $3`,
		userID, period.Month, period.Year,
	)
	rec, err := scanUsage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to read usage record", err)
	}
	return rec, true, nil
}

// Ensure returns the record for (userID, period), inserting a zero row when
// absent. A concurrent insert of the same key resolves to the existing row.
func (r *UsageRepository) Ensure(ctx context.Context, userID string, period types.Period) (*types.UsageRecord, bool, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO usage_records (user_id, month, year, request_count, reset_at)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (user_id, month, year) DO NOTHING
		 RETURNING `+usageColumns,
		userID, period.Month, period.Year, period.ResetAt(),
	)
	rec, err := scanUsage(row)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
		// Row already existed.
	default:
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to create usage record", err)
	}

	existing, found, err := r.Get(ctx, userID, period)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Pruned between the two statements.
		return nil, false, types.NewAppError(types.ErrCodeConflictConcurrent, "usage record vanished during creation", nil)
	}
	return existing, false, nil
}

// Increment adds one to the counter, creating the row with count 1 when
// absent, and returns the post-increment count.
func (r *UsageRepository) Increment(ctx context.Context, userID string, period types.Period) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO usage_records (user_id, month, year, request_count, reset_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (user_id, month, year) DO UPDATE
		 SET request_count = usage_records.request_count + 1, updated_at = NOW()
		 RETURNING request_count`,
		userID, period.Month, period.Year, period.ResetAt(),
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage", err)
	}
	return count, nil
}

// IncrementIfBelow adds one only while the stored count is below limit. The
// check and the write happen in one statement under the row lock, so
// concurrent callers can never push the count past limit.
func (r *UsageRepository) IncrementIfBelow(ctx context.Context, userID string, period types.Period, limit int) (int, bool, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO usage_records (user_id, month, year, request_count, reset_at)
		 SELECT $1, $2, $3, 1, $5
		 WHERE $4::int > 0
		 ON CONFLICT (user_id, month, year) DO UPDATE
		 SET request_count = usage_records.request_count + 1, updated_at = NOW()
		 WHERE usage_records.request_count < $4::int
		 RETURNING request_count`,
		userID, period.Month, period.Year, limit, period.ResetAt(),
	).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage", err)
	}

	rec, found, err := r.Get(ctx, userID, period)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	return rec.RequestCount, false, nil
}

// Reset sets the counter of (userID, period) to zero, creating the row when
// absent.
func (r *UsageRepository) Reset(ctx context.Context, userID string, period types.Period) (*types.UsageRecord, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO usage_records (user_id, month, year, request_count, reset_at)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (user_id, month, year) DO UPDATE
		 SET request_count = 0, reset_at = EXCLUDED.reset_at, updated_at = NOW()
		 RETURNING `+usageColumns,
		userID, period.Month, period.Year, period.ResetAt(),
	)
	rec, err := scanUsage(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to reset usage", err)
	}
	return rec, nil
}

// History returns up to limit records for the user, newest period first.
func (r *UsageRepository) History(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE user_id = $1
		 ORDER BY year DESC, month DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage history", err)
	}
	defer rows.Close()

	var out []*types.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage history row", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage history rows", err)
	}
	return out, nil
}

// PruneBefore deletes every record whose period is strictly earlier than
// period and returns the number of rows removed.
func (r *UsageRepository) PruneBefore(ctx context.Context, period types.Period) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM usage_records WHERE (year, month) < ($1, $2)`,
		period.Year, period.Month,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune usage records", err)
	}
	return tag.RowsAffected(), nil
}

// PeriodTotals returns the summed request count and the number of users with
// a record in period.
func (r *UsageRepository) PeriodTotals(ctx context.Context, period types.Period) (int64, int, error) {
	var (
		requests int64
		users    int
	)
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(request_count), 0), COUNT(user_id)
		 FROM usage_records
		 WHERE month = $1 AND year = $2`,
		period.Month, period.Year,
	).Scan(&requests, &users)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum period usage", err)
	}
	return requests, users, nil
}

// TotalRequests returns the request count summed over every stored record.
func (r *UsageRepository) TotalRequests(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(request_count), 0) FROM usage_records`,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum total usage", err)
	}
	return total, nil
}

// TopUsers returns the heaviest users of period, highest count first. A
// limit of 0 returns every user with a record in period.
func (r *UsageRepository) TopUsers(ctx context.Context, period types.Period, limit int) ([]types.TopUsageEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT u.id, u.name, u.email, ur.request_count
		 FROM usage_records ur
		 JOIN users u ON u.id = ur.user_id
		 WHERE ur.month = $1 AND ur.year = $2
		 ORDER BY ur.request_count DESC, u.id ASC
		 LIMIT NULLIF($3::int, 0)`,
		period.Month, period.Year, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query top users", err)
	}
	defer rows.Close()

	var out []types.TopUsageEntry
	for rows.Next() {
		var (
			e    types.TopUsageEntry
			name *string
		)
		if err := rows.Scan(&e.UserID, &name, &e.Email, &e.Requests); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan top user row", err)
		}
		e.UserName = derefString(name)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating top user rows", err)
	}
	return out, nil
}

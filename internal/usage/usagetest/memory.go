// Package usagetest provides an in-memory usage store for tests.
//
// MemoryStore models the row semantics of the SQL store: one row per
// (user, period), created on first touch, with every mutation serialized on
// that row alone.
package usagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aisaas/internal/types"
)

type key struct {
	userID string
	period types.Period
}

type row struct {
	mu  sync.Mutex
	rec types.UsageRecord
}

// MemoryStore is a concurrency-safe in-memory implementation of the usage
// storage contract.
type MemoryStore struct {
	mu     sync.Mutex // guards rows map membership only
	rows   map[key]*row
	seq    int
	now    func() time.Time
	failFn func(op, userID string) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[key]*row),
		now:  time.Now,
	}
}

// FailWith installs a hook consulted before every operation. A non-nil
// return is reported as a storage error for that call.
func (s *MemoryStore) FailWith(fn func(op, userID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFn = fn
}

func (s *MemoryStore) fail(op, userID string) error {
	s.mu.Lock()
	fn := s.failFn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	if err := fn(op, userID); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "memory store: "+op+" failed", err)
	}
	return nil
}

// lookup returns the row for k, creating it when create is true.
func (s *MemoryStore) lookup(k key, create bool) (r *row, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[k]; ok {
		return r, false
	}
	if !create {
		return nil, false
	}
	s.seq++
	now := s.now().UTC()
	r = &row{rec: types.UsageRecord{
		ID:        fmt.Sprintf("usage_%d", s.seq),
		UserID:    k.userID,
		Month:     k.period.Month,
		Year:      k.period.Year,
		ResetAt:   k.period.ResetAt(),
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.rows[k] = r
	return r, true
}

func (s *MemoryStore) Get(_ context.Context, userID string, period types.Period) (*types.UsageRecord, bool, error) {
	if err := s.fail("get", userID); err != nil {
		return nil, false, err
	}
	r, _ := s.lookup(key{userID, period}, false)
	if r == nil {
		return nil, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.rec
	return &rec, true, nil
}

func (s *MemoryStore) Ensure(_ context.Context, userID string, period types.Period) (*types.UsageRecord, bool, error) {
	if err := s.fail("ensure", userID); err != nil {
		return nil, false, err
	}
	r, created := s.lookup(key{userID, period}, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.rec
	return &rec, created, nil
}

func (s *MemoryStore) Increment(_ context.Context, userID string, period types.Period) (int, error) {
	if err := s.fail("increment", userID); err != nil {
		return 0, err
	}
	r, _ := s.lookup(key{userID, period}, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.RequestCount++
	r.rec.UpdatedAt = s.now().UTC()
	return r.rec.RequestCount, nil
}

func (s *MemoryStore) IncrementIfBelow(_ context.Context, userID string, period types.Period, limit int) (int, bool, error) {
	if err := s.fail("increment_if_below", userID); err != nil {
		return 0, false, err
	}
	r, _ := s.lookup(key{userID, period}, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.RequestCount >= limit {
		return r.rec.RequestCount, false, nil
	}
	r.rec.RequestCount++
	r.rec.UpdatedAt = s.now().UTC()
	return r.rec.RequestCount, true, nil
}

func (s *MemoryStore) Reset(_ context.Context, userID string, period types.Period) (*types.UsageRecord, error) {
	if err := s.fail("reset", userID); err != nil {
		return nil, err
	}
	r, _ := s.lookup(key{userID, period}, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.RequestCount = 0
	r.rec.ResetAt = period.ResetAt()
	r.rec.UpdatedAt = s.now().UTC()
	rec := r.rec
	return &rec, nil
}

func (s *MemoryStore) History(_ context.Context, userID string, limit int) ([]*types.UsageRecord, error) {
	if err := s.fail("history", userID); err != nil {
		return nil, err
	}
	out := s.snapshot(func(k key) bool { return k.userID == userID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneBefore deletes every row whose period is strictly before period.
func (s *MemoryStore) PruneBefore(_ context.Context, period types.Period) (int64, error) {
	if err := s.fail("prune", ""); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.rows {
		if k.period.Before(period) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// Put seeds a row with an explicit count.
func (s *MemoryStore) Put(userID string, period types.Period, count int) {
	r, _ := s.lookup(key{userID, period}, true)
	r.mu.Lock()
	r.rec.RequestCount = count
	r.mu.Unlock()
}

// Count returns the stored count for (userID, period), or -1 when absent.
func (s *MemoryStore) Count(userID string, period types.Period) int {
	r, _ := s.lookup(key{userID, period}, false)
	if r == nil {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.RequestCount
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// snapshot returns copies of matching rows, newest period first.
func (s *MemoryStore) snapshot(match func(key) bool) []*types.UsageRecord {
	s.mu.Lock()
	rows := make([]*row, 0, len(s.rows))
	for k, r := range s.rows {
		if match(k) {
			rows = append(rows, r)
		}
	}
	s.mu.Unlock()

	out := make([]*types.UsageRecord, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		rec := r.rec
		r.mu.Unlock()
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].Period().Before(out[i].Period())
	})
	return out
}

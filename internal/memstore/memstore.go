// Package memstore provides mutex-guarded in-memory implementations of the
// engine's shared-state stores. They keep the single-process dev and test
// paths working when no database DSN is configured; a deployment with more
// than one instance must use the Postgres-backed store instead.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"spendguard/internal/audit"
)

// Store holds replay-set, rate-limit, lock, and audit state in memory.
type Store struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	attempts map[string][]time.Time
	locks    map[string]bool
	records  []audit.Record
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		consumed: make(map[string]time.Time),
		attempts: make(map[string][]time.Time),
		locks:    make(map[string]bool),
	}
}

// MarkConsumed atomically inserts the token ID into the replay set.
func (s *Store) MarkConsumed(_ context.Context, tokenID string, retainUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.consumed[tokenID]; seen {
		return false, nil
	}
	s.consumed[tokenID] = retainUntil
	return true, nil
}

// PruneConsumedBefore removes replay-set entries past retention.
func (s *Store) PruneConsumedBefore(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, retainUntil := range s.consumed {
		if retainUntil.Before(cutoff) {
			delete(s.consumed, id)
		}
	}
	return nil
}

// CountAttemptsSince reads the identity's rate-limit window.
func (s *Store) CountAttemptsSince(_ context.Context, identity string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(identity, since), nil
}

// RecordAttemptAndCount appends an attempt and returns the window count
// including it, under a single lock acquisition.
func (s *Store) RecordAttemptAndCount(_ context.Context, identity string, at, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[identity] = append(s.attempts[identity], at)
	return s.countLocked(identity, windowStart), nil
}

func (s *Store) countLocked(identity string, since time.Time) int {
	count := 0
	for _, at := range s.attempts[identity] {
		if at.After(since) {
			count++
		}
	}
	return count
}

// TryResourceLock acquires a per-resource exclusion lock without blocking.
func (s *Store) TryResourceLock(_ context.Context, resourceID string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[resourceID] {
		return nil, false, nil
	}
	s.locks[resourceID] = true
	unlock := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, resourceID)
	}
	return unlock, true, nil
}

// TryAdvisoryLock acquires a keyed exclusion lock without blocking.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	return s.TryResourceLock(ctx, "advisory:"+strconv.FormatInt(key, 10))
}

// InsertAuditRecord appends a record to the in-memory trail.
func (s *Store) InsertAuditRecord(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// ListRecentAuditRecords returns the newest records first.
func (s *Store) ListRecentAuditRecords(_ context.Context, limit int) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.records))
	copy(out, s.records)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AuditRecords returns a copy of the full trail in insertion order.
func (s *Store) AuditRecords() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.records))
	copy(out, s.records)
	return out
}

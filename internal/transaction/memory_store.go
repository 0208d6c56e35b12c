package transaction

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process idempotency store used in tests and paper
// mode. One mutex guards the map; Begin is atomic under it.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok {
		if existing.State != StateFailed && !existing.Expired(now) {
			cp := *existing
			return &cp, false, nil
		}
	}

	rec := &Record{
		Key:       key,
		State:     StateInFlight,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.records[key] = rec
	cp := *rec
	return &cp, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, snapshot []byte) error {
	return s.finish(key, StateCompleted, snapshot)
}

func (s *MemoryStore) Fail(ctx context.Context, key string, snapshot []byte) error {
	return s.finish(key, StateFailed, snapshot)
}

func (s *MemoryStore) finish(key, state string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.State != StateInFlight {
		return ErrNotFound
	}
	rec.State = state
	rec.Snapshot = snapshot
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.records {
		if rec.State != StateInFlight && rec.Expired(now) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

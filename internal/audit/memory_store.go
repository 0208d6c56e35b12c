package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the chain in memory. Suitable for tests and paper
// trading only; durability of the audit trail requires the gorm store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores an entry, rejecting out-of-order sequence numbers.
func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(len(s.entries)) != entry.SequenceNo {
		return fmt.Errorf("sequence %d out of order, expected %d", entry.SequenceNo, len(s.entries))
	}
	s.entries = append(s.entries, *entry)
	return nil
}

// Last returns the chain head, or nil on an empty log.
func (s *MemoryStore) Last(ctx context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := s.entries[len(s.entries)-1]
	return &e, nil
}

// Range returns entries with sequence numbers in [from, to].
func (s *MemoryStore) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.SequenceNo >= from && e.SequenceNo <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tamper overwrites the payload of a stored entry. Test hook for
// verification coverage; the production store has no equivalent.
func (s *MemoryStore) Tamper(seq uint64, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].SequenceNo == seq {
			s.entries[i].Payload = payload
			return true
		}
	}
	return false
}

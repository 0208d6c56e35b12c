package audit

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Store persists sealed audit entries. Implementations must reject a
// duplicate sequence number so the single-writer invariant is enforced at
// the storage layer as well.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Last(ctx context.Context) (*Entry, error)
	Range(ctx context.Context, from, to uint64) ([]Entry, error)
}

// GormStore is the production store backed by a relational database.
// sequence_no is the primary key, so a duplicate append fails the insert.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the audit table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit_entries: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Append inserts a sealed entry. Entries are never updated or deleted.
func (s *GormStore) Append(ctx context.Context, entry *Entry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to insert audit entry %d: %w", entry.SequenceNo, err)
	}
	return nil
}

// Last returns the chain head, or nil on an empty log.
func (s *GormStore) Last(ctx context.Context) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Order("sequence_no DESC").First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query audit chain head: %w", err)
	}
	return &entry, nil
}

// Range returns entries with sequence numbers in [from, to], ordered.
func (s *GormStore) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("sequence_no >= ? AND sequence_no <= ?", from, to).
		Order("sequence_no ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query audit range: %w", err)
	}
	return entries, nil
}

package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore backs the idempotency store with a relational table. The
// primary key on the request ID plus an insert with ON CONFLICT DO NOTHING
// makes Begin a single atomic statement: RowsAffected tells the winner
// apart from everyone who lost the race.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the idempotency table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate idempotency records: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	now := time.Now().UTC()
	rec := Record{
		Key:       key,
		State:     StateInFlight,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &rec, true, nil
	}

	// Lost the insert race or the key predates this attempt. Failed and
	// expired records are reclaimable via a guarded update so that two
	// concurrent retries still elect a single winner.
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing.State == StateFailed || existing.Expired(now) {
		claim := s.db.WithContext(ctx).Model(&Record{}).
			Where("key = ? AND (state = ? OR expires_at < ?)", key, StateFailed, now).
			Updates(map[string]interface{}{
				"state":      StateInFlight,
				"snapshot":   nil,
				"updated_at": now,
				"expires_at": now.Add(ttl),
			})
		if claim.Error != nil {
			return nil, false, fmt.Errorf("reclaim idempotency key: %w", claim.Error)
		}
		if claim.RowsAffected == 1 {
			rec.CreatedAt = existing.CreatedAt
			return &rec, true, nil
		}
		// A concurrent retry reclaimed it first.
		existing, err = s.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
	}
	return existing, false, nil
}

func (s *GormStore) Complete(ctx context.Context, key string, snapshot []byte) error {
	return s.finish(ctx, key, StateCompleted, snapshot)
}

func (s *GormStore) Fail(ctx context.Context, key string, snapshot []byte) error {
	return s.finish(ctx, key, StateFailed, snapshot)
}

func (s *GormStore) finish(ctx context.Context, key, state string, snapshot []byte) error {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("key = ? AND state = ?", key, StateInFlight).
		Updates(map[string]interface{}{
			"state":      state,
			"snapshot":   snapshot,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("finish idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *GormStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ? AND state <> ?", now, StateInFlight).
		Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

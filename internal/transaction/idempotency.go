// Package transaction executes approved trades exactly once. The
// idempotency store is the arbiter: whichever caller wins the atomic
// create-if-absent for a request ID owns execution, everyone else observes
// the stored record.
package transaction

import (
	"context"
	"errors"
	"time"
)

// Record states. A record is created in_flight by the execution winner and
// moved to exactly one terminal state. failed records are retryable: a new
// attempt may reclaim the key. completed records replay their snapshot
// verbatim for the retention window.
const (
	StateInFlight  = "in_flight"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// ErrInFlight is returned when a request ID is already being executed by a
// concurrent attempt.
var ErrInFlight = errors.New("transaction: request already in flight")

// ErrNotFound is returned when no idempotency record exists for a key.
var ErrNotFound = errors.New("transaction: idempotency record not found")

// Record is the per-request-ID idempotency entry.
type Record struct {
	Key       string    `json:"key" gorm:"primaryKey;size:128"`
	State     string    `json:"state" gorm:"size:16;index"`
	Snapshot  []byte    `json:"snapshot,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
}

func (Record) TableName() string { return "idempotency_records" }

// Expired reports whether the record is past its retention window.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// IdempotencyStore persists execution ownership and result snapshots.
// Begin must be atomic: under concurrent calls with the same key exactly
// one caller gets created=true.
type IdempotencyStore interface {
	// Begin claims the key for execution. It returns the existing record
	// (created=false) when the key is already held in_flight or completed,
	// and reclaims keys whose record is failed or expired.
	Begin(ctx context.Context, key string, ttl time.Duration) (rec *Record, created bool, err error)

	// Complete seals the record with the outcome snapshot.
	Complete(ctx context.Context, key string, snapshot []byte) error

	// Fail marks the record failed so a retry may reclaim it.
	Fail(ctx context.Context, key string, snapshot []byte) error

	// Get fetches the record for a key. ErrNotFound when absent.
	Get(ctx context.Context, key string) (*Record, error)

	// PurgeExpired deletes records past their retention window and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

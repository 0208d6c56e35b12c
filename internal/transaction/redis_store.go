package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tradecore:idem:"

// RedisStore backs the idempotency store with Redis. SET NX gives the
// atomic create-if-absent; the record TTL doubles as the retention window
// so expiry needs no purge loop. Reclaiming failed records uses a WATCH
// transaction so concurrent retries still elect one winner.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(key string) string { return redisKeyPrefix + key }

func (s *RedisStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	now := time.Now().UTC()
	rec := &Record{
		Key:       key,
		State:     StateInFlight,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encode idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(key), payload, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, key)
	if err == ErrNotFound {
		// The holder expired between SETNX and GET. Try once more.
		ok, err = s.client.SetNX(ctx, s.key(key), payload, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return rec, true, nil
		}
		return s.beginExisting(ctx, key)
	}
	if err != nil {
		return nil, false, err
	}
	if existing.State == StateFailed {
		return s.reclaim(ctx, key, ttl)
	}
	return existing, false, nil
}

func (s *RedisStore) beginExisting(ctx context.Context, key string) (*Record, bool, error) {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// reclaim atomically replaces a failed record with a fresh in_flight one.
func (s *RedisStore) reclaim(ctx context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	var won *Record
	var created bool
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.key(key)).Bytes()
		if err == redis.Nil {
			return redis.TxFailedErr
		}
		if err != nil {
			return err
		}
		var current Record
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode idempotency record: %w", err)
		}
		if current.State != StateFailed {
			won = &current
			return nil
		}

		now := time.Now().UTC()
		fresh := Record{
			Key:       key,
			State:     StateInFlight,
			CreatedAt: current.CreatedAt,
			UpdatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		payload, err := json.Marshal(&fresh)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(key), payload, ttl)
			return nil
		})
		if err == nil {
			won = &fresh
			created = true
		}
		return err
	}, s.key(key))
	if err == redis.TxFailedErr {
		// Lost the reclaim race; surface whoever holds the key now.
		return s.beginExisting(ctx, key)
	}
	if err != nil {
		return nil, false, fmt.Errorf("reclaim idempotency key: %w", err)
	}
	return won, created, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, snapshot []byte) error {
	return s.finish(ctx, key, StateCompleted, snapshot)
}

func (s *RedisStore) Fail(ctx context.Context, key string, snapshot []byte) error {
	return s.finish(ctx, key, StateFailed, snapshot)
}

func (s *RedisStore) finish(ctx context.Context, key, state string, snapshot []byte) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.key(key)).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode idempotency record: %w", err)
		}
		if rec.State != StateInFlight {
			return ErrNotFound
		}

		rec.State = state
		rec.Snapshot = snapshot
		rec.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		remaining := time.Until(rec.ExpiresAt)
		if remaining <= 0 {
			remaining = time.Minute
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(key), payload, remaining)
			return nil
		})
		return err
	}, s.key(key))
	if err == redis.TxFailedErr {
		return ErrNotFound
	}
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// PurgeExpired is a no-op for Redis: key TTLs handle retention.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisStore keeps CBOR-encoded snapshots in Redis under prefix+key, so a
// restarted process picks up the last saved state.
type RedisStore[T any] struct {
	client redis.Cmdable
	prefix string
	group  singleflight.Group
}

// NewRedisStore returns a store backed by client.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := NewRedisStore[wizard.Snapshot](client, "dispatch:")
func NewRedisStore[T any](client redis.Cmdable, prefix string) *RedisStore[T] {
	return &RedisStore[T]{client: client, prefix: prefix}
}

// Load implements Store.
func (s *RedisStore[T]) Load(ctx context.Context, key string) (T, bool, error) {
	var zero T

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("statestore: redis get %s: %w", key, err)
	}

	var v T
	if err := cbor.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("statestore: decode %s: %w", key, err)
	}

	return v, true, nil
}

// Save implements Store.
func (s *RedisStore[T]) Save(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: encode %s: %w", key, err)
	}

	if ttl < 0 {
		ttl = 0
	}

	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("statestore: redis set %s: %w", key, err)
	}

	return nil
}

// Delete implements Store.
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("statestore: redis del %s: %w", key, err)
	}

	return nil
}

// LoadOrInit implements Store. Concurrent callers in this process share one
// initFn call; callers in other processes may race and the last Save wins.
func (s *RedisStore[T]) LoadOrInit(ctx context.Context, key string, ttl time.Duration, initFn InitFunc[T]) (T, error) {
	var zero T

	v, err, _ := s.group.Do(key, func() (any, error) {
		if v, ok, err := s.Load(ctx, key); err != nil || ok {
			return v, err
		}

		v, err := initFn(ctx)
		if err != nil {
			return zero, err
		}

		if err := s.Save(ctx, key, v, ttl); err != nil {
			return zero, err
		}

		return v, nil
	})
	if err != nil {
		return zero, err
	}

	return v.(T), nil
}

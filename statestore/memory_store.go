package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryStore keeps snapshots in process memory using go-cache. Snapshots
// are lost on restart; use it for tests and single-process deployments.
type MemoryStore[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryStore returns an empty store. Expired entries are purged every
// cleanupInterval.
func NewMemoryStore[T any](cleanupInterval time.Duration) *MemoryStore[T] {
	return &MemoryStore[T]{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

// Load implements Store.
func (s *MemoryStore[T]) Load(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	v, found := s.cache.Get(key)
	if !found {
		return zero, false, nil
	}

	typed, ok := v.(T)
	if !ok {
		return zero, false, fmt.Errorf("statestore: unexpected type %T under key %s", v, key)
	}

	return typed, true, nil
}

// Save implements Store.
func (s *MemoryStore[T]) Save(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Set(key, value, expiration(ttl))
	return nil
}

// Delete implements Store.
func (s *MemoryStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.Delete(key)
	return nil
}

// LoadOrInit implements Store.
func (s *MemoryStore[T]) LoadOrInit(ctx context.Context, key string, ttl time.Duration, initFn InitFunc[T]) (T, error) {
	var zero T
	if v, ok, err := s.Load(ctx, key); err != nil || ok {
		return v, err
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// another caller may have stored it while we waited
		if v, ok, err := s.Load(ctx, key); err != nil || ok {
			return v, err
		}

		v, err := initFn(ctx)
		if err != nil {
			return zero, err
		}

		s.cache.Set(key, v, expiration(ttl))
		return v, nil
	})
	if err != nil {
		return zero, err
	}

	return v.(T), nil
}

// Len returns the number of stored snapshots, including expired ones not
// yet purged.
func (s *MemoryStore[T]) Len() int {
	return s.cache.ItemCount()
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}

	return ttl
}

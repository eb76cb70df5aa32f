package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the three commands RedisStore uses on top of a map.
// Any other command panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	s := NewRedisStore[snapshot](fr, "dispatch:")

	_, ok, err := s.Load(ctx, "wizard")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, "wizard", snapshot{Name: "Gandalf", Age: 100}, time.Hour))
	assert.Contains(t, fr.data, "dispatch:wizard")
	assert.Equal(t, time.Hour, fr.ttls["dispatch:wizard"])

	got, ok, err := s.Load(ctx, "wizard")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, snapshot{Name: "Gandalf", Age: 100}, got)

	require.NoError(t, s.Delete(ctx, "wizard"))
	assert.NotContains(t, fr.data, "dispatch:wizard")
}

func TestRedisStore_errors(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	s := NewRedisStore[snapshot](fr, "")

	t.Run("corrupt value", func(t *testing.T) {
		fr.data["bad"] = "\xff\xff"
		_, _, err := s.Load(ctx, "bad")
		assert.Error(t, err)
	})

	t.Run("backend failure", func(t *testing.T) {
		boom := errors.New("connection refused")
		fr.err = boom
		defer func() { fr.err = nil }()

		_, _, err := s.Load(ctx, "wizard")
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, s.Save(ctx, "wizard", snapshot{}, 0), boom)
		assert.ErrorIs(t, s.Delete(ctx, "wizard"), boom)
	})
}

func TestRedisStore_LoadOrInit(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	s := NewRedisStore[snapshot](fr, "p:")

	calls := 0
	initFn := func(context.Context) (snapshot, error) {
		calls++
		return snapshot{Name: "Radagast", Age: 90}, nil
	}

	got, err := s.LoadOrInit(ctx, "wizard", 0, initFn)
	require.NoError(t, err)
	assert.Equal(t, "Radagast", got.Name)

	got, err = s.LoadOrInit(ctx, "wizard", 0, initFn)
	require.NoError(t, err)
	assert.Equal(t, uint8(90), got.Age)
	assert.Equal(t, 1, calls)
}

package idgenerator

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("first id follows the starting value", func(t *testing.T) {
		gen := NewIdGenerator(0)
		id, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)
	})

	t.Run("custom start", func(t *testing.T) {
		gen := NewIdGenerator(100)
		id, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, uint64(101), id)
		assert.Equal(t, uint64(101), gen.Last())
	})
}

func TestIdGenerator_Next_sequential(t *testing.T) {
	gen := NewIdGenerator(0)
	for want := uint64(1); want <= 10; want++ {
		got, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestIdGenerator_Next_neverWraps(t *testing.T) {
	gen := NewIdGenerator(math.MaxUint64 - 1)

	id, err := gen.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), id)

	id, err = gen.Next()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Zero(t, id)
	assert.Equal(t, uint64(math.MaxUint64), gen.Last())
}

func TestIdGenerator_Next_concurrent(t *testing.T) {
	gen := NewIdGenerator(0)
	const n = 500
	ids := make([]uint64, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			id, err := gen.Next()
			assert.NoError(t, err)
			ids[idx] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		assert.GreaterOrEqual(t, id, uint64(1))
		assert.LessOrEqual(t, id, uint64(n))
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

package inmemorystore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Get a key that doesn't exist yet
	data, ok, err := s.Get(ctx, "cache/go-linux")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)

	replaced, err := s.Put(ctx, "cache/go-linux", []byte("v1"))
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = s.Put(ctx, "cache/go-linux", []byte("v2"))
	require.NoError(t, err)
	assert.True(t, replaced, "second write to the same key replaces the first")

	data, ok, err = s.Get(ctx, "cache/go-linux")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), data)
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.Put(ctx, "k", []byte("abc"))
	require.NoError(t, err)

	data, _, _ := s.Get(ctx, "k")
	data[0] = 'X'

	again, _, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestList(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, k := range []string{"artifact/run1/b", "artifact/run1/a", "artifact/run2/a", "cache/x"} {
		_, err := s.Put(ctx, k, nil)
		require.NoError(t, err)
	}
	keys, err := s.List(ctx, "artifact/run1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"artifact/run1/a", "artifact/run1/b"}, keys)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	numGoroutines := 50

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%5)
			_, err := s.Put(ctx, key, []byte(fmt.Sprint(i)))
			assert.NoError(t, err)
			_, ok, err := s.Get(ctx, key)
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()

	keys, err := s.List(ctx, "key-")
	require.NoError(t, err)
	assert.Len(t, keys, 5)
}

func TestCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Put(ctx, "k", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

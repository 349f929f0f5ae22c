package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientGetSet(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestMemoryClientExpiry(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("v"), -time.Second))

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientEvictsQuarterWhenFull(t *testing.T) {
	c := NewMemoryClient(8)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 8, c.Len())

	// Next insert evicts capacity/4 = 2 oldest entries, then adds one.
	require.NoError(t, c.Set(ctx, "k8", []byte("v"), time.Minute))
	assert.Equal(t, 7, c.Len())

	_, err := c.Get(ctx, "k0")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	got, err := c.Get(ctx, "k8")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryClientDeleteByPrefix(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "repo:a:1", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "repo:a:2", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "repo:b:1", []byte("3"), time.Minute))

	require.NoError(t, c.DeleteByPrefix(ctx, "repo:a:"))

	_, err := c.Get(ctx, "repo:a:1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "repo:b:1")
	assert.NoError(t, err)
}

func TestResponseKeyVariesByCommit(t *testing.T) {
	k1 := ResponseKey("abc123", "what is this", "deadbeef")
	k2 := ResponseKey("abc123", "what is this", "cafef00d")
	k3 := ResponseKey("abc123", "what is this", "deadbeef")

	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, k3)
	assert.Len(t, k1, 64)
}

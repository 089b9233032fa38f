package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragfactory/ingest/internal/testutil"
)

func TestHotCache_Integration_SetGetDelete(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	cache := NewHotCacheWithPrefix(client, "ingest:test:")
	ctx := context.Background()

	require.NoError(t, cache.Health(ctx))

	// Absent key reads as nil without error.
	got, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Set(ctx, "entry", []byte(`{"content":"cached"}`), time.Minute))

	got, err = cache.Get(ctx, "entry")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"content":"cached"}`), got)

	existed, err := cache.Delete(ctx, "entry")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = cache.Delete(ctx, "entry")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestHotCache_Integration_TTLExpiry(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	cache := NewHotCache(client)
	ctx := context.Background()

	require.Error(t, cache.Set(ctx, "no-ttl", []byte("x"), 0))

	require.NoError(t, cache.Set(ctx, "short-lived", []byte("x"), 50*time.Millisecond))
	time.Sleep(100 * time.Millisecond)

	got, err := cache.Get(ctx, "short-lived")
	require.NoError(t, err)
	assert.Nil(t, got)
}

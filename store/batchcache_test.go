package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonfly-ops/dragonfly/ingest"
)

func testCache(t *testing.T) (*BatchCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBatchCache(client, nil, 10*time.Second), mr
}

func TestBatchCacheSetAndGet(t *testing.T) {
	cache, mr := testCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetStatus(ctx, "batch-1", ingest.BatchStatusProcessing))

	status, err := cache.Status(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, ingest.BatchStatusProcessing, status)

	ttl := mr.TTL(batchStatusKey("batch-1"))
	assert.Equal(t, 10*time.Second, ttl)
}

func TestBatchCacheTerminalStatusLongTTL(t *testing.T) {
	cache, mr := testCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetStatus(ctx, "batch-2", ingest.BatchStatusCompleted))
	assert.Equal(t, 1000*time.Second, mr.TTL(batchStatusKey("batch-2")))

	require.NoError(t, cache.SetStatus(ctx, "batch-3", ingest.BatchStatusFailed))
	assert.Equal(t, 1000*time.Second, mr.TTL(batchStatusKey("batch-3")))
}

func TestBatchCacheIdenticalStatusKeepsTTL(t *testing.T) {
	cache, mr := testCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetStatus(ctx, "batch-4", ingest.BatchStatusProcessing))
	mr.FastForward(5 * time.Second)
	require.NoError(t, cache.SetStatus(ctx, "batch-4", ingest.BatchStatusProcessing))

	// Writing the same status again is a no-op inside the transaction.
	assert.Equal(t, 5*time.Second, mr.TTL(batchStatusKey("batch-4")))
}

func TestBatchCacheExpiry(t *testing.T) {
	cache, mr := testCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetStatus(ctx, "batch-5", ingest.BatchStatusPending))
	mr.FastForward(11 * time.Second)

	assert.False(t, mr.Exists(batchStatusKey("batch-5")))
	_ = cache // a subsequent Status would fall through to the store
}

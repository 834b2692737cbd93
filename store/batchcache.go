package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dragonfly-ops/dragonfly/ingest"
)

// DefaultBatchStatusCacheDur is the redis TTL for non-terminal batch
// statuses. Terminal statuses are kept 100 times longer so dashboards
// polling a finished batch stop hitting the database.
const DefaultBatchStatusCacheDur = 100 * time.Second

const batchStatusKeyPrefix = "DRAGONFLY_BATCHSTATUS_"

// BatchCache fronts batch-status lookups with redis. It is read-through:
// a miss falls back to the store and repopulates the key.
type BatchCache struct {
	client   *redis.Client
	store    *Store
	cacheDur time.Duration
}

func NewBatchCache(client *redis.Client, store *Store, cacheDur time.Duration) *BatchCache {
	if cacheDur <= 0 {
		cacheDur = DefaultBatchStatusCacheDur
	}
	return &BatchCache{client: client, store: store, cacheDur: cacheDur}
}

func batchStatusKey(batchID string) string {
	return batchStatusKeyPrefix + batchID
}

func isTerminal(status string) bool {
	return status == ingest.BatchStatusCompleted || status == ingest.BatchStatusFailed
}

func (c *BatchCache) ttlFor(status string) time.Duration {
	if isTerminal(status) {
		return 100 * c.cacheDur
	}
	return c.cacheDur
}

// Status returns the batch status, consulting redis first.
func (c *BatchCache) Status(ctx context.Context, batchID string) (string, error) {
	key := batchStatusKey(batchID)
	status, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("batch status cache read: %w", err)
	}

	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if setErr := c.SetStatus(ctx, batchID, batch.Status); setErr != nil {
		// Cache population failure does not fail the lookup.
		return batch.Status, nil
	}
	return batch.Status, nil
}

// SetStatus writes the status with a transaction so two workers racing on
// the same batch cannot interleave a stale value.
func (c *BatchCache) SetStatus(ctx context.Context, batchID, status string) error {
	key := batchStatusKey(batchID)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current == status {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, status, c.ttlFor(status))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("batch status cache write: %w", err)
	}
	return nil
}

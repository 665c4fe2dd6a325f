// Package idempotency tracks processed transaction identifiers in Redis so
// redelivered trades are dropped instead of double-applied.
package idempotency

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache marks and checks processed transaction IDs under a configurable
// key prefix.
type Cache struct {
	client *redis.Client
	prefix string
}

func NewCache(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = "transaction:"
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(id uuid.UUID) string {
	return c.prefix + id.String()
}

// IsProcessed reports whether the transaction was already applied.
func (c *Cache) IsProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency lookup for %s: %w", id, err)
	}
	return n > 0, nil
}

// FilterProcessed returns the subset of ids already marked, using one
// pipelined round trip for the whole batch.
func (c *Cache) FilterProcessed(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	processed := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return processed, nil
	}

	cmds := make([]*redis.IntCmd, len(ids))
	pipe := c.client.Pipeline()
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, c.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("idempotency batch lookup: %w", err)
	}

	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			processed[ids[i]] = true
		}
	}
	return processed, nil
}

// MarkProcessed records the ids as applied. Called only after the batch's
// database transaction has committed; a crash between commit and this call
// leaves the transactions unmarked and they will be re-applied on redelivery.
func (c *Cache) MarkProcessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, c.key(id), "processed", 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}
	return nil
}

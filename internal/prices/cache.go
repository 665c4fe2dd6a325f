// Package prices resolves current instrument prices from a shared Redis hash,
// a process-local fallback map, and a bounded fetch from the external price
// source, in that order.
package prices

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// LiveCache reads and writes the shared live-price hash in Redis. One hash
// field per symbol, value is the decimal string form of the price.
type LiveCache struct {
	client *redis.Client
	key    string
}

func NewLiveCache(client *redis.Client, key string) *LiveCache {
	return &LiveCache{client: client, key: key}
}

// Get returns the cached price for symbol. The second return is false on a
// cache miss or an unparseable stored value.
func (c *LiveCache) Get(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	raw, err := c.client.HGet(ctx, c.key, symbol).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, nil
	}
	return price, true, nil
}

func (c *LiveCache) Set(ctx context.Context, symbol string, price decimal.Decimal) error {
	return c.client.HSet(ctx, c.key, symbol, price.String()).Err()
}

// All returns every parseable symbol→price pair in the hash.
func (c *LiveCache) All(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for symbol, value := range raw {
		price, err := decimal.NewFromString(value)
		if err != nil {
			continue
		}
		out[symbol] = price
	}
	return out, nil
}

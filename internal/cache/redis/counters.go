package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Counters implements domain.Counters with INCRBY on counter:{name}.
type Counters struct {
	rdb *redis.Client
}

// NewCounters creates Counters backed by the given Client.
func NewCounters(c *Client) *Counters {
	return &Counters{rdb: c.Underlying()}
}

func counterKey(name string) string { return "counter:" + name }

func (c *Counters) Incr(ctx context.Context, name string, delta int64) (int64, error) {
	n, err := c.rdb.IncrBy(ctx, counterKey(name), delta).Result()
	if err != nil {
		return 0, writeErr("incr", counterKey(name), err)
	}
	return n, nil
}

// Value returns 0 for a counter that was never incremented.
func (c *Counters) Value(ctx context.Context, name string) (int64, error) {
	n, err := c.rdb.Get(ctx, counterKey(name)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: get counter %s: %w", name, err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.Counters = (*Counters)(nil)

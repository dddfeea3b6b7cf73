package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

const statsKey = "stats:compact"

// StatsCache implements domain.StatsCache as a single JSON value with a TTL.
type StatsCache struct {
	rdb *redis.Client
}

// NewStatsCache creates a StatsCache backed by the given Client.
func NewStatsCache(c *Client) *StatsCache {
	return &StatsCache{rdb: c.Underlying()}
}

// Get returns domain.ErrNotFound when no unexpired snapshot exists.
func (sc *StatsCache) Get(ctx context.Context) (domain.StatsSnapshot, error) {
	data, err := sc.rdb.Get(ctx, statsKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.StatsSnapshot{}, domain.ErrNotFound
		}
		return domain.StatsSnapshot{}, fmt.Errorf("redis: get stats: %w", err)
	}
	var snap domain.StatsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("redis: unmarshal stats: %w", err)
	}
	return snap, nil
}

// Set stores snap for ttl.
func (sc *StatsCache) Set(ctx context.Context, snap domain.StatsSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal stats: %w", err)
	}
	if err := sc.rdb.Set(ctx, statsKey, data, ttl).Err(); err != nil {
		return writeErr("set", statsKey, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.StatsCache = (*StatsCache)(nil)

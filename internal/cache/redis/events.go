package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// EventBus announces market upserts on a Pub/Sub channel. Delivery is best
// effort; subscribers that miss a message catch up from the cache.
type EventBus struct {
	rdb *redis.Client
}

var _ domain.SyncNotifier = (*EventBus)(nil)

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// MarketSynced publishes ev as JSON on domain.ChannelMarketSynced.
func (b *EventBus) MarketSynced(ctx context.Context, ev domain.MarketSyncedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal synced event: %w", err)
	}
	if err := b.rdb.Publish(ctx, domain.ChannelMarketSynced, payload).Err(); err != nil {
		return writeErr("publish", domain.ChannelMarketSynced, err)
	}
	return nil
}

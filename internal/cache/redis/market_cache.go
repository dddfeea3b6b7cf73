package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// MarketCache implements domain.MarketCache with one JSON string per market
// and set-based secondary indexes. Records do not expire.
//
// Key schema:
//
//	market:{version}:{id}        - JSON MarketRecord
//	markets:all                  - set of "v2:7" ids
//	markets:category:{category}  - set of ids
//	markets:creator:{address}    - set of ids
//	markets:status:{status}      - set of ids
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

const marketsAllKey = "markets:all"

func marketKey(id domain.MarketID) string {
	return fmt.Sprintf("market:%s:%d", id.Version, id.Num)
}
func categoryKey(c string) string            { return "markets:category:" + c }
func creatorKey(addr string) string          { return "markets:creator:" + domain.NormalizeAddress(addr) }
func statusKey(s domain.MarketStatus) string { return "markets:status:" + string(s) }

// Get returns domain.ErrNotFound when the market is not cached.
func (mc *MarketCache) Get(ctx context.Context, id domain.MarketID) (domain.MarketRecord, error) {
	data, err := mc.rdb.Get(ctx, marketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketRecord{}, domain.ErrNotFound
		}
		return domain.MarketRecord{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}
	var rec domain.MarketRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.MarketRecord{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return rec, nil
}

// Put writes rec and moves its index memberships away from whatever prev
// was indexed under. Status membership is exclusive regardless of prev.
func (mc *MarketCache) Put(ctx context.Context, rec domain.MarketRecord, prev *domain.MarketRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", rec.ID, err)
	}
	member := rec.ID.String()

	pipe := mc.rdb.TxPipeline()
	pipe.Set(ctx, marketKey(rec.ID), data, 0)
	pipe.SAdd(ctx, marketsAllKey, member)
	if rec.Category != "" {
		pipe.SAdd(ctx, categoryKey(rec.Category), member)
	}
	if rec.Creator != "" {
		pipe.SAdd(ctx, creatorKey(rec.Creator), member)
	}
	for _, s := range domain.AllStatuses {
		if s == rec.Status {
			pipe.SAdd(ctx, statusKey(s), member)
		} else {
			pipe.SRem(ctx, statusKey(s), member)
		}
	}
	if prev != nil {
		if prev.Category != "" && prev.Category != rec.Category {
			pipe.SRem(ctx, categoryKey(prev.Category), member)
		}
		if prev.Creator != "" && domain.NormalizeAddress(prev.Creator) != domain.NormalizeAddress(rec.Creator) {
			pipe.SRem(ctx, creatorKey(prev.Creator), member)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return writeErr("put market", rec.ID.String(), err)
	}
	return nil
}

// List returns the markets matching every non-zero filter field, ordered by
// version then numeric id.
func (mc *MarketCache) List(ctx context.Context, filter domain.MarketFilter) ([]domain.MarketRecord, error) {
	sets := []string{}
	if filter.Status != "" {
		sets = append(sets, statusKey(filter.Status))
	}
	if filter.Category != "" {
		sets = append(sets, categoryKey(filter.Category))
	}
	if filter.Creator != "" {
		sets = append(sets, creatorKey(filter.Creator))
	}
	if len(sets) == 0 {
		sets = append(sets, marketsAllKey)
	}

	members, err := mc.rdb.SInter(ctx, sets...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list markets: %w", err)
	}
	ids := parseIDs(members, filter.Version)

	if filter.Offset > 0 {
		if filter.Offset >= len(ids) {
			return []domain.MarketRecord{}, nil
		}
		ids = ids[filter.Offset:]
	}
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}
	return mc.getMany(ctx, ids)
}

// IDs returns every indexed id of one version in ascending order.
func (mc *MarketCache) IDs(ctx context.Context, version domain.SchemaVersion) ([]domain.MarketID, error) {
	members, err := mc.rdb.SMembers(ctx, marketsAllKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: market ids: %w", err)
	}
	return parseIDs(members, version), nil
}

// IDsByStatus returns every id in one status index in ascending order.
func (mc *MarketCache) IDsByStatus(ctx context.Context, status domain.MarketStatus) ([]domain.MarketID, error) {
	members, err := mc.rdb.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: market ids by status %s: %w", status, err)
	}
	return parseIDs(members, ""), nil
}

// Purge removes a market and every index entry pointing at it. Stakes are
// left in place.
func (mc *MarketCache) Purge(ctx context.Context, id domain.MarketID) error {
	rec, err := mc.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: purge market %s: %w", id, err)
	}
	member := id.String()

	pipe := mc.rdb.TxPipeline()
	pipe.Del(ctx, marketKey(id))
	pipe.SRem(ctx, marketsAllKey, member)
	for _, s := range domain.AllStatuses {
		pipe.SRem(ctx, statusKey(s), member)
	}
	if err == nil {
		if rec.Category != "" {
			pipe.SRem(ctx, categoryKey(rec.Category), member)
		}
		if rec.Creator != "" {
			pipe.SRem(ctx, creatorKey(rec.Creator), member)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return writeErr("purge market", member, err)
	}
	return nil
}

func (mc *MarketCache) getMany(ctx context.Context, ids []domain.MarketID) ([]domain.MarketRecord, error) {
	if len(ids) == 0 {
		return []domain.MarketRecord{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = marketKey(id)
	}
	vals, err := mc.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget markets: %w", err)
	}

	out := make([]domain.MarketRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry without a record; skip rather than fail the list.
			continue
		}
		var rec domain.MarketRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("redis: unmarshal market %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// parseIDs decodes set members, drops malformed ones and those not matching
// version (when set), and sorts by version then number.
func parseIDs(members []string, version domain.SchemaVersion) []domain.MarketID {
	ids := make([]domain.MarketID, 0, len(members))
	for _, m := range members {
		id, err := domain.ParseMarketID(m)
		if err != nil {
			continue
		}
		if version != "" && id.Version != version {
			continue
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b domain.MarketID) int {
		if c := strings.Compare(string(a.Version), string(b.Version)); c != 0 {
			return c
		}
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	})
	return ids
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)

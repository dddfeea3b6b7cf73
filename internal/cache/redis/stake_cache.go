package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// maxWatchRetries bounds optimistic-lock retries when another writer touches
// the same stake key between WATCH and EXEC.
const maxWatchRetries = 5

// StakeCache implements domain.StakeCache.
//
// Key schema:
//
//	stake:{owner}:{version}:{id}    - JSON StakeRecord
//	stakes:market:{version}:{id}    - set of owner addresses
//	stakes:owner:{owner}            - set of "v2:7" ids
type StakeCache struct {
	rdb *redis.Client
}

// NewStakeCache creates a StakeCache backed by the given Client.
func NewStakeCache(c *Client) *StakeCache {
	return &StakeCache{rdb: c.Underlying()}
}

func stakeKey(owner string, id domain.MarketID) string {
	return fmt.Sprintf("stake:%s:%s:%d", domain.NormalizeAddress(owner), id.Version, id.Num)
}

func marketStakesKey(id domain.MarketID) string {
	return fmt.Sprintf("stakes:market:%s:%d", id.Version, id.Num)
}

func ownerStakesKey(owner string) string {
	return "stakes:owner:" + domain.NormalizeAddress(owner)
}

// Get returns domain.ErrNotFound when no stake is cached for owner in id.
func (sc *StakeCache) Get(ctx context.Context, owner string, id domain.MarketID) (domain.StakeRecord, error) {
	rec, err := getStake(ctx, sc.rdb, stakeKey(owner, id))
	if err != nil {
		return domain.StakeRecord{}, fmt.Errorf("redis: get stake %s %s: %w", owner, id, err)
	}
	return rec, nil
}

// Put writes rec unless the stored record has a claimed position that rec
// would flip back to unclaimed, in which case domain.ErrClaimRegression is
// returned and nothing is written.
func (sc *StakeCache) Put(ctx context.Context, rec domain.StakeRecord) error {
	rec.Owner = domain.NormalizeAddress(rec.Owner)
	key := stakeKey(rec.Owner, rec.MarketID)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal stake %s: %w", key, err)
	}

	txf := func(tx *redis.Tx) error {
		cur, err := getStake(ctx, tx, key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return err
		default:
			if regs := cur.ClaimRegressions(rec); len(regs) > 0 {
				return fmt.Errorf("%w: %s token %s", domain.ErrClaimRegression, key, regs[0])
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, marketStakesKey(rec.MarketID), rec.Owner)
			pipe.SAdd(ctx, ownerStakesKey(rec.Owner), rec.MarketID.String())
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = sc.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrClaimRegression):
		return fmt.Errorf("redis: put stake: %w", err)
	default:
		return writeErr("put stake", key, err)
	}
}

// ListByMarket returns every cached stake in one market, ordered by owner.
func (sc *StakeCache) ListByMarket(ctx context.Context, id domain.MarketID) ([]domain.StakeRecord, error) {
	owners, err := sc.rdb.SMembers(ctx, marketStakesKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: stakes by market %s: %w", id, err)
	}
	sort.Strings(owners)
	keys := make([]string, len(owners))
	for i, o := range owners {
		keys[i] = stakeKey(o, id)
	}
	return sc.getMany(ctx, keys)
}

// ListByOwner returns every cached stake of one owner, ordered by market id.
func (sc *StakeCache) ListByOwner(ctx context.Context, owner string) ([]domain.StakeRecord, error) {
	members, err := sc.rdb.SMembers(ctx, ownerStakesKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: stakes by owner %s: %w", owner, err)
	}
	ids := parseIDs(members, "")
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = stakeKey(owner, id)
	}
	return sc.getMany(ctx, keys)
}

func (sc *StakeCache) getMany(ctx context.Context, keys []string) ([]domain.StakeRecord, error) {
	if len(keys) == 0 {
		return []domain.StakeRecord{}, nil
	}
	vals, err := sc.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget stakes: %w", err)
	}
	out := make([]domain.StakeRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.StakeRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("redis: unmarshal stake %s: %w", keys[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getStake(ctx context.Context, c stringGetter, key string) (domain.StakeRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.StakeRecord{}, domain.ErrNotFound
		}
		return domain.StakeRecord{}, err
	}
	var rec domain.StakeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.StakeRecord{}, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return rec, nil
}

// Compile-time interface check.
var _ domain.StakeCache = (*StakeCache)(nil)

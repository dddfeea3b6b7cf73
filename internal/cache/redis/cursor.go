package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// advanceLua sets KEYS[1] to ARGV[1] only when it does not move backwards.
// Returns 1 when written, 0 when equal, -1 on regression.
const advanceLua = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local nxt = tonumber(ARGV[1])
if nxt < cur then
    return -1
end
if nxt == cur then
    return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`

// CursorStore implements domain.CursorStore with a compare-and-set script so
// concurrent runs can never lower a watermark.
type CursorStore struct {
	rdb     *redis.Client
	advance *redis.Script
}

// NewCursorStore creates a CursorStore backed by the given Client.
func NewCursorStore(c *Client) *CursorStore {
	return &CursorStore{
		rdb:     c.Underlying(),
		advance: redis.NewScript(advanceLua),
	}
}

// Get returns 0 for an unset cursor.
func (cs *CursorStore) Get(ctx context.Context, key string) (uint64, error) {
	s, err := cs.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: get cursor %s: %w", key, err)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse cursor %s: %w", key, err)
	}
	return n, nil
}

// Advance moves the cursor to value. An equal value is a no-op; a lower one
// returns domain.ErrCursorRegression.
func (cs *CursorStore) Advance(ctx context.Context, key string, value uint64) error {
	res, err := cs.advance.Run(ctx, cs.rdb, []string{key}, strconv.FormatUint(value, 10)).Int64()
	if err != nil {
		return writeErr("advance cursor", key, err)
	}
	if res < 0 {
		return fmt.Errorf("redis: advance cursor %s to %d: %w", key, value, domain.ErrCursorRegression)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CursorStore = (*CursorStore)(nil)

package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// ThrottleConfig sets the shared provider budget.
type ThrottleConfig struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Throttled waits on a distributed rate limiter before every call so several
// processes can share one provider quota.
type Throttled struct {
	next    domain.ChainReader
	limiter domain.RateLimiter
	cfg     ThrottleConfig
}

// Compile-time interface check.
var _ domain.ChainReader = (*Throttled)(nil)

// NewThrottled decorates next with limiter.
func NewThrottled(next domain.ChainReader, limiter domain.RateLimiter, cfg ThrottleConfig) *Throttled {
	if cfg.Key == "" {
		cfg.Key = "rpc"
	}
	return &Throttled{next: next, limiter: limiter, cfg: cfg}
}

func (t *Throttled) wait(ctx context.Context, op string) error {
	ok, err := t.limiter.Allow(ctx, t.cfg.Key, t.cfg.Limit, t.cfg.Window)
	if err == nil && ok {
		return nil
	}
	if err == nil {
		metrics.ThrottleWaits.Inc()
		err = t.limiter.Wait(ctx, t.cfg.Key, t.cfg.Limit, t.cfg.Window)
	}
	if err != nil {
		// A limiter outage or expired wait surfaces as a transient read error.
		return domain.NewChainError(domain.KindRateLimited, op, fmt.Errorf("throttle: %w", err))
	}
	return nil
}

func (t *Throttled) Version() domain.SchemaVersion { return t.next.Version() }

func (t *Throttled) ReadMarket(ctx context.Context, id uint64) (domain.RawMarket, error) {
	if err := t.wait(ctx, "read_market"); err != nil {
		return nil, err
	}
	return t.next.ReadMarket(ctx, id)
}

func (t *Throttled) ReadParticipants(ctx context.Context, id uint64) ([]string, error) {
	if err := t.wait(ctx, "read_participants"); err != nil {
		return nil, err
	}
	return t.next.ReadParticipants(ctx, id)
}

func (t *Throttled) ReadStake(ctx context.Context, id uint64, owner string, tt domain.TokenType) (domain.Position, error) {
	if err := t.wait(ctx, "read_stake"); err != nil {
		return domain.Position{}, err
	}
	return t.next.ReadStake(ctx, id, owner, tt)
}

func (t *Throttled) ReadEntityCount(ctx context.Context) (uint64, error) {
	if err := t.wait(ctx, "read_entity_count"); err != nil {
		return 0, err
	}
	return t.next.ReadEntityCount(ctx)
}

func (t *Throttled) ReadLatestBlock(ctx context.Context) (uint64, error) {
	if err := t.wait(ctx, "read_latest_block"); err != nil {
		return 0, err
	}
	return t.next.ReadLatestBlock(ctx)
}

func (t *Throttled) ReadEventLogs(ctx context.Context, fromBlock, toBlock uint64, filter domain.LogFilter) ([]domain.ChainEvent, error) {
	if err := t.wait(ctx, "read_event_logs"); err != nil {
		return nil, err
	}
	return t.next.ReadEventLogs(ctx, fromBlock, toBlock, filter)
}

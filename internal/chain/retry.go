package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// RetryConfig bounds the retry budget of a Retrying reader.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

// DefaultRetryConfig returns three attempts with 500ms base delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		CallTimeout: 15 * time.Second,
	}
}

// Backoff returns base * 2^attempt capped at max. attempt is zero-based.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return c.BaseDelay
	}
	if attempt > 30 {
		return c.MaxDelay
	}
	d := c.BaseDelay * time.Duration(1<<attempt)
	if d > c.MaxDelay || d <= 0 {
		return c.MaxDelay
	}
	return d
}

// Retrying wraps a ChainReader and retries transient failures. Reverted,
// NotFound and DataShape errors fail fast.
type Retrying struct {
	next   domain.ChainReader
	cfg    RetryConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Compile-time interface check.
var _ domain.ChainReader = (*Retrying)(nil)

// NewRetrying decorates next with the retry policy in cfg.
func NewRetrying(next domain.ChainReader, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Retrying{
		next:   next,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "chain_retry")),
		sleep:  sleepCtx,
	}
}

func (r *Retrying) Version() domain.SchemaVersion { return r.next.Version() }

func (r *Retrying) ReadMarket(ctx context.Context, id uint64) (domain.RawMarket, error) {
	return withRetry(ctx, r, "read_market", func(ctx context.Context) (domain.RawMarket, error) {
		return r.next.ReadMarket(ctx, id)
	})
}

func (r *Retrying) ReadParticipants(ctx context.Context, id uint64) ([]string, error) {
	return withRetry(ctx, r, "read_participants", func(ctx context.Context) ([]string, error) {
		return r.next.ReadParticipants(ctx, id)
	})
}

func (r *Retrying) ReadStake(ctx context.Context, id uint64, owner string, tt domain.TokenType) (domain.Position, error) {
	return withRetry(ctx, r, "read_stake", func(ctx context.Context) (domain.Position, error) {
		return r.next.ReadStake(ctx, id, owner, tt)
	})
}

func (r *Retrying) ReadEntityCount(ctx context.Context) (uint64, error) {
	return withRetry(ctx, r, "read_entity_count", r.next.ReadEntityCount)
}

func (r *Retrying) ReadLatestBlock(ctx context.Context) (uint64, error) {
	return withRetry(ctx, r, "read_latest_block", r.next.ReadLatestBlock)
}

func (r *Retrying) ReadEventLogs(ctx context.Context, fromBlock, toBlock uint64, filter domain.LogFilter) ([]domain.ChainEvent, error) {
	return withRetry(ctx, r, "read_event_logs", func(ctx context.Context) ([]domain.ChainEvent, error) {
		return r.next.ReadEventLogs(ctx, fromBlock, toBlock, filter)
	})
}

func withRetry[T any](ctx context.Context, r *Retrying, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.cfg.Backoff(attempt-1)); err != nil {
				return zero, lastErr
			}
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		}
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		err = Classify(op, err)
		lastErr = err

		if !domain.IsTransient(err) || ctx.Err() != nil || attempt+1 == r.cfg.MaxAttempts {
			return zero, err
		}
		var ce *domain.ChainError
		errors.As(err, &ce)
		metrics.ChainRetries.WithLabelValues(op, ce.Kind.String()).Inc()
		r.logger.DebugContext(ctx, "retrying chain call",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return zero, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

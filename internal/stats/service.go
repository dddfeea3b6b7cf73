package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// Config controls snapshot freshness and display precision.
type Config struct {
	TTL      time.Duration
	Decimals map[domain.TokenType]int32
}

// Service serves the aggregate snapshot from the cache while it is younger
// than the TTL and recomputes it otherwise. Concurrent recomputes collapse
// into one.
type Service struct {
	markets domain.MarketCache
	cache   domain.StatsCache
	cfg     Config
	group   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service. A zero TTL defaults to two minutes.
func NewService(markets domain.MarketCache, cache domain.StatsCache, cfg Config, logger *slog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	return &Service{
		markets: markets,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "stats")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a snapshot no older than the TTL.
func (s *Service) Get(ctx context.Context) (domain.StatsSnapshot, error) {
	snap, err := s.cache.Get(ctx)
	switch {
	case err == nil && s.now().Sub(snap.ComputedAt) < s.cfg.TTL:
		return snap, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "stats cache read failed", slog.String("error", err.Error()))
	}
	return s.recompute(ctx)
}

// Refresh recomputes and stores the snapshot regardless of its age.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.recompute(ctx)
	return err
}

func (s *Service) recompute(ctx context.Context) (domain.StatsSnapshot, error) {
	v, err, _ := s.group.Do("stats", func() (any, error) {
		markets, err := s.markets.List(ctx, domain.MarketFilter{})
		if err != nil {
			return domain.StatsSnapshot{}, fmt.Errorf("stats: list markets: %w", err)
		}
		snap := Compute(markets, s.cfg.Decimals, s.now())
		metrics.StatsRecomputes.Inc()

		if err := s.cache.Set(ctx, snap, s.cfg.TTL); err != nil {
			s.logger.WarnContext(ctx, "stats cache write failed", slog.String("error", err.Error()))
		}
		return snap, nil
	})
	if err != nil {
		return domain.StatsSnapshot{}, err
	}
	return v.(domain.StatsSnapshot), nil
}

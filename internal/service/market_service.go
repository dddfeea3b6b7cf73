// Package service is the read and admin facade that the HTTP layer and the
// CLI modes call into.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Syncer is the subset of engine.Syncer the facade drives.
type Syncer interface {
	Run(ctx context.Context, req domain.SyncRequest) (domain.RunSummary, error)
	UpdateDisplay(ctx context.Context, id domain.MarketID, meta domain.DisplayMeta) (domain.MarketRecord, error)
	Purge(ctx context.Context, id domain.MarketID) error
	Versions() []domain.SchemaVersion
}

// StatsProvider serves the aggregate snapshot.
type StatsProvider interface {
	Get(ctx context.Context) (domain.StatsSnapshot, error)
}

// Stores are the optional history stores. Any of them may be nil.
type Stores struct {
	Runs   domain.RunStore
	Review domain.ReviewStore
	Audit  domain.AuditStore
}

// MarketService serves cached markets and stakes and forwards writes to the
// syncer so they run under the same per-market lock as chain refreshes.
type MarketService struct {
	markets domain.MarketCache
	stakes  domain.StakeCache
	syncer  Syncer
	stats   StatsProvider
	stores  Stores
	logger  *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(
	markets domain.MarketCache,
	stakes domain.StakeCache,
	syncer Syncer,
	stats StatsProvider,
	stores Stores,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		stakes:  stakes,
		syncer:  syncer,
		stats:   stats,
		stores:  stores,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// GetMarket returns one cached market.
func (s *MarketService) GetMarket(ctx context.Context, id domain.MarketID) (domain.MarketRecord, error) {
	m, err := s.markets.Get(ctx, id)
	if err != nil {
		return domain.MarketRecord{}, fmt.Errorf("market_service: get %s: %w", id, err)
	}
	return m, nil
}

// ListMarkets returns cached markets matching filter.
func (s *MarketService) ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.MarketRecord, error) {
	markets, err := s.markets.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// GetStake returns one owner's position in one market.
func (s *MarketService) GetStake(ctx context.Context, owner string, id domain.MarketID) (domain.StakeRecord, error) {
	rec, err := s.stakes.Get(ctx, domain.NormalizeAddress(owner), id)
	if err != nil {
		return domain.StakeRecord{}, fmt.Errorf("market_service: get stake %s %s: %w", owner, id, err)
	}
	return rec, nil
}

// ListStakes returns every cached position of owner.
func (s *MarketService) ListStakes(ctx context.Context, owner string) ([]domain.StakeRecord, error) {
	recs, err := s.stakes.ListByOwner(ctx, domain.NormalizeAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("market_service: list stakes %s: %w", owner, err)
	}
	return recs, nil
}

// TriggerSync runs one strategy synchronously. An empty version runs the
// request once per configured version and returns every summary.
func (s *MarketService) TriggerSync(ctx context.Context, req domain.SyncRequest) ([]domain.RunSummary, error) {
	if _, err := domain.ParseStrategy(string(req.Strategy)); err != nil {
		return nil, fmt.Errorf("market_service: %w", err)
	}

	versions := []domain.SchemaVersion{req.Version}
	if req.Version == "" {
		if req.Strategy == domain.StrategyTargeted {
			return nil, fmt.Errorf("market_service: targeted sync needs a version: %w", domain.ErrUnknownVersion)
		}
		versions = s.syncer.Versions()
	}

	var (
		summaries []domain.RunSummary
		errs      []error
	)
	for _, v := range versions {
		r := req
		r.Version = v
		summary, err := s.syncer.Run(ctx, r)
		if summary.RunID != "" {
			summaries = append(summaries, summary)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.InfoContext(ctx, "sync triggered",
		slog.String("strategy", string(req.Strategy)),
		slog.Int("runs", len(summaries)),
		slog.Int("errors", len(errs)),
	)
	return summaries, errors.Join(errs...)
}

// GetStats returns the aggregate snapshot.
func (s *MarketService) GetStats(ctx context.Context) (domain.StatsSnapshot, error) {
	snap, err := s.stats.Get(ctx)
	if err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("market_service: stats: %w", err)
	}
	return snap, nil
}

// UpdateDisplay replaces the cache-only presentation fields of a market.
func (s *MarketService) UpdateDisplay(ctx context.Context, id domain.MarketID, meta domain.DisplayMeta) (domain.MarketRecord, error) {
	rec, err := s.syncer.UpdateDisplay(ctx, id, meta)
	if err != nil {
		return domain.MarketRecord{}, fmt.Errorf("market_service: update display %s: %w", id, err)
	}
	return rec, nil
}

// Purge removes a market from the cache and every index.
func (s *MarketService) Purge(ctx context.Context, id domain.MarketID) error {
	if err := s.syncer.Purge(ctx, id); err != nil {
		return fmt.Errorf("market_service: purge %s: %w", id, err)
	}
	s.logger.WarnContext(ctx, "market purged", slog.String("market_id", id.String()))
	return nil
}

// RecentRuns returns the latest persisted run summaries.
func (s *MarketService) RecentRuns(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	if s.stores.Runs == nil {
		return []domain.RunSummary{}, nil
	}
	runs, err := s.stores.Runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("market_service: recent runs: %w", err)
	}
	return runs, nil
}

// OpenReviews returns markets flagged for manual review.
func (s *MarketService) OpenReviews(ctx context.Context, limit int) ([]domain.ReviewItem, error) {
	if s.stores.Review == nil {
		return []domain.ReviewItem{}, nil
	}
	items, err := s.stores.Review.ListOpen(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("market_service: open reviews: %w", err)
	}
	return items, nil
}

// ResolveReview closes an open review entry and records who closed it in the
// audit log.
func (s *MarketService) ResolveReview(ctx context.Context, id domain.MarketID, reason, note string) error {
	if s.stores.Review == nil {
		return fmt.Errorf("market_service: resolve review: %w", domain.ErrStoreUnavailable)
	}
	if err := s.stores.Review.Resolve(ctx, id, reason); err != nil {
		return fmt.Errorf("market_service: resolve review %s: %w", id, err)
	}
	if s.stores.Audit != nil {
		detail := map[string]any{"market_id": id.String(), "reason": reason}
		if note != "" {
			detail["note"] = note
		}
		if err := s.stores.Audit.Log(ctx, "review.resolved", detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// AuditLog lists audit entries, newest first.
func (s *MarketService) AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.stores.Audit == nil {
		return []domain.AuditEntry{}, nil
	}
	entries, err := s.stores.Audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: audit log: %w", err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

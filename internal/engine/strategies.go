package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// Run dispatches a SyncRequest to its strategy.
func (s *Syncer) Run(ctx context.Context, req domain.SyncRequest) (domain.RunSummary, error) {
	switch req.Strategy {
	case domain.StrategyFull:
		return s.FullSync(ctx, req.Version)
	case domain.StrategyIncremental:
		return s.IncrementalSync(ctx, req.Version)
	case domain.StrategyRecentWindow:
		return s.RecentWindowSync(ctx, req.Version, req.Count)
	case domain.StrategyActiveOnly:
		return s.ActiveOnlySync(ctx, req.Version)
	case domain.StrategyTargeted:
		return s.TargetedSync(ctx, req.Version, req.ID)
	case domain.StrategyClaims:
		return s.ClaimReconciliation(ctx, req.Version)
	case domain.StrategyEvents:
		return s.EventSync(ctx, req.Version)
	default:
		return domain.RunSummary{}, fmt.Errorf("engine: run %q: %w", req.Strategy, domain.ErrUnknownStrategy)
	}
}

// FullSync refreshes every id in [1, count-1] and advances the cursor across
// the contiguous processed prefix.
func (s *Syncer) FullSync(ctx context.Context, v domain.SchemaVersion) (domain.RunSummary, error) {
	reader, err := s.reader(v)
	if err != nil {
		return domain.RunSummary{}, err
	}
	return s.run(ctx, domain.StrategyFull, v, func(ctx context.Context, rs *runState) error {
		count, err := readCount(ctx, reader)
		if err != nil {
			return err
		}
		ids := idRange(1, count)
		s.runIDs(ctx, rs, ids, s.refreshJob(reader, domain.StrategyFull, fetchAll, false))
		return s.advanceCursor(context.WithoutCancel(ctx), rs, v, ids)
	})
}

// IncrementalSync refreshes the ids after the cursor.
func (s *Syncer) IncrementalSync(ctx context.Context, v domain.SchemaVersion) (domain.RunSummary, error) {
	reader, err := s.reader(v)
	if err != nil {
		return domain.RunSummary{}, err
	}
	return s.run(ctx, domain.StrategyIncremental, v, func(ctx context.Context, rs *runState) error {
		cur, err := s.cursors.Get(ctx, domain.CursorKey(v))
		if err != nil {
			return fmt.Errorf("%w: read cursor: %w", domain.ErrStoreUnavailable, err)
		}
		count, err := readCount(ctx, reader)
		if err != nil {
			return err
		}
		ids := idRange(cur+1, count)
		s.runIDs(ctx, rs, ids, s.refreshJob(reader, domain.StrategyIncremental, fetchAll, false))
		return s.advanceCursor(context.WithoutCancel(ctx), rs, v, ids)
	})
}

// RecentWindowSync refreshes the newest n ids regardless of the cursor. A
// non-positive n uses the configured window.
func (s *Syncer) RecentWindowSync(ctx context.Context, v domain.SchemaVersion, n int) (domain.RunSummary, error) {
	reader, err := s.reader(v)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if n <= 0 {
		n = s.cfg.RecentWindow
	}
	return s.run(ctx, domain.StrategyRecentWindow, v, func(ctx context.Context, rs *runState) error {
		count, err := readCount(ctx, reader)
		if err != nil {
			return err
		}
		from := uint64(1)
		if count > uint64(n) {
			from = count - uint64(n)
		}
		s.runIDs(ctx, rs, idRange(from, count), s.refreshJob(reader, domain.StrategyRecentWindow, fetchAll, false))
		return nil
	})
}

// ActiveOnlySync refreshes markets indexed as active whose deadline has not
// passed, reading stakes only for owners that are not yet participants.
// Markets whose deadline passed are moved to the expired index without a
// chain read.
func (s *Syncer) ActiveOnlySync(ctx context.Context, v domain.SchemaVersion) (domain.RunSummary, error) {
	reader, err := s.reader(v)
	if err != nil {
		return domain.RunSummary{}, err
	}
	return s.run(ctx, domain.StrategyActiveOnly, v, func(ctx context.Context, rs *runState) error {
		recs, err := s.markets.List(ctx, domain.MarketFilter{Version: v, Status: domain.MarketStatusActive})
		if err != nil {
			return fmt.Errorf("%w: list active: %w", domain.ErrStoreUnavailable, err)
		}
		now := s.now()
		var ids []uint64
		for _, rec := range recs {
			switch {
			case rec.IsSettled():
			case !rec.Deadline.After(now):
				s.reindex(ctx, rec.ID)
			default:
				ids = append(ids, rec.ID.Num)
			}
		}
		slices.Sort(ids)
		s.runIDs(ctx, rs, ids, s.refreshJob(reader, domain.StrategyActiveOnly, fetchNewOwners, false))
		return nil
	})
}

// TargetedSync refreshes one id, waiting for its lock. When the lock stays
// held the run is a no-op that returns domain.ErrLockHeld.
func (s *Syncer) TargetedSync(ctx context.Context, v domain.SchemaVersion, num uint64) (domain.RunSummary, error) {
	reader, err := s.reader(v)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if num == 0 {
		return domain.RunSummary{}, fmt.Errorf("engine: targeted sync %s:0: %w", v, domain.ErrNotFound)
	}

	var locked bool
	summary, err := s.run(ctx, domain.StrategyTargeted, v, func(ctx context.Context, rs *runState) error {
		s.runIDs(ctx, rs, []uint64{num}, s.refreshJob(reader, domain.StrategyTargeted, fetchAll, true))
		o, ok := rs.outcome(num)
		locked = ok && o.status == outcomeLocked
		return nil
	})
	if err == nil && locked {
		err = fmt.Errorf("engine: targeted sync %s: %w", domain.NewMarketID(v, num), domain.ErrLockHeld)
	}
	return summary, err
}

// ClaimReconciliation re-reads unclaimed stakes of resolved and cancelled
// markets and raises claim flags the chain reports.
func (s *Syncer) ClaimReconciliation(ctx context.Context, v domain.SchemaVersion) (domain.RunSummary, error) {
	reader, err := s.reader(v)
	if err != nil {
		return domain.RunSummary{}, err
	}
	return s.run(ctx, domain.StrategyClaims, v, func(ctx context.Context, rs *runState) error {
		var ids []uint64
		for _, st := range []domain.MarketStatus{domain.MarketStatusResolved, domain.MarketStatusCancelled} {
			members, err := s.markets.IDsByStatus(ctx, st)
			if err != nil {
				return fmt.Errorf("%w: list %s: %w", domain.ErrStoreUnavailable, st, err)
			}
			for _, id := range members {
				if id.Version == v {
					ids = append(ids, id.Num)
				}
			}
		}
		slices.Sort(ids)
		ids = slices.Compact(ids)

		s.runIDs(ctx, rs, ids, func(ctx context.Context, num uint64) idOutcome {
			id := domain.NewMarketID(v, num)
			return s.withLock(ctx, id, false, func() idOutcome {
				return s.reconcileClaims(ctx, reader, id)
			})
		})
		return nil
	})
}

// EventSync refreshes every market referenced by contract logs since the
// block watermark. Logs only select ids; each id is re-read through view
// calls. The watermark advances only when no id needs a retry.
func (s *Syncer) EventSync(ctx context.Context, v domain.SchemaVersion) (domain.RunSummary, error) {
	reader, err := s.reader(v)
	if err != nil {
		return domain.RunSummary{}, err
	}
	return s.run(ctx, domain.StrategyEvents, v, func(ctx context.Context, rs *runState) error {
		key := domain.BlockCursorKey(v)
		watermark, err := s.cursors.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: read block cursor: %w", domain.ErrStoreUnavailable, err)
		}
		from := watermark + 1
		if watermark == 0 {
			from = s.cfg.DeployBlocks[v]
		}

		head, err := reader.ReadLatestBlock(ctx)
		if err != nil {
			return fmt.Errorf("%w: read latest block: %w", domain.ErrProviderUnavailable, err)
		}
		if head < s.cfg.Confirmations {
			return nil
		}
		to := head - s.cfg.Confirmations
		rs.setCursor(watermark)
		if from > to {
			return nil
		}
		if to-from+1 > s.cfg.MaxBlockSpan {
			to = from + s.cfg.MaxBlockSpan - 1
		}

		events, err := reader.ReadEventLogs(ctx, from, to, domain.LogFilter{})
		if err != nil {
			return fmt.Errorf("%w: read logs %d-%d: %w", domain.ErrProviderUnavailable, from, to, err)
		}
		ids := make([]uint64, 0, len(events))
		for _, ev := range events {
			if ev.MarketNum > 0 {
				ids = append(ids, ev.MarketNum)
			}
		}
		slices.Sort(ids)
		ids = slices.Compact(ids)

		s.runIDs(ctx, rs, ids, s.refreshJob(reader, domain.StrategyEvents, fetchAll, false))

		if ctx.Err() != nil || !rs.settled(ids) {
			return nil
		}

		if err := s.cursors.Advance(context.WithoutCancel(ctx), key, to); err != nil && !errors.Is(err, domain.ErrCursorRegression) {
			return fmt.Errorf("%w: advance block cursor: %w", domain.ErrStoreUnavailable, err)
		}
		rs.setCursor(to)
		s.logger.DebugContext(ctx, "block watermark advanced",
			slog.String("version", string(v)),
			slog.Uint64("from", from),
			slog.Uint64("to", to),
			slog.Int("markets", len(ids)),
		)
		return nil
	})
}

// reindex moves an active market whose deadline passed to the expired index.
func (s *Syncer) reindex(ctx context.Context, id domain.MarketID) {
	unlock, err := s.locks.Acquire(ctx, id.LockName(), s.cfg.LockTTL)
	if err != nil {
		return
	}
	defer unlock()

	rec, err := s.markets.Get(ctx, id)
	if err != nil {
		return
	}
	prev := rec
	rec.Status = rec.DeriveStatus(s.now())
	if rec.Status == prev.Status {
		return
	}
	if err := s.markets.Put(ctx, rec, &prev); err != nil {
		s.logger.WarnContext(ctx, "reindex market failed",
			slog.String("market_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.SyncIDs.WithLabelValues(string(domain.StrategyActiveOnly), "reindexed").Inc()
}

// UpdateDisplay writes cache-only presentation data under the market lock.
// Chain-derived fields are untouched.
func (s *Syncer) UpdateDisplay(ctx context.Context, id domain.MarketID, meta domain.DisplayMeta) (domain.MarketRecord, error) {
	unlock, err := s.locks.AcquireWait(ctx, id.LockName(), s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		return domain.MarketRecord{}, fmt.Errorf("engine: update display %s: %w", id, err)
	}
	defer unlock()

	prev, err := s.markets.Get(ctx, id)
	if err != nil {
		return domain.MarketRecord{}, fmt.Errorf("engine: update display %s: %w", id, err)
	}
	rec := prev
	rec.Display = meta
	if err := s.markets.Put(ctx, rec, &prev); err != nil {
		return domain.MarketRecord{}, fmt.Errorf("engine: update display %s: %w", id, err)
	}
	return rec, nil
}

// Purge removes a market and its indexes under the market lock. Stakes are
// kept; claimed flags must survive a re-sync.
func (s *Syncer) Purge(ctx context.Context, id domain.MarketID) error {
	unlock, err := s.locks.AcquireWait(ctx, id.LockName(), s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		return fmt.Errorf("engine: purge %s: %w", id, err)
	}
	defer unlock()

	if err := s.markets.Purge(ctx, id); err != nil {
		return fmt.Errorf("engine: purge %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "market purged", slog.String("market_id", id.String()))
	if s.audit != nil {
		if err := s.audit.Log(context.WithoutCancel(ctx), "market.purge", map[string]any{"market_id": id.String()}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func readCount(ctx context.Context, reader domain.ChainReader) (uint64, error) {
	count, err := reader.ReadEntityCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: read entity count: %w", domain.ErrProviderUnavailable, err)
	}
	return count, nil
}

// idRange returns [from, end) ascending. count-style ends make the last valid
// id end-1.
func idRange(from, end uint64) []uint64 {
	if from < 1 {
		from = 1
	}
	if end <= from {
		return nil
	}
	ids := make([]uint64, 0, end-from)
	for n := from; n < end; n++ {
		ids = append(ids, n)
	}
	return ids
}

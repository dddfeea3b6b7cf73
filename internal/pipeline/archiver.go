package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// SnapshotStore exports cache snapshots and prunes old ones.
type SnapshotStore interface {
	domain.SnapshotArchiver
	Prune(ctx context.Context, keep int) (int, error)
}

// Archiver exports a cache snapshot to object storage and keeps the newest
// few.
type Archiver struct {
	snapshots SnapshotStore
	keep      int
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver. keep <= 0 disables pruning.
func NewArchiver(snapshots SnapshotStore, keep int, logger *slog.Logger) *Archiver {
	return &Archiver{
		snapshots: snapshots,
		keep:      keep,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run exports one snapshot, then prunes.
func (a *Archiver) Run(ctx context.Context) error {
	path, err := a.snapshots.Export(ctx, a.now())
	if err != nil {
		return fmt.Errorf("pipeline: export snapshot: %w", err)
	}

	pruned := 0
	if a.keep > 0 {
		if pruned, err = a.snapshots.Prune(ctx, a.keep); err != nil {
			return fmt.Errorf("pipeline: prune snapshots: %w", err)
		}
	}
	a.logger.InfoContext(ctx, "archive run complete",
		slog.String("path", path),
		slog.Int("pruned", pruned),
	)
	return nil
}

// RunCron runs the archiver on a five-field cron schedule until ctx is
// cancelled. Example: "0 3 * * *" runs daily at 03:00 UTC.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
		}

		wait := next.Sub(a.now())
		a.logger.DebugContext(ctx, "archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Package pipeline schedules sync strategies and the snapshot archive. The
// engine never schedules itself; this package owns every ticker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Runner executes one sync request.
type Runner interface {
	Run(ctx context.Context, req domain.SyncRequest) (domain.RunSummary, error)
}

// Refresher recomputes derived data after a run changed the cache.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Job runs one strategy for every version on a fixed interval. A zero
// interval disables the job.
type Job struct {
	Strategy domain.Strategy
	Interval time.Duration
	Count    int
}

// SchedulerConfig wires a Scheduler. Stats and Archiver may be nil.
type SchedulerConfig struct {
	Runner      Runner
	Versions    []domain.SchemaVersion
	Jobs        []Job
	Stats       Refresher
	Archiver    *Archiver
	ArchiveCron string
}

// Scheduler runs every job loop and the archive cron as goroutines in one
// errgroup.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, logger: logger.With(slog.String("component", "scheduler"))}
}

// Run starts every loop and blocks until ctx is cancelled or a loop fails
// with a non-context error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler starting",
		slog.Int("jobs", len(s.cfg.Jobs)),
		slog.String("archive_cron", s.cfg.ArchiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	for _, job := range s.cfg.Jobs {
		if job.Interval <= 0 {
			continue
		}
		g.Go(func() error {
			err := s.loop(ctx, job)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("%s loop: %w", job.Strategy, err)
		})
	}

	if s.cfg.Archiver != nil && s.cfg.ArchiveCron != "" {
		g.Go(func() error {
			err := s.cfg.Archiver.RunCron(ctx, s.cfg.ArchiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.ErrorContext(ctx, "scheduler stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("scheduler stopped cleanly")
	return nil
}

// RunOnce runs every configured job once per version, in job order, and
// returns the summaries plus every run error joined.
func (s *Scheduler) RunOnce(ctx context.Context) ([]domain.RunSummary, error) {
	var (
		out  []domain.RunSummary
		errs []error
	)
	for _, job := range s.cfg.Jobs {
		sums, err := s.tick(ctx, job)
		out = append(out, sums...)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out, errors.Join(errs...)
}

// loop runs job immediately, then on every tick.
func (s *Scheduler) loop(ctx context.Context, job Job) error {
	if _, err := s.tick(ctx, job); err != nil {
		s.logger.WarnContext(ctx, "scheduled run failed",
			slog.String("strategy", string(job.Strategy)),
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.tick(ctx, job); err != nil {
				s.logger.WarnContext(ctx, "scheduled run failed",
					slog.String("strategy", string(job.Strategy)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// tick runs job for each version. A run error never stops the other
// versions.
func (s *Scheduler) tick(ctx context.Context, job Job) ([]domain.RunSummary, error) {
	var (
		out     []domain.RunSummary
		errs    []error
		changed bool
	)
	for _, v := range s.cfg.Versions {
		if ctx.Err() != nil {
			break
		}
		sum, err := s.cfg.Runner.Run(ctx, domain.SyncRequest{Strategy: job.Strategy, Version: v, Count: job.Count})
		if err != nil {
			errs = append(errs, err)
		}
		if sum.RunID != "" {
			out = append(out, sum)
		}
		if sum.Synced > 0 || sum.Reconciled > 0 {
			changed = true
		}
	}

	if changed && s.cfg.Stats != nil {
		if err := s.cfg.Stats.Refresh(ctx); err != nil {
			s.logger.WarnContext(ctx, "stats refresh failed", slog.String("error", err.Error()))
		}
	}
	return out, errors.Join(errs...)
}

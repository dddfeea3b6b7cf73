package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/engine"
	"github.com/alanyoungcy/marketsync/internal/pipeline"
	"github.com/alanyoungcy/marketsync/internal/server"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/service"
	"github.com/alanyoungcy/marketsync/internal/stats"
)

// components are the mode-independent services built on top of Dependencies.
type components struct {
	syncer  *engine.Syncer
	stats   *stats.Service
	markets *service.MarketService
}

func (a *App) buildComponents(deps *Dependencies) (*components, error) {
	deploy := make(map[domain.SchemaVersion]uint64, len(a.cfg.Chain.Contracts))
	for _, ct := range a.cfg.Chain.Contracts {
		if v, err := domain.ParseSchemaVersion(ct.Version); err == nil {
			deploy[v] = ct.DeployBlock
		}
	}

	sc := a.cfg.Sync
	syncer, err := engine.NewSyncer(engine.Deps{
		Readers:  deps.Readers,
		Markets:  deps.MarketCache,
		Stakes:   deps.StakeCache,
		Cursors:  deps.CursorStore,
		Locks:    deps.LockManager,
		Counters: deps.Counters,
		Bus:      deps.Notifier,
		Runs:     deps.RunStore,
		Review:   deps.ReviewStore,
		Audit:    deps.AuditStore,
	}, engine.Config{
		Concurrency:    sc.Concurrency,
		InterCallDelay: sc.InterCallDelay.Duration,
		LockTTL:        sc.LockTTL.Duration,
		LockWait:       sc.LockWait.Duration,
		AbortAfter:     sc.AbortAfter,
		RecentWindow:   sc.RecentWindow,
		Confirmations:  a.cfg.Chain.Confirmations,
		MaxBlockSpan:   sc.MaxBlockSpan,
		DeployBlocks:   deploy,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	st := stats.NewService(deps.MarketCache, deps.StatsCache, stats.Config{
		TTL:      a.cfg.Stats.TTL.Duration,
		Decimals: a.cfg.TokenDecimals(),
	}, a.logger)

	markets := service.NewMarketService(
		deps.MarketCache, deps.StakeCache, syncer, st,
		service.Stores{Runs: deps.RunStore, Review: deps.ReviewStore, Audit: deps.AuditStore},
		a.logger,
	)
	return &components{syncer: syncer, stats: st, markets: markets}, nil
}

// jobs turns the configured intervals into scheduler jobs. Order matters for
// once mode: cheap catch-up first, then reconciliation, then full sweeps.
func (a *App) jobs() []pipeline.Job {
	sc := a.cfg.Sync
	all := []pipeline.Job{
		{Strategy: domain.StrategyEvents, Interval: sc.EventsInterval.Duration},
		{Strategy: domain.StrategyIncremental, Interval: sc.IncrementalInterval.Duration},
		{Strategy: domain.StrategyRecentWindow, Interval: sc.RecentInterval.Duration, Count: sc.RecentWindow},
		{Strategy: domain.StrategyActiveOnly, Interval: sc.ActiveInterval.Duration},
		{Strategy: domain.StrategyClaims, Interval: sc.ClaimsInterval.Duration},
		{Strategy: domain.StrategyFull, Interval: sc.FullInterval.Duration},
	}
	out := all[:0]
	for _, j := range all {
		if j.Interval > 0 {
			out = append(out, j)
		}
	}
	return out
}

func (a *App) newScheduler(deps *Dependencies, c *components) *pipeline.Scheduler {
	cfg := pipeline.SchedulerConfig{
		Runner:   c.syncer,
		Versions: c.syncer.Versions(),
		Jobs:     a.jobs(),
		Stats:    c.stats,
	}
	if a.cfg.Archive.Enabled && deps.Snapshots != nil {
		cfg.Archiver = pipeline.NewArchiver(deps.Snapshots, a.cfg.Archive.Keep, a.logger)
		cfg.ArchiveCron = a.cfg.Archive.Cron
	}
	return pipeline.NewScheduler(cfg, a.logger)
}

func (a *App) newServer(deps *Dependencies, c *components) *server.Server {
	sc := a.cfg.Server
	return server.NewServer(server.Config{
		Port:         sc.Port,
		CORSOrigins:  sc.CORSOrigins,
		APIKey:       sc.APIKey,
		RateLimit:    sc.RateLimit,
		RateWindow:   sc.RateWindow.Duration,
		WriteTimeout: sc.WriteTimeout.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Markets: handler.NewMarketHandler(c.markets, a.logger),
		Sync:    handler.NewSyncHandler(c.markets, a.logger),
	}, deps.RateLimiter, a.logger)
}

// SyncMode runs the scheduled strategy loops, plus the admin server when
// server.enabled is set.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildComponents(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.newScheduler(deps, c).Run(ctx) })
	if a.cfg.Server.Enabled {
		g.Go(func() error { return a.newServer(deps, c).Run(ctx) })
	}
	return ignoreCancel(g.Wait())
}

// FullMode always runs the scheduler and the admin server together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildComponents(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.newScheduler(deps, c).Run(ctx) })
	g.Go(func() error { return a.newServer(deps, c).Run(ctx) })
	return ignoreCancel(g.Wait())
}

// ServerMode serves the admin API only. Syncs run when triggered over HTTP.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildComponents(deps)
	if err != nil {
		return err
	}
	return ignoreCancel(a.newServer(deps, c).Run(ctx))
}

// OnceMode runs every configured job once per version and exits. A full sync
// runs when no job is configured.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildComponents(deps)
	if err != nil {
		return err
	}
	sched := a.newScheduler(deps, c)
	if len(a.jobs()) == 0 {
		sched = pipeline.NewScheduler(pipeline.SchedulerConfig{
			Runner:   c.syncer,
			Versions: c.syncer.Versions(),
			Jobs:     []pipeline.Job{{Strategy: domain.StrategyFull}},
			Stats:    c.stats,
		}, a.logger)
	}

	summaries, err := sched.RunOnce(ctx)
	for _, s := range summaries {
		a.logger.InfoContext(ctx, "run finished",
			slog.String("run_id", s.RunID),
			slog.String("strategy", string(s.Strategy)),
			slog.String("version", string(s.Version)),
			slog.Int("synced", s.Synced),
			slog.Int("skipped", s.Skipped),
			slog.Int("errors", s.Errors()),
			slog.Bool("aborted", s.Aborted),
		)
	}
	return err
}

// ArchiveMode exports one snapshot and prunes old ones.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Snapshots == nil {
		return errors.New("app: archive mode needs s3")
	}
	return pipeline.NewArchiver(deps.Snapshots, a.cfg.Archive.Keep, a.logger).Run(ctx)
}

// RestoreMode loads a snapshot into the cache. Restored claim flags never
// overwrite a claimed position with an unclaimed one.
func (a *App) RestoreMode(ctx context.Context, deps *Dependencies) error {
	if deps.Snapshots == nil {
		return errors.New("app: restore mode needs s3")
	}
	path := a.cfg.Archive.RestorePath
	if path == "" {
		latest, err := deps.Snapshots.Latest(ctx)
		if err != nil {
			return fmt.Errorf("app: find latest snapshot: %w", err)
		}
		path = latest
	}
	n, err := deps.Snapshots.Restore(ctx, path)
	if err != nil {
		return fmt.Errorf("app: restore %s: %w", path, err)
	}
	a.logger.InfoContext(ctx, "snapshot restored", slog.String("path", path), slog.Int("records", n))
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/marketsync/internal/blob/s3"
	"github.com/alanyoungcy/marketsync/internal/cache/redis"
	"github.com/alanyoungcy/marketsync/internal/chain"
	"github.com/alanyoungcy/marketsync/internal/config"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/store/postgres"
)

// Dependencies bundles every concrete collaborator the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional sinks stay nil interfaces when their backend is not configured.
type Dependencies struct {
	// Chain
	Readers []domain.ChainReader

	// Caches
	MarketCache domain.MarketCache
	StakeCache  domain.StakeCache
	CursorStore domain.CursorStore
	StatsCache  domain.StatsCache
	Counters    domain.Counters
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	Notifier    domain.SyncNotifier

	// Stores
	RunStore    domain.RunStore
	ReviewStore domain.ReviewStore
	AuditStore  domain.AuditStore

	// Blob storage
	Snapshots *s3blob.SnapshotArchiver

	// Health checks for /api/health, keyed by dependency name.
	Checks map[string]handler.Check
}

// needsChain returns false for modes that only move cache snapshots.
func needsChain(mode string) bool {
	switch mode {
	case "archive", "restore":
		return false
	default:
		return true
	}
}

// needsS3 returns true for modes that read or write snapshots.
func needsS3(cfg *config.Config) bool {
	switch strings.ToLower(cfg.Mode) {
	case "archive", "restore":
		return true
	case "sync", "full":
		return cfg.Archive.Enabled
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Checks["redis"] = redisClient.Ping

	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.StakeCache = redis.NewStakeCache(redisClient)
	deps.CursorStore = redis.NewCursorStore(redisClient)
	deps.StatsCache = redis.NewStatsCache(redisClient)
	deps.Counters = redis.NewCounters(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.Notifier = redis.NewEventBus(redisClient)
	// Run history lives in a Redis stream unless Postgres takes it over below.
	deps.RunStore = redis.NewRunStream(redisClient)

	// --- PostgreSQL (optional run history, review queue, audit log) ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.RunStore = postgres.NewRunStore(pool)
		deps.ReviewStore = postgres.NewReviewStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Chain readers ---
	if needsChain(mode) {
		eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, eth.Close)

		if err := checkChainID(ctx, eth, cfg.Chain.ChainID); err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Checks["chain"] = func(ctx context.Context) error {
			_, err := eth.BlockNumber(ctx)
			return err
		}

		readers, err := buildReaders(eth, cfg, deps.RateLimiter, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Readers = readers
	}

	// --- S3 snapshots ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Checks["s3"] = s3Client.Ping

		deps.Snapshots = s3blob.NewSnapshotArchiver(
			s3Client,
			deps.MarketCache,
			deps.StakeCache,
			deps.CursorStore,
			cursorKeys(cfg.Versions()),
			deps.AuditStore,
			logger,
		)
	}

	return deps, cleanup, nil
}

// buildReaders stacks every contract reader as retry(throttle(eth)) so each
// attempt, retried or not, spends the shared budget.
func buildReaders(eth *ethclient.Client, cfg *config.Config, limiter domain.RateLimiter, logger *slog.Logger) ([]domain.ChainReader, error) {
	retry := chain.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		MaxDelay:    cfg.Retry.MaxDelay.Duration,
		CallTimeout: cfg.Chain.CallTimeout.Duration,
	}

	readers := make([]domain.ChainReader, 0, len(cfg.Chain.Contracts))
	for _, ct := range cfg.Chain.Contracts {
		v, err := domain.ParseSchemaVersion(ct.Version)
		if err != nil {
			return nil, err
		}
		base, err := chain.NewEthReader(eth, chain.ReaderConfig{
			Version:      v,
			Address:      ct.Address,
			LogChunkSize: cfg.Chain.LogChunkSize,
		}, logger)
		if err != nil {
			return nil, err
		}

		var r domain.ChainReader = base
		if cfg.Throttle.Limit > 0 {
			r = chain.NewThrottled(r, limiter, chain.ThrottleConfig{
				Key:    "rpc",
				Limit:  cfg.Throttle.Limit,
				Window: cfg.Throttle.Window.Duration,
			})
		}
		readers = append(readers, chain.NewRetrying(r, retry, logger))
	}
	return readers, nil
}

func checkChainID(ctx context.Context, eth *ethclient.Client, want int64) error {
	if want <= 0 {
		return nil
	}
	got, err := eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		return fmt.Errorf("chain id mismatch: rpc reports %s, config expects %d", got, want)
	}
	return nil
}

func cursorKeys(versions []domain.SchemaVersion) []string {
	keys := make([]string, 0, 2*len(versions))
	for _, v := range versions {
		keys = append(keys, domain.CursorKey(v), domain.BlockCursorKey(v))
	}
	return keys
}

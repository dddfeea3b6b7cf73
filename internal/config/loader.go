package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "MARKETSYNC_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETSYNC_* environment variable overrides, and
// returns the final Config. A missing file is tolerated so a deployment can
// run on defaults plus environment alone. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from MARKETSYNC_* variables that
// are set and non-empty, so operators can inject secrets at deploy time
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) error {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "CHAIN_CHAIN_ID")
	setDuration(&cfg.Chain.CallTimeout, "CHAIN_CALL_TIMEOUT")
	setUint64(&cfg.Chain.LogChunkSize, "CHAIN_LOG_CHUNK_SIZE")
	setUint64(&cfg.Chain.Confirmations, "CHAIN_CONFIRMATIONS")
	if err := setContracts(&cfg.Chain.Contracts, "CHAIN_CONTRACTS"); err != nil {
		return err
	}

	// ── Retry / throttle ──
	setInt(&cfg.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "RETRY_MAX_DELAY")
	setInt(&cfg.Throttle.Limit, "THROTTLE_LIMIT")
	setDuration(&cfg.Throttle.Window, "THROTTLE_WINDOW")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "SUPABASE_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")

	// ── Sync ──
	setInt(&cfg.Sync.Concurrency, "SYNC_CONCURRENCY")
	setDuration(&cfg.Sync.InterCallDelay, "SYNC_INTER_CALL_DELAY")
	setDuration(&cfg.Sync.LockTTL, "SYNC_LOCK_TTL")
	setDuration(&cfg.Sync.LockWait, "SYNC_LOCK_WAIT")
	setInt(&cfg.Sync.AbortAfter, "SYNC_ABORT_AFTER")
	setInt(&cfg.Sync.RecentWindow, "SYNC_RECENT_WINDOW")
	setUint64(&cfg.Sync.MaxBlockSpan, "SYNC_MAX_BLOCK_SPAN")
	setDuration(&cfg.Sync.IncrementalInterval, "SYNC_INCREMENTAL_INTERVAL")
	setDuration(&cfg.Sync.RecentInterval, "SYNC_RECENT_INTERVAL")
	setDuration(&cfg.Sync.ActiveInterval, "SYNC_ACTIVE_INTERVAL")
	setDuration(&cfg.Sync.ClaimsInterval, "SYNC_CLAIMS_INTERVAL")
	setDuration(&cfg.Sync.EventsInterval, "SYNC_EVENTS_INTERVAL")
	setDuration(&cfg.Sync.FullInterval, "SYNC_FULL_INTERVAL")

	// ── Stats / archive ──
	setDuration(&cfg.Stats.TTL, "STATS_TTL")
	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "ARCHIVE_CRON")
	setInt(&cfg.Archive.Keep, "ARCHIVE_KEEP")
	setStr(&cfg.Archive.RestorePath, "ARCHIVE_RESTORE_PATH")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	return nil
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty. Keys are given without the prefix.
// ---------------------------------------------------------------------------

func getenv(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setContracts parses "v1=0xabc@1200,v2=0xdef@98000". The deploy block is
// optional.
func setContracts(dst *[]ContractConfig, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	var out []ContractConfig
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		version, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("config: %s%s: entry %q is not version=address", envPrefix, key, entry)
		}
		ct := ContractConfig{Version: strings.TrimSpace(version)}
		addr, block, hasBlock := strings.Cut(rest, "@")
		ct.Address = strings.TrimSpace(addr)
		if hasBlock {
			n, err := strconv.ParseUint(strings.TrimSpace(block), 10, 64)
			if err != nil {
				return fmt.Errorf("config: %s%s: deploy block in %q: %w", envPrefix, key, entry, err)
			}
			ct.DeployBlock = n
		}
		out = append(out, ct)
	}
	*dst = out
	return nil
}

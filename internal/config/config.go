// Package config defines the marketsync configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETSYNC_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Retry    RetryConfig    `toml:"retry"`
	Throttle ThrottleConfig `toml:"throttle"`
	Redis    RedisConfig    `toml:"redis"`
	Supabase SupabaseConfig `toml:"supabase"`
	S3       S3Config       `toml:"s3"`
	Sync     SyncConfig     `toml:"sync"`
	Stats    StatsConfig    `toml:"stats"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds the RPC endpoint and one entry per deployed contract.
type ChainConfig struct {
	RPCURL        string           `toml:"rpc_url"`
	ChainID       int64            `toml:"chain_id"`
	CallTimeout   duration         `toml:"call_timeout"`
	LogChunkSize  uint64           `toml:"log_chunk_size"`
	Confirmations uint64           `toml:"confirmations"`
	Contracts     []ContractConfig `toml:"contracts"`
}

// ContractConfig locates one schema version's contract.
type ContractConfig struct {
	Version     string `toml:"version"`
	Address     string `toml:"address"`
	DeployBlock uint64 `toml:"deploy_block"`
}

// RetryConfig bounds retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
}

// ThrottleConfig is the provider call budget shared by every process through
// Redis. A zero limit disables throttling.
type ThrottleConfig struct {
	Limit  int      `toml:"limit"`
	Window duration `toml:"window"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// SupabaseConfig holds the PostgreSQL connection used for run history, the
// review queue and the audit log. Disabled means those sinks are skipped.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for snapshots.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// SyncConfig tunes the orchestrator and the schedule of each strategy. A zero
// interval leaves that strategy unscheduled.
type SyncConfig struct {
	Concurrency    int      `toml:"concurrency"`
	InterCallDelay duration `toml:"inter_call_delay"`
	LockTTL        duration `toml:"lock_ttl"`
	LockWait       duration `toml:"lock_wait"`
	AbortAfter     int      `toml:"abort_after"`
	RecentWindow   int      `toml:"recent_window"`
	MaxBlockSpan   uint64   `toml:"max_block_span"`

	IncrementalInterval duration `toml:"incremental_interval"`
	RecentInterval      duration `toml:"recent_interval"`
	ActiveInterval      duration `toml:"active_interval"`
	ClaimsInterval      duration `toml:"claims_interval"`
	EventsInterval      duration `toml:"events_interval"`
	FullInterval        duration `toml:"full_interval"`
}

// StatsConfig controls snapshot freshness and per-token display precision.
type StatsConfig struct {
	TTL      duration         `toml:"ttl"`
	Decimals map[string]int32 `toml:"decimals"`
}

// ArchiveConfig schedules snapshot exports.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	Keep    int    `toml:"keep"`
	// RestorePath selects the snapshot for restore mode; empty means latest.
	RestorePath string `toml:"restore_path"`
}

// ServerConfig holds admin HTTP server parameters.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	APIKey       string   `toml:"api_key"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
	WriteTimeout duration `toml:"write_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// A config file and MARKETSYNC_* variables are layered over these by Load.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:       1,
			CallTimeout:   duration{15 * time.Second},
			LogChunkSize:  2000,
			Confirmations: 5,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   duration{500 * time.Millisecond},
			MaxDelay:    duration{10 * time.Second},
		},
		Throttle: ThrottleConfig{
			Limit:  20,
			Window: duration{time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketsync-snapshots",
			ForcePathStyle: true,
		},
		Sync: SyncConfig{
			Concurrency:         1,
			InterCallDelay:      duration{100 * time.Millisecond},
			LockTTL:             duration{2 * time.Minute},
			LockWait:            duration{10 * time.Second},
			AbortAfter:          10,
			RecentWindow:        50,
			MaxBlockSpan:        50_000,
			IncrementalInterval: duration{time.Minute},
			ActiveInterval:      duration{5 * time.Minute},
			ClaimsInterval:      duration{15 * time.Minute},
			FullInterval:        duration{24 * time.Hour},
		},
		Stats: StatsConfig{
			TTL:      duration{2 * time.Minute},
			Decimals: map[string]int32{"native": 18, "alt": 18, "stable": 6},
		},
		Archive: ArchiveConfig{
			Cron: "0 3 * * *",
			Keep: 14,
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8080,
			CORSOrigins:  []string{"http://localhost:3000"},
			RateWindow:   duration{time.Minute},
			WriteTimeout: duration{10 * time.Minute},
		},
		Mode:     "sync",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"sync":    true,
	"once":    true,
	"server":  true,
	"full":    true,
	"archive": true,
	"restore": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: sync, once, server, full, archive, restore)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if len(c.Chain.Contracts) == 0 {
		errs = append(errs, "chain: at least one [[chain.contracts]] entry is required")
	}
	seen := make(map[domain.SchemaVersion]bool)
	for i, ct := range c.Chain.Contracts {
		v, err := domain.ParseSchemaVersion(ct.Version)
		if err != nil {
			errs = append(errs, fmt.Sprintf("chain.contracts[%d]: %v", i, err))
			continue
		}
		if seen[v] {
			errs = append(errs, fmt.Sprintf("chain.contracts[%d]: duplicate version %s", i, v))
		}
		seen[v] = true
		if !common.IsHexAddress(ct.Address) {
			errs = append(errs, fmt.Sprintf("chain.contracts[%d]: invalid address %q", i, ct.Address))
		}
	}
	if c.Chain.CallTimeout.Duration <= 0 {
		errs = append(errs, "chain: call_timeout must be > 0")
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, "retry: max_delay must not be below base_delay")
	}

	// Throttle
	if c.Throttle.Limit < 0 {
		errs = append(errs, "throttle: limit must be >= 0")
	}
	if c.Throttle.Limit > 0 && c.Throttle.Window.Duration <= 0 {
		errs = append(errs, "throttle: window must be > 0 when limit is set")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// S3 is only needed when snapshots are written or read.
	if c.Archive.Enabled || mode == "archive" || mode == "restore" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Sync
	if c.Sync.Concurrency < 1 {
		errs = append(errs, "sync: concurrency must be >= 1")
	}
	if c.Sync.LockTTL.Duration <= 0 {
		errs = append(errs, "sync: lock_ttl must be > 0")
	}
	if c.Sync.LockWait.Duration < 0 || c.Sync.InterCallDelay.Duration < 0 {
		errs = append(errs, "sync: lock_wait and inter_call_delay must be >= 0")
	}
	if c.Sync.AbortAfter < 1 {
		errs = append(errs, "sync: abort_after must be >= 1")
	}
	if c.Sync.RecentWindow < 1 {
		errs = append(errs, "sync: recent_window must be >= 1")
	}

	// Stats
	if c.Stats.TTL.Duration <= 0 {
		errs = append(errs, "stats: ttl must be > 0")
	}
	for name, d := range c.Stats.Decimals {
		if _, err := domain.ParseTokenType(name); err != nil {
			errs = append(errs, fmt.Sprintf("stats.decimals: %v", err))
		}
		if d < 0 || d > 36 {
			errs = append(errs, fmt.Sprintf("stats.decimals: %s must be 0-36, got %d", name, d))
		}
	}

	// Archive
	if c.Archive.Enabled {
		if err := pipeline.ValidateCron(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: %v", err))
		}
		if c.Archive.Keep < 0 {
			errs = append(errs, "archive: keep must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled || mode == "server" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Versions returns the configured schema versions in file order. Call only
// after Validate.
func (c *Config) Versions() []domain.SchemaVersion {
	out := make([]domain.SchemaVersion, 0, len(c.Chain.Contracts))
	for _, ct := range c.Chain.Contracts {
		if v, err := domain.ParseSchemaVersion(ct.Version); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// TokenDecimals converts the stats.decimals table to token types, skipping
// unknown names.
func (c *Config) TokenDecimals() map[domain.TokenType]int32 {
	out := make(map[domain.TokenType]int32, len(c.Stats.Decimals))
	for name, d := range c.Stats.Decimals {
		if tt, err := domain.ParseTokenType(name); err == nil {
			out[tt] = d
		}
	}
	return out
}

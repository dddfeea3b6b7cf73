package domain

import (
	"context"
	"time"
)

// MarketCache is the read path for synced markets. Put maintains the index
// sets (global, category, creator, status) against the previous record.
type MarketCache interface {
	Get(ctx context.Context, id MarketID) (MarketRecord, error)
	Put(ctx context.Context, rec MarketRecord, prev *MarketRecord) error
	List(ctx context.Context, filter MarketFilter) ([]MarketRecord, error)
	IDs(ctx context.Context, version SchemaVersion) ([]MarketID, error)
	IDsByStatus(ctx context.Context, status MarketStatus) ([]MarketID, error)
	Purge(ctx context.Context, id MarketID) error
}

// StakeCache stores per-owner positions. Put rejects a write that would turn
// a claimed position back to unclaimed with ErrClaimRegression.
type StakeCache interface {
	Get(ctx context.Context, owner string, id MarketID) (StakeRecord, error)
	Put(ctx context.Context, rec StakeRecord) error
	ListByMarket(ctx context.Context, id MarketID) ([]StakeRecord, error)
	ListByOwner(ctx context.Context, owner string) ([]StakeRecord, error)
}

// CursorKey is the id watermark of one contract version.
func CursorKey(v SchemaVersion) string { return "cursor:" + string(v) }

// BlockCursorKey is the event-log block watermark of one contract version.
func BlockCursorKey(v SchemaVersion) string { return "cursor:" + string(v) + ":block" }

// CursorStore persists monotonic watermarks. Get returns 0 for an unset key.
type CursorStore interface {
	Get(ctx context.Context, key string) (uint64, error)
	Advance(ctx context.Context, key string, value uint64) error
}

// StatsCache holds the last computed aggregate snapshot.
type StatsCache interface {
	Get(ctx context.Context) (StatsSnapshot, error)
	Set(ctx context.Context, snap StatsSnapshot, ttl time.Duration) error
}

// Counters provides atomic named counters.
type Counters interface {
	Incr(ctx context.Context, name string, delta int64) (int64, error)
	Value(ctx context.Context, name string) (int64, error)
}

// RateLimiter provides a sliding-window limit shared by every process using
// the same key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking. Acquire fails immediately with
// ErrLockHeld; AcquireWait polls for up to wait before doing so.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	AcquireWait(ctx context.Context, key string, ttl, wait time.Duration) (unlock func(), err error)
}

// SyncNotifier announces market upserts to downstream readers.
type SyncNotifier interface {
	MarketSynced(ctx context.Context, ev MarketSyncedEvent) error
}

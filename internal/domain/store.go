package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Event keeps only audit entries with this exact event name.
	Event string
}

// RunStore persists sync run summaries.
type RunStore interface {
	Record(ctx context.Context, run RunSummary) error
	ListRecent(ctx context.Context, limit int) ([]RunSummary, error)
}

// ReviewItem is a market that could not be mapped and needs a human look.
type ReviewItem struct {
	MarketID  MarketID       `json:"market_id"`
	Reason    string         `json:"reason"`
	Detail    map[string]any `json:"detail,omitempty"`
	Count     int            `json:"count"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
}

// ReviewStore keeps records flagged for manual review. Flagging the same
// market and reason twice bumps the count instead of duplicating.
type ReviewStore interface {
	Flag(ctx context.Context, id MarketID, reason string, detail map[string]any) error
	ListOpen(ctx context.Context, limit int) ([]ReviewItem, error)
	Resolve(ctx context.Context, id MarketID, reason string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// ReviewStore implements domain.ReviewStore over review_queue.
type ReviewStore struct {
	db DB
}

// NewReviewStore creates a new ReviewStore backed by db, normally a *pgxpool.Pool.
func NewReviewStore(db DB) *ReviewStore {
	return &ReviewStore{db: db}
}

// Flag records id for review. A repeat flag with the same reason bumps the
// count, refreshes the detail and reopens a resolved item.
func (s *ReviewStore) Flag(ctx context.Context, id domain.MarketID, reason string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal review detail: %w", err)
	}
	const query = `
		INSERT INTO review_queue (market_id, reason, detail)
		VALUES ($1, $2, $3)
		ON CONFLICT (market_id, reason) DO UPDATE SET
			count = review_queue.count + 1,
			detail = EXCLUDED.detail,
			last_seen = NOW(),
			resolved_at = NULL`
	if _, err := s.db.Exec(ctx, query, id.String(), reason, detailJSON); err != nil {
		return fmt.Errorf("postgres: flag %s for review: %w", id, err)
	}
	return nil
}

// ListOpen returns unresolved items, most recently seen first.
func (s *ReviewStore) ListOpen(ctx context.Context, limit int) ([]domain.ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT market_id, reason, detail, count, first_seen, last_seen
		FROM review_queue
		WHERE resolved_at IS NULL
		ORDER BY last_seen DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list review queue: %w", err)
	}
	defer rows.Close()

	var items []domain.ReviewItem
	for rows.Next() {
		var (
			it         domain.ReviewItem
			rawID      string
			detailJSON []byte
		)
		if err := rows.Scan(&rawID, &it.Reason, &detailJSON, &it.Count, &it.FirstSeen, &it.LastSeen); err != nil {
			return nil, fmt.Errorf("postgres: scan review item: %w", err)
		}
		if it.MarketID, err = domain.ParseMarketID(rawID); err != nil {
			return nil, fmt.Errorf("postgres: review item: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &it.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal review detail: %w", err)
			}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list review queue rows: %w", err)
	}
	return items, nil
}

// Resolve closes an open item. Resolving an unknown item returns
// domain.ErrNotFound.
func (s *ReviewStore) Resolve(ctx context.Context, id domain.MarketID, reason string) error {
	const query = `
		UPDATE review_queue SET resolved_at = NOW()
		WHERE market_id = $1 AND reason = $2 AND resolved_at IS NULL`
	tag, err := s.db.Exec(ctx, query, id.String(), reason)
	if err != nil {
		return fmt.Errorf("postgres: resolve review %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: resolve review %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ReviewStore = (*ReviewStore)(nil)

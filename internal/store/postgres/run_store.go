package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// RunStore implements domain.RunStore over the sync_runs table.
type RunStore struct {
	db DB
}

// NewRunStore creates a new RunStore backed by db, normally a *pgxpool.Pool.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

// Record inserts a finished run. Recording the same run id twice overwrites
// the counters.
func (s *RunStore) Record(ctx context.Context, run domain.RunSummary) error {
	failed, err := json.Marshal(nonNilFailures(run.Failed))
	if err != nil {
		return fmt.Errorf("postgres: marshal run failures: %w", err)
	}

	const query = `
		INSERT INTO sync_runs (
			run_id, strategy, version, started_at, finished_at,
			synced, skipped, reconciled, anomalies, failed,
			cursor_after, aborted, abort_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			synced = EXCLUDED.synced,
			skipped = EXCLUDED.skipped,
			reconciled = EXCLUDED.reconciled,
			anomalies = EXCLUDED.anomalies,
			failed = EXCLUDED.failed,
			cursor_after = EXCLUDED.cursor_after,
			aborted = EXCLUDED.aborted,
			abort_reason = EXCLUDED.abort_reason`

	_, err = s.db.Exec(ctx, query,
		run.RunID, string(run.Strategy), string(run.Version), run.StartedAt, run.FinishedAt,
		run.Synced, run.Skipped, run.Reconciled, run.Anomalies, failed,
		int64(run.Cursor), run.Aborted, run.AbortReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: record run %s: %w", run.RunID, err)
	}
	return nil
}

// ListRecent returns the latest runs, newest first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT run_id, strategy, version, started_at, finished_at,
		       synced, skipped, reconciled, anomalies, failed,
		       cursor_after, aborted, abort_reason
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunSummary
	for rows.Next() {
		var (
			r                 domain.RunSummary
			strategy, version string
			failed            []byte
			cursor            int64
		)
		if err := rows.Scan(
			&r.RunID, &strategy, &version, &r.StartedAt, &r.FinishedAt,
			&r.Synced, &r.Skipped, &r.Reconciled, &r.Anomalies, &failed,
			&cursor, &r.Aborted, &r.AbortReason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		r.Strategy = domain.Strategy(strategy)
		r.Version = domain.SchemaVersion(version)
		r.Cursor = uint64(cursor)
		if len(failed) > 0 {
			if err := json.Unmarshal(failed, &r.Failed); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal run failures: %w", err)
			}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list runs rows: %w", err)
	}
	return runs, nil
}

func nonNilFailures(f []domain.IDFailure) []domain.IDFailure {
	if f == nil {
		return []domain.IDFailure{}
	}
	return f
}

// Compile-time interface check.
var _ domain.RunStore = (*RunStore)(nil)

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

// recordingDB captures statements and answers Exec with a fixed tag.
type recordingDB struct {
	calls []execCall
	tag   string
	err   error
}

func (r *recordingDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.calls = append(r.calls, execCall{sql, args})
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag(r.tag), nil
}

func (r *recordingDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	r.calls = append(r.calls, execCall{sql, args})
	return nil, errors.New("query not supported")
}

func TestRunStore_RecordUpsertsByRunID(t *testing.T) {
	db := &recordingDB{tag: "INSERT 0 1"}
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	run := domain.RunSummary{
		RunID:       "run-1",
		Strategy:    domain.StrategyIncremental,
		Version:     domain.SchemaV2,
		StartedAt:   started,
		FinishedAt:  started.Add(time.Second),
		Synced:      4,
		Skipped:     1,
		Cursor:      6,
		Aborted:     true,
		AbortReason: "cancelled",
	}

	require.NoError(t, NewRunStore(db).Record(context.Background(), run))
	require.Len(t, db.calls, 1)
	call := db.calls[0]
	assert.Contains(t, call.sql, "ON CONFLICT (run_id) DO UPDATE SET")
	assert.Contains(t, call.sql, "synced = EXCLUDED.synced")
	assert.Contains(t, call.sql, "cursor_after = EXCLUDED.cursor_after")
	assert.NotContains(t, call.sql, "started_at = EXCLUDED", "a rerecord keeps the original start")

	require.Len(t, call.args, 13)
	assert.Equal(t, "run-1", call.args[0])
	assert.Equal(t, "incremental", call.args[1])
	assert.Equal(t, "v2", call.args[2])
	assert.Equal(t, 4, call.args[5])
	assert.JSONEq(t, `[]`, string(call.args[9].([]byte)), "nil failures store an empty array")
	assert.Equal(t, int64(6), call.args[10])
	assert.Equal(t, true, call.args[11])
	assert.Equal(t, "cancelled", call.args[12])
}

func TestRunStore_RecordWrapsExecError(t *testing.T) {
	db := &recordingDB{err: errors.New("conn refused")}
	err := NewRunStore(db).Record(context.Background(), domain.RunSummary{RunID: "run-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: record run run-2")
}

func TestReviewStore_FlagReopensAndCounts(t *testing.T) {
	db := &recordingDB{tag: "INSERT 0 1"}
	id := domain.NewMarketID(domain.SchemaV2, 7)

	err := NewReviewStore(db).Flag(context.Background(), id, "data_shape", map[string]any{"error": "bad tuple"})
	require.NoError(t, err)
	require.Len(t, db.calls, 1)
	call := db.calls[0]
	assert.Contains(t, call.sql, "ON CONFLICT (market_id, reason) DO UPDATE SET")
	assert.Contains(t, call.sql, "count = review_queue.count + 1")
	assert.Contains(t, call.sql, "resolved_at = NULL")

	require.Len(t, call.args, 3)
	assert.Equal(t, id.String(), call.args[0])
	assert.Equal(t, "data_shape", call.args[1])
	var detail map[string]any
	require.NoError(t, json.Unmarshal(call.args[2].([]byte), &detail))
	assert.Equal(t, "bad tuple", detail["error"])
}

func TestReviewStore_Resolve(t *testing.T) {
	id := domain.NewMarketID(domain.SchemaV1, 3)

	db := &recordingDB{tag: "UPDATE 1"}
	require.NoError(t, NewReviewStore(db).Resolve(context.Background(), id, "invalid_deadline"))
	assert.Contains(t, db.calls[0].sql, "resolved_at IS NULL")
	assert.Equal(t, []any{id.String(), "invalid_deadline"}, db.calls[0].args)

	db = &recordingDB{tag: "UPDATE 0"}
	err := NewReviewStore(db).Resolve(context.Background(), id, "invalid_deadline")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStore_LogAndListErrors(t *testing.T) {
	db := &recordingDB{tag: "INSERT 0 1"}
	s := NewAuditStore(db)

	require.NoError(t, s.Log(context.Background(), "cache.purge", map[string]any{"version": "v1"}))
	assert.Equal(t, "cache.purge", db.calls[0].args[0])

	_, err := s.List(context.Background(), domain.ListOpts{Event: "cache.purge"})
	require.Error(t, err)
	assert.Equal(t, []any{"cache.purge"}, db.calls[1].args)
}

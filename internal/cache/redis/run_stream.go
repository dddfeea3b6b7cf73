package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// runStreamMaxLen caps the run history stream (XADD MAXLEN ~).
const runStreamMaxLen int64 = 10000

// RunStream keeps run summaries in a capped Redis stream. It serves as the
// run history when Postgres is not configured.
type RunStream struct {
	rdb    *redis.Client
	stream string
}

var _ domain.RunStore = (*RunStream)(nil)

// NewRunStream creates a RunStream on domain.StreamSyncRuns.
func NewRunStream(c *Client) *RunStream {
	return &RunStream{rdb: c.Underlying(), stream: domain.StreamSyncRuns}
}

// Record appends run to the stream.
func (rs *RunStream) Record(ctx context.Context, run domain.RunSummary) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("redis: marshal run %s: %w", run.RunID, err)
	}
	err = rs.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: rs.stream,
		MaxLen: runStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"run_id":   run.RunID,
			"strategy": string(run.Strategy),
			"version":  string(run.Version),
			"payload":  payload,
		},
	}).Err()
	if err != nil {
		return writeErr("append run", rs.stream, err)
	}
	return nil
}

// ListRecent returns up to limit runs, newest first. Entries that no longer
// decode are skipped.
func (rs *RunStream) ListRecent(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	msgs, err := rs.rdb.XRevRangeN(ctx, rs.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list runs: %w", err)
	}
	runs := make([]domain.RunSummary, 0, len(msgs))
	for _, msg := range msgs {
		var raw []byte
		switch v := msg.Values["payload"].(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			continue
		}
		var run domain.RunSummary
		if err := json.Unmarshal(raw, &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

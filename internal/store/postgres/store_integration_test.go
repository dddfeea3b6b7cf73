package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// testDSNEnv names a disposable database the stores may migrate and write.
const testDSNEnv = "MARKETSYNC_TEST_DATABASE_URL"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skip(testDSNEnv + " not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 2})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	// A second run finds nothing pending.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestRunStore_RecordTwiceOverwrites(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewRunStore(c.Pool())

	started := time.Now().UTC().Truncate(time.Millisecond)
	run := domain.RunSummary{
		RunID:      uuid.NewString(),
		Strategy:   domain.StrategyFull,
		Version:    domain.SchemaV2,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Synced:     1,
	}
	require.NoError(t, store.Record(ctx, run))

	run.Synced = 9
	run.Cursor = 12
	run.Failed = []domain.IDFailure{{ID: 13, Kind: "timeout", Error: "deadline"}}
	run.FinishedAt = started.Add(time.Minute)
	require.NoError(t, store.Record(ctx, run))

	runs, err := store.ListRecent(ctx, 1000)
	require.NoError(t, err)
	var found []domain.RunSummary
	for _, r := range runs {
		if r.RunID == run.RunID {
			found = append(found, r)
		}
	}
	require.Len(t, found, 1)
	got := found[0]
	assert.Equal(t, 9, got.Synced)
	assert.Equal(t, uint64(12), got.Cursor)
	assert.Equal(t, run.Failed, got.Failed)
	assert.WithinDuration(t, started, got.StartedAt, time.Millisecond)
	assert.WithinDuration(t, run.FinishedAt, got.FinishedAt, time.Millisecond)
}

func TestReviewStore_FlagResolveCycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewReviewStore(c.Pool())
	id := domain.NewMarketID(domain.SchemaV2, uint64(time.Now().UnixNano()))

	openItem := func() (domain.ReviewItem, bool) {
		items, err := store.ListOpen(ctx, 1000)
		require.NoError(t, err)
		for _, it := range items {
			if it.MarketID == id && it.Reason == "data_shape" {
				return it, true
			}
		}
		return domain.ReviewItem{}, false
	}

	require.NoError(t, store.Flag(ctx, id, "data_shape", map[string]any{"error": "first"}))
	require.NoError(t, store.Flag(ctx, id, "data_shape", map[string]any{"error": "second"}))
	it, ok := openItem()
	require.True(t, ok)
	assert.Equal(t, 2, it.Count)
	assert.Equal(t, "second", it.Detail["error"])

	require.NoError(t, store.Resolve(ctx, id, "data_shape"))
	_, ok = openItem()
	assert.False(t, ok)
	assert.ErrorIs(t, store.Resolve(ctx, id, "data_shape"), domain.ErrNotFound)

	require.NoError(t, store.Flag(ctx, id, "data_shape", nil))
	it, ok = openItem()
	require.True(t, ok, "a repeat flag reopens the item")
	assert.Equal(t, 3, it.Count)
}

func TestAuditStore_LogFilteredByEvent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewAuditStore(c.Pool())
	event := fmt.Sprintf("test.%d", time.Now().UnixNano())

	require.NoError(t, store.Log(ctx, event, map[string]any{"n": 1}))
	require.NoError(t, store.Log(ctx, event, map[string]any{"n": 2}))

	entries, err := store.List(ctx, domain.ListOpts{Event: event, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, event, entries[0].Event)
}

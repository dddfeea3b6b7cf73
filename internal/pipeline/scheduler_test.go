package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

type fakeRunner struct {
	mu     sync.Mutex
	reqs   []domain.SyncRequest
	fail   map[domain.SchemaVersion]error
	synced int
}

func (f *fakeRunner) Run(_ context.Context, req domain.SyncRequest) (domain.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if err := f.fail[req.Version]; err != nil {
		return domain.RunSummary{RunID: "failed", Aborted: true}, err
	}
	return domain.RunSummary{RunID: "ok", Strategy: req.Strategy, Version: req.Version, Synced: f.synced}, nil
}

func (f *fakeRunner) requests() []domain.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SyncRequest(nil), f.reqs...)
}

type countingRefresher struct{ n atomic.Int32 }

func (c *countingRefresher) Refresh(context.Context) error {
	c.n.Add(1)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestScheduler_RunOnce(t *testing.T) {
	runner := &fakeRunner{
		fail:   map[domain.SchemaVersion]error{domain.SchemaV1: domain.ErrProviderUnavailable},
		synced: 2,
	}
	stats := &countingRefresher{}
	s := NewScheduler(SchedulerConfig{
		Runner:   runner,
		Versions: []domain.SchemaVersion{domain.SchemaV1, domain.SchemaV2},
		Jobs: []Job{
			{Strategy: domain.StrategyIncremental},
			{Strategy: domain.StrategyRecentWindow, Count: 25},
		},
		Stats: stats,
	}, discard())

	sums, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Len(t, sums, 4, "a failing version does not stop the other")

	reqs := runner.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, domain.SyncRequest{Strategy: domain.StrategyRecentWindow, Version: domain.SchemaV2, Count: 25}, reqs[3])
	assert.Equal(t, int32(2), stats.n.Load())
}

func TestScheduler_RunStopsCleanly(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(SchedulerConfig{
		Runner:   runner,
		Versions: []domain.SchemaVersion{domain.SchemaV2},
		Jobs: []Job{
			{Strategy: domain.StrategyIncremental, Interval: 10 * time.Millisecond},
			{Strategy: domain.StrategyClaims, Interval: 0},
		},
	}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(runner.requests()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, r := range runner.requests() {
		assert.Equal(t, domain.StrategyIncremental, r.Strategy, "disabled job never runs")
	}
}

type fakeSnapshots struct {
	exports int
	keep    int
	err     error
}

func (f *fakeSnapshots) Export(context.Context, time.Time) (string, error) {
	f.exports++
	return "snapshots/x.jsonl", f.err
}

func (f *fakeSnapshots) Restore(context.Context, string) (int, error) { return 0, nil }

func (f *fakeSnapshots) Prune(_ context.Context, keep int) (int, error) {
	f.keep = keep
	return 1, nil
}

func TestArchiver_Run(t *testing.T) {
	snaps := &fakeSnapshots{}
	require.NoError(t, NewArchiver(snaps, 7, discard()).Run(context.Background()))
	assert.Equal(t, 1, snaps.exports)
	assert.Equal(t, 7, snaps.keep)

	snaps = &fakeSnapshots{err: errors.New("s3 down")}
	err := NewArchiver(snaps, 7, discard()).Run(context.Background())
	assert.ErrorContains(t, err, "s3 down")
	assert.Zero(t, snaps.keep, "no prune after a failed export")
}

func TestArchiver_RunCronRejectsBadExpression(t *testing.T) {
	err := NewArchiver(&fakeSnapshots{}, 1, discard()).RunCron(context.Background(), "not a cron")
	assert.Error(t, err)
}

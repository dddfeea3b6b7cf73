package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// scenarioChain holds three v2 markets: 1 resolved with a claimed stake,
// 2 active, 3 cancelled.
func scenarioChain() *fakeChain {
	ch := newFakeChain(domain.SchemaV2)
	ch.addMarket(v2Market(1, baseTime.Add(-time.Hour), resolvedYes), "0xAlice", "0xBob")
	ch.addMarket(v2Market(2, baseTime.Add(time.Hour)), "0xBob")
	ch.addMarket(v2Market(3, baseTime.Add(2*time.Hour), cancelled), "0xCarol")

	ch.setStake(1, "0xalice", domain.TokenNative, 60, 0, true)
	ch.setStake(1, "0xbob", domain.TokenNative, 0, 40, false)
	ch.setStake(1, "0xbob", domain.TokenStable, 25, 0, false)
	ch.setStake(2, "0xbob", domain.TokenNative, 100, 40, false)
	ch.setStake(3, "0xcarol", domain.TokenAlt, 7, 0, true)
	return ch
}

func TestFullSync_ScenarioA(t *testing.T) {
	ch := scenarioChain()
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()

	sum, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Synced)
	assert.Empty(t, sum.Failed)
	assert.Equal(t, uint64(3), sum.Cursor)
	assert.False(t, sum.Aborted)

	wantStatus := map[uint64]domain.MarketStatus{
		1: domain.MarketStatusResolved,
		2: domain.MarketStatusActive,
		3: domain.MarketStatusCancelled,
	}
	for num, status := range wantStatus {
		rec, err := h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV2, num))
		require.NoError(t, err)
		assert.Equal(t, status, rec.Status, "market %d", num)
	}

	claims := []struct {
		num     uint64
		owner   string
		tt      domain.TokenType
		claimed bool
	}{
		{1, "0xalice", domain.TokenNative, true},
		{1, "0xbob", domain.TokenNative, false},
		{1, "0xbob", domain.TokenStable, false},
		{2, "0xbob", domain.TokenNative, false},
		{3, "0xcarol", domain.TokenAlt, true},
	}
	for _, c := range claims {
		st, err := h.stakes.Get(ctx, c.owner, domain.NewMarketID(domain.SchemaV2, c.num))
		require.NoError(t, err)
		assert.Equal(t, c.claimed, st.Positions.Get(c.tt).Claimed, "%d/%s/%s", c.num, c.owner, c.tt)
	}

	rec, err := h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV2, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"0xalice", "0xbob"}, rec.Participants)
	assert.Equal(t, domain.OutcomeYes, rec.Outcome)

	synced, err := h.counters.Value(ctx, "synced:v2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), synced)
	require.Len(t, h.runs.runs, 1)
	assert.Equal(t, sum.RunID, h.runs.runs[0].RunID)
}

func TestFullSync_Idempotent(t *testing.T) {
	ch := scenarioChain()
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()

	_, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	first, err := h.mr.Get("market:v2:2")
	require.NoError(t, err)
	stakeFirst, err := h.mr.Get("stake:0xbob:v2:2")
	require.NoError(t, err)

	h.advance(time.Minute)
	_, err = h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	second, err := h.mr.Get("market:v2:2")
	require.NoError(t, err)
	stakeSecond, err := h.mr.Get("stake:0xbob:v2:2")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, stakeFirst, stakeSecond)
}

func TestFullSync_PreservesDisplayMeta(t *testing.T) {
	ch := scenarioChain()
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()
	id := domain.NewMarketID(domain.SchemaV2, 2)

	_, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	_, err = h.syncer.UpdateDisplay(ctx, id, domain.DisplayMeta{Title: "Derby day", Tags: []string{"racing"}})
	require.NoError(t, err)

	ch.addMarket(v2Market(2, baseTime.Add(time.Hour), func(r *domain.RawMarketV2) {
		r.Pools[0] = big.NewInt(500)
	}), "0xBob")
	_, err = h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)

	rec, err := h.markets.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Derby day", rec.Display.Title)
	assert.Equal(t, int64(500), rec.Pools.Native.Yes.Int64())
}

func TestFullSync_PartialFailureIsolation(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 10; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)))
	}
	ch.setMarketErr(5, domain.NewChainError(domain.KindReverted, "read_market", errors.New("execution reverted")))
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()

	sum, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 9, sum.Synced)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, uint64(5), sum.Failed[0].ID)
	assert.Equal(t, "reverted", sum.Failed[0].Kind)
	assert.Equal(t, uint64(10), sum.Cursor, "permanent skips count as processed")

	for n := uint64(1); n <= 10; n++ {
		_, err := h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV2, n))
		if n == 5 {
			assert.ErrorIs(t, err, domain.ErrNotFound)
			continue
		}
		assert.NoError(t, err, "market %d", n)
	}
}

func TestFullSync_DataShapeAndDeadlineFlaggedForReview(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	ch.addMarket(v2Market(1, baseTime.Add(time.Hour)))
	ch.addMarket(v2Market(2, baseTime.Add(time.Hour), func(r *domain.RawMarketV2) { r.EndTime = big.NewInt(0) }))
	ch.addMarket(v2Market(3, baseTime.Add(time.Hour)))
	ch.setMarketErr(3, domain.NewChainError(domain.KindDataShape, "read_market", errors.New("abi: cannot unmarshal")))
	h := newHarness(t, Config{}, ch)

	sum, err := h.syncer.FullSync(context.Background(), domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, 2, sum.Skipped)

	assert.ElementsMatch(t, []reviewFlag{
		{domain.NewMarketID(domain.SchemaV2, 2), "invalid_deadline"},
		{domain.NewMarketID(domain.SchemaV2, 3), "data_shape"},
	}, h.review.flags)
}

func TestIncrementalSync_CursorMonotonicity(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 6; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)))
	}
	transient := domain.NewChainError(domain.KindRateLimited, "read_market", errors.New("429"))
	ch.setMarketErr(4, transient)
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()
	key := domain.CursorKey(domain.SchemaV2)

	sum, err := h.syncer.IncrementalSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sum.Cursor, "transient failure stops the advance")
	assert.Equal(t, 5, sum.Synced)

	ch.setMarketErr(4, nil)
	sum, err = h.syncer.IncrementalSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sum.Cursor)
	assert.Equal(t, 3, sum.Synced, "only ids after the cursor are visited")
	for n := uint64(1); n <= 3; n++ {
		assert.Equal(t, 1, ch.marketReads(n), "id %d reprocessed", n)
	}

	// A full sync that fails early never lowers the cursor.
	ch.setMarketErr(2, transient)
	sum, err = h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sum.Cursor)
	cur, err := h.cursors.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), cur)

	// Nothing new on chain: the run is empty and the cursor holds.
	sum, err = h.syncer.IncrementalSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Zero(t, sum.Synced)
	assert.Equal(t, uint64(6), sum.Cursor)
}

func TestFullSync_AbortsAfterConsecutiveFailures(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 10; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)))
		ch.setMarketErr(n, domain.NewChainError(domain.KindTimeout, "read_market", context.DeadlineExceeded))
	}
	h := newHarness(t, Config{AbortAfter: 3}, ch)

	sum, err := h.syncer.FullSync(context.Background(), domain.SchemaV2)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.True(t, sum.Aborted)
	assert.Len(t, sum.Failed, 3)
	assert.Zero(t, sum.Cursor)
	assert.Equal(t, 3, ch.callCount("read_market"))
}

func TestFullSync_UnknownTuplesSkippedNotAborted(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	ch.addMarket(v2Market(1, baseTime.Add(time.Hour)))
	for n := uint64(2); n <= 5; n++ {
		ch.addMarket(rawV3{num: n})
	}
	ch.addMarket(v2Market(6, baseTime.Add(time.Hour)))
	h := newHarness(t, Config{AbortAfter: 3}, ch)
	ctx := context.Background()

	sum, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.False(t, sum.Aborted)
	assert.Equal(t, 2, sum.Synced)
	assert.Equal(t, 4, sum.Skipped)
	assert.Equal(t, uint64(6), sum.Cursor)
	require.Len(t, sum.Failed, 4)

	var want []reviewFlag
	for n := uint64(2); n <= 5; n++ {
		want = append(want, reviewFlag{domain.NewMarketID(domain.SchemaV2, n), "data_shape"})
		assert.Equal(t, "data_shape", sum.Failed[n-2].Kind)
	}
	assert.ElementsMatch(t, want, h.review.flags)

	_, err = h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV2, 6))
	assert.NoError(t, err)
}

func TestFullSync_TupleVersionMismatchFlagged(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	ch.addMarket(v1Market(1, baseTime.Add(time.Hour)), "0xAlice")
	ch.addMarket(v2Market(2, baseTime.Add(time.Hour)))
	ch.setStake(1, "0xalice", domain.TokenNative, 5, 0, false)
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()

	sum, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, uint64(1), sum.Failed[0].ID)
	assert.Equal(t, "data_shape", sum.Failed[0].Kind)

	_, err = h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV1, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound, "nothing lands under the tuple's version")
	_, err = h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV2, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.stakes.Get(ctx, "0xalice", domain.NewMarketID(domain.SchemaV2, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, []reviewFlag{{domain.NewMarketID(domain.SchemaV2, 1), "data_shape"}}, h.review.flags)
}

func TestIncrementalSync_ConcurrentPoolStopsCursorAtTransientFailure(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 10; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)), fmt.Sprintf("0x%02d", n))
		ch.setStake(n, fmt.Sprintf("0x%02d", n), domain.TokenNative, int64(n), 0, false)
	}
	ch.setMarketErr(7, domain.NewChainError(domain.KindTimeout, "read_market", context.DeadlineExceeded))
	h := newHarness(t, Config{Concurrency: 4}, ch)
	ctx := context.Background()

	// Ids 1 and 2 are both in flight before either is released.
	gates := map[uint64]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})}
	ch.mu.Lock()
	for n, g := range gates {
		ch.gates[n] = g
	}
	ch.mu.Unlock()

	type result struct {
		sum domain.RunSummary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := h.syncer.IncrementalSync(ctx, domain.SchemaV2)
		done <- result{sum, err}
	}()

	var entered []uint64
	for range gates {
		select {
		case n := <-ch.entered:
			entered = append(entered, n)
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not run in parallel")
		}
	}
	assert.ElementsMatch(t, []uint64{1, 2}, entered)
	ch.mu.Lock()
	for n, g := range gates {
		delete(ch.gates, n)
		close(g)
	}
	ch.mu.Unlock()

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 9, res.sum.Synced)
	require.Len(t, res.sum.Failed, 1)
	assert.Equal(t, uint64(7), res.sum.Failed[0].ID)
	assert.Equal(t, "timeout", res.sum.Failed[0].Kind)
	assert.Equal(t, uint64(6), res.sum.Cursor, "cursor stops before the failed id")

	cur, err := h.cursors.Get(ctx, domain.CursorKey(domain.SchemaV2))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), cur)
	for n := uint64(1); n <= 10; n++ {
		assert.Equal(t, 1, ch.marketReads(n), "id %d", n)
		if n == 7 {
			continue
		}
		st, err := h.stakes.Get(ctx, fmt.Sprintf("0x%02d", n), domain.NewMarketID(domain.SchemaV2, n))
		require.NoError(t, err, "id %d", n)
		assert.Equal(t, int64(n), st.Positions.Native.Yes.Int64())
	}

	ch.setMarketErr(7, nil)
	sum, err := h.syncer.IncrementalSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Synced, "ids 7 through 10 are revisited")
	assert.Equal(t, uint64(10), sum.Cursor)
}

func TestFullSync_InterCallDelaySpacesSequentialReads(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 3; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)))
	}
	delay := 20 * time.Millisecond
	h := newHarness(t, Config{Concurrency: 1, InterCallDelay: delay}, ch)

	start := time.Now()
	sum, err := h.syncer.FullSync(context.Background(), domain.SchemaV2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*delay)
	assert.Equal(t, 3, sum.Synced)
	assert.Equal(t, uint64(3), sum.Cursor)
}

func TestFullSync_InterCallDelayStopsOnCancel(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 3; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)))
	}
	h := newHarness(t, Config{Concurrency: 1, InterCallDelay: time.Hour}, ch)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	sum, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, sum.Aborted)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, uint64(1), sum.Cursor)
	assert.Zero(t, ch.marketReads(2))
}

func TestIncrementalSync_CancelMidRunResumesFromCursor(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 6; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)))
	}
	gate := make(chan struct{})
	ch.mu.Lock()
	ch.gates[4] = gate
	ch.mu.Unlock()
	h := newHarness(t, Config{}, ch)
	key := domain.CursorKey(domain.SchemaV2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		wg  sync.WaitGroup
		sum domain.RunSummary
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sum, err = h.syncer.IncrementalSync(ctx, domain.SchemaV2)
	}()
	require.Equal(t, uint64(4), <-ch.entered)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Aborted)
	assert.Equal(t, 3, sum.Synced)
	assert.Equal(t, uint64(3), sum.Cursor)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, "cancelled", sum.Failed[0].Kind)
	assert.Zero(t, ch.marketReads(5), "no dispatch after cancel")
	assert.Empty(t, h.review.flags)

	bg := context.Background()
	cur, err := h.cursors.Get(bg, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cur)

	ch.mu.Lock()
	delete(ch.gates, 4)
	ch.mu.Unlock()
	close(gate)

	sum, err = h.syncer.IncrementalSync(bg, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Synced)
	assert.Equal(t, uint64(6), sum.Cursor)
	for n := uint64(1); n <= 3; n++ {
		assert.Equal(t, 1, ch.marketReads(n), "id %d reprocessed", n)
	}
	_, err = h.markets.Get(bg, domain.NewMarketID(domain.SchemaV2, 4))
	assert.NoError(t, err)
}

func TestFullSync_EntityCountFailureAborts(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	ch.countErr = domain.NewChainError(domain.KindRateLimited, "read_entity_count", errors.New("429"))
	h := newHarness(t, Config{}, ch)

	sum, err := h.syncer.FullSync(context.Background(), domain.SchemaV2)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.True(t, sum.Aborted)
	assert.NotEmpty(t, sum.AbortReason)
}

func TestSyncer_CacheWriteFailsIDOnly(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	ch.addMarket(v2Market(1, baseTime.Add(time.Hour)))
	h := newHarness(t, Config{}, ch)
	h.mr.SetError("READONLY You can't write against a read only replica.")

	sum, err := h.syncer.TargetedSync(context.Background(), domain.SchemaV2, 1)
	require.NoError(t, err)
	assert.Zero(t, sum.Synced)
	require.Len(t, sum.Failed, 1)
}

func TestSyncer_VersionBranches(t *testing.T) {
	v1 := newFakeChain(domain.SchemaV1)
	v1.addMarket(v1Market(1, baseTime.Add(time.Hour)), "0xDan")
	v1.setStake(1, "0xdan", domain.TokenAlt, 3, 0, false)
	v2 := scenarioChain()
	h := newHarness(t, Config{}, v1, v2)
	ctx := context.Background()

	assert.Equal(t, []domain.SchemaVersion{domain.SchemaV1, domain.SchemaV2}, h.syncer.Versions())

	sum, err := h.syncer.FullSync(ctx, domain.SchemaV1)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Synced)
	_, err = h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)

	rec, err := h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV1, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusActive, rec.Status)
	assert.Equal(t, []string{"0xdan"}, rec.Participants)

	ids, err := h.markets.IDs(ctx, domain.SchemaV1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	ids, err = h.markets.IDs(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	_, err = h.syncer.FullSync(ctx, domain.SchemaVersion("v9"))
	assert.ErrorIs(t, err, domain.ErrUnknownVersion)
}

func TestRecentWindowSync_IgnoresCursor(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 8; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)))
	}
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()
	require.NoError(t, h.cursors.Advance(ctx, domain.CursorKey(domain.SchemaV2), 8))

	sum, err := h.syncer.Run(ctx, domain.SyncRequest{Strategy: domain.StrategyRecentWindow, Version: domain.SchemaV2, Count: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Synced)
	for n := uint64(1); n <= 8; n++ {
		want := 0
		if n >= 6 {
			want = 1
		}
		assert.Equal(t, want, ch.marketReads(n), "id %d", n)
	}
}

func TestActiveOnlySync_ScenarioB(t *testing.T) {
	ch := scenarioChain()
	ch.addMarket(v2Market(4, baseTime.Add(3*time.Hour)), "0xDave")
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()

	_, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	before := ch.callCount("read_stake")

	// Market 2's deadline passes; market 4 gains a new participant.
	h.advance(90 * time.Minute)
	ch.addMarket(v2Market(4, baseTime.Add(3*time.Hour)), "0xDave", "0xErin")
	ch.setStake(4, "0xerin", domain.TokenStable, 9, 0, false)

	sum, err := h.syncer.ActiveOnlySync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, 1, ch.marketReads(2), "expired market is not read again")
	assert.Equal(t, 2, ch.marketReads(4))
	assert.Equal(t, before+3, ch.callCount("read_stake"), "only the new participant's stakes are read")

	rec, err := h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV2, 2))
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusExpired, rec.Status)

	active, err := h.markets.IDsByStatus(ctx, domain.MarketStatusActive)
	require.NoError(t, err)
	assert.Equal(t, []domain.MarketID{domain.NewMarketID(domain.SchemaV2, 4)}, active)

	rec, err = h.markets.Get(ctx, domain.NewMarketID(domain.SchemaV2, 4))
	require.NoError(t, err)
	assert.Equal(t, []string{"0xdave", "0xerin"}, rec.Participants)
}

func TestClaimReconciliation_ScenarioC(t *testing.T) {
	ch := scenarioChain()
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()
	id := domain.NewMarketID(domain.SchemaV2, 1)

	_, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)

	// Bob claims natively; the chain also drifts on his stable position that
	// the cache already holds as claimed.
	bob, err := h.stakes.Get(ctx, "0xbob", id)
	require.NoError(t, err)
	bob.Positions.Stable.Claimed = true
	require.NoError(t, h.stakes.Put(ctx, bob))
	ch.setStake(1, "0xbob", domain.TokenNative, 0, 40, true)

	sum, err := h.syncer.ClaimReconciliation(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reconciled)
	assert.Equal(t, 1, sum.Anomalies)

	got, err := h.stakes.Get(ctx, "0xbob", id)
	require.NoError(t, err)
	assert.True(t, got.Positions.Native.Claimed, "false to true is applied")
	assert.True(t, got.Positions.Stable.Claimed, "true to false is not")
	assert.Equal(t, 1, h.audit.count("claim.anomaly"))
	assert.Equal(t, 2, sum.Synced, "only settled markets 1 and 3 are visited")
}

func TestTargetedSync_ScenarioD(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 7; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)), fmt.Sprintf("0x%02d", n))
		ch.setStake(n, fmt.Sprintf("0x%02d", n), domain.TokenNative, int64(n), 0, false)
	}
	h := newHarness(t, Config{LockWait: 50 * time.Millisecond}, ch)
	ctx := context.Background()
	id := domain.NewMarketID(domain.SchemaV2, 7)

	_, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)

	// ActiveOnlySync holds id 7's lock while blocked mid-read.
	gate := make(chan struct{})
	ch.mu.Lock()
	ch.gates[7] = gate
	ch.mu.Unlock()

	var (
		wg        sync.WaitGroup
		activeSum domain.RunSummary
		activeErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		activeSum, activeErr = h.syncer.ActiveOnlySync(ctx, domain.SchemaV2)
	}()
	require.Equal(t, uint64(7), <-ch.entered)

	sum, err := h.syncer.TargetedSync(ctx, domain.SchemaV2, 7)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Synced)

	ch.mu.Lock()
	delete(ch.gates, 7)
	ch.mu.Unlock()
	close(gate)
	wg.Wait()
	require.NoError(t, activeErr)
	assert.Equal(t, 7, activeSum.Synced)

	// The reverse: a targeted refresh holding the lock makes the background
	// strategy skip the id.
	unlock, err := h.locks.Acquire(ctx, id.LockName(), time.Minute)
	require.NoError(t, err)
	activeSum, err = h.syncer.ActiveOnlySync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 6, activeSum.Synced)
	assert.Equal(t, 1, activeSum.Skipped)
	unlock()

	sum, err = h.syncer.TargetedSync(ctx, domain.SchemaV2, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Synced)

	rec, err := h.markets.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x07"}, rec.Participants)
	st, err := h.stakes.Get(ctx, "0x07", id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Positions.Native.Yes.Int64())
}

func TestEventSync_RefreshesLoggedMarkets(t *testing.T) {
	ch := newFakeChain(domain.SchemaV2)
	for n := uint64(1); n <= 4; n++ {
		ch.addMarket(v2Market(n, baseTime.Add(time.Hour)))
	}
	ch.head = 120
	ch.events = []domain.ChainEvent{
		{Name: domain.EventStakePlaced, MarketNum: 2, Block: 101},
		{Name: domain.EventMarketResolved, MarketNum: 3, Block: 110},
		{Name: domain.EventStakePlaced, MarketNum: 2, Block: 111},
		{Name: domain.EventStakePlaced, MarketNum: 4, Block: 118},
	}
	h := newHarness(t, Config{Confirmations: 5, DeployBlocks: map[domain.SchemaVersion]uint64{domain.SchemaV2: 100}}, ch)
	ctx := context.Background()

	sum, err := h.syncer.EventSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Synced)
	assert.Equal(t, uint64(115), sum.Cursor)
	assert.Equal(t, 0, ch.marketReads(1))
	assert.Equal(t, 1, ch.marketReads(2))
	assert.Equal(t, 0, ch.marketReads(4), "block 118 is not yet confirmed")

	// A transient failure keeps the watermark for the next run.
	ch.head = 130
	ch.setMarketErr(4, domain.NewChainError(domain.KindTimeout, "read_market", errors.New("timeout")))
	sum, err = h.syncer.EventSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, uint64(115), sum.Cursor)

	ch.setMarketErr(4, nil)
	sum, err = h.syncer.EventSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	assert.Equal(t, uint64(125), sum.Cursor)
	assert.Equal(t, 1, sum.Synced)
}

func TestPurge_KeepsStakes(t *testing.T) {
	ch := scenarioChain()
	h := newHarness(t, Config{}, ch)
	ctx := context.Background()
	id := domain.NewMarketID(domain.SchemaV2, 1)

	_, err := h.syncer.FullSync(ctx, domain.SchemaV2)
	require.NoError(t, err)
	require.NoError(t, h.syncer.Purge(ctx, id))

	_, err = h.markets.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	st, err := h.stakes.Get(ctx, "0xalice", id)
	require.NoError(t, err)
	assert.True(t, st.Positions.Native.Claimed)
	assert.Equal(t, 1, h.audit.count("market.purge"))

	_, err = h.syncer.UpdateDisplay(ctx, id, domain.DisplayMeta{Title: "gone"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRun_UnknownStrategy(t *testing.T) {
	h := newHarness(t, Config{}, newFakeChain(domain.SchemaV2))
	_, err := h.syncer.Run(context.Background(), domain.SyncRequest{Strategy: "bogus", Version: domain.SchemaV2})
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestNewSyncer_ValidatesDeps(t *testing.T) {
	_, err := NewSyncer(Deps{}, Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market cache is required")
	assert.Contains(t, err.Error(), "no chain readers")
}

func TestIDRange(t *testing.T) {
	assert.Nil(t, idRange(1, 1))
	assert.Nil(t, idRange(5, 3))
	assert.Equal(t, []uint64{1, 2, 3}, idRange(0, 4))
	assert.Equal(t, []uint64{4}, idRange(4, 5))
}

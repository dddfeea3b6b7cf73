package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

func TestCounters(t *testing.T) {
	c, _ := newTestClient(t)
	ctr := NewCounters(c)
	ctx := context.Background()

	v, err := ctr.Value(ctx, "synced:v2")
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = ctr.Incr(ctx, "synced:v2", 3)
	require.NoError(t, err)
	n, err := ctr.Incr(ctx, "synced:v2", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestStatsCache_TTL(t *testing.T) {
	c, mr := newTestClient(t)
	sc := NewStatsCache(c)
	ctx := context.Background()

	_, err := sc.Get(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, sc.Set(ctx, domain.StatsSnapshot{TotalMarkets: 4, TopCategory: "sports"}, 2*time.Minute))
	got, err := sc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalMarkets)

	mr.FastForward(3 * time.Minute)
	_, err = sc.Get(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

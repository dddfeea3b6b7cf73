package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

type fakeLimiter struct {
	allow   bool
	waitErr error
	waits   int
}

func (f *fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return f.allow, nil
}

func (f *fakeLimiter) Wait(context.Context, string, int, time.Duration) error {
	f.waits++
	return f.waitErr
}

func TestThrottled(t *testing.T) {
	next := &scriptedReader{}
	lim := &fakeLimiter{allow: true}
	th := NewThrottled(next, lim, ThrottleConfig{Limit: 10, Window: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := th.ReadEntityCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 12, n)
	assert.Zero(t, lim.waits)

	lim.allow = false
	_, err = th.ReadEntityCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lim.waits)

	lim.waitErr = errors.New("redis down")
	_, err = th.ReadEntityCount(ctx)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 2, next.calls)
}

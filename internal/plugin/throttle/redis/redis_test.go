package redis_test

import (
	"context"
	"testing"
	"time"

	throttleredis "github.com/chirino/commsync/internal/plugin/throttle/redis"
	"github.com/chirino/commsync/internal/testutil/testredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisThrottleSharesReservations(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx := context.Background()

	a, err := throttleredis.LoadFromURL(ctx, url)
	require.NoError(t, err)
	defer a.Close()
	b, err := throttleredis.LoadFromURL(ctx, url)
	require.NoError(t, err)
	defer b.Close()

	ok, _, err := a.Allow(ctx, "acme|contact|c-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, left, err := b.Allow(ctx, "acme|contact|c-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second replica sees the reservation")
	assert.Greater(t, left, time.Duration(0))
}

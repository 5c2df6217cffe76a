//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstore "github.com/ramiqadoumi/ticketflow/internal/redis"
)

func TestLeader_SingleLeaderRenews(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	a := redisstore.NewLeader(client, "reconciler:leader", "a", time.Minute)
	b := redisstore.NewLeader(client, "reconciler:leader", "b", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "the holder keeps leading")
}

func TestLeader_TakeoverAfterLeaseExpires(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	a := redisstore.NewLeader(client, "reconciler:leader", "a", 100*time.Millisecond)
	b := redisstore.NewLeader(client, "reconciler:leader", "b", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(200 * time.Millisecond)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

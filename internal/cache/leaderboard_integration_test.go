//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"example.com/wellness/internal/domain"
	"example.com/wellness/internal/logger"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	rdb, err := NewRedisClient(ctx, opts.Addr, opts.Password, opts.DB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func sampleEntries(score int) []domain.LeaderboardEntry {
	return []domain.LeaderboardEntry{{
		Rank:            1,
		ParticipationID: "p-1",
		UserID:          "u-1",
		DisplayName:     "Ana",
		TotalScore:      score,
		JoinedAt:        time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}}
}

func TestRedisLeaderboardCacheLifecycle(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	cache := NewRedisLeaderboardCache(rdb, time.Minute, logger.NewNop())

	hits := testutil.ToFloat64(lookups.WithLabelValues("hit"))
	misses := testutil.ToFloat64(lookups.WithLabelValues("miss"))
	stored := testutil.ToFloat64(writes.WithLabelValues("stored"))

	_, ok, err := cache.Get(ctx, "c-1", 10)
	require.NoError(t, err)
	require.False(t, ok)

	gen, err := cache.Generation(ctx, "c-1")
	require.NoError(t, err)
	require.Zero(t, gen)

	require.NoError(t, cache.Set(ctx, "c-1", 10, gen, sampleEntries(40)))
	require.NoError(t, cache.Set(ctx, "c-1", 3, gen, sampleEntries(40)))

	ttl, err := rdb.TTL(ctx, key("c-1")).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Minute)

	got, ok, err := cache.Get(ctx, "c-1", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 40, got[0].TotalScore)
	require.Equal(t, "Ana", got[0].DisplayName)

	require.NoError(t, cache.Invalidate(ctx, "c-1"))
	for _, limit := range []int{10, 3} {
		_, ok, err = cache.Get(ctx, "c-1", limit)
		require.NoError(t, err)
		require.False(t, ok, "limit %d should be dropped", limit)
	}

	gen, err = cache.Generation(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)

	require.Equal(t, hits+1, testutil.ToFloat64(lookups.WithLabelValues("hit")))
	require.Equal(t, misses+3, testutil.ToFloat64(lookups.WithLabelValues("miss")))
	require.Equal(t, stored+2, testutil.ToFloat64(writes.WithLabelValues("stored")))
}

func TestRedisLeaderboardCacheSkipsWriteFromOlderGeneration(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	cache := NewRedisLeaderboardCache(rdb, time.Minute, logger.NewNop())
	stale := testutil.ToFloat64(writes.WithLabelValues("stale"))

	before, err := cache.Generation(ctx, "c-2")
	require.NoError(t, err)

	// A write lands between the generation read and the store.
	require.NoError(t, cache.Invalidate(ctx, "c-2"))

	require.NoError(t, cache.Set(ctx, "c-2", 10, before, sampleEntries(0)))
	_, ok, err := cache.Get(ctx, "c-2", 10)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, stale+1, testutil.ToFloat64(writes.WithLabelValues("stale")))

	current, err := cache.Generation(ctx, "c-2")
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, "c-2", 10, current, sampleEntries(25)))
	got, ok, err := cache.Get(ctx, "c-2", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 25, got[0].TotalScore)
}

func TestRedisLeaderboardCacheCountsErrors(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	cache := NewRedisLeaderboardCache(rdb, time.Minute, logger.NewNop())
	errorsBefore := testutil.ToFloat64(lookups.WithLabelValues("error"))

	require.NoError(t, rdb.HSet(ctx, key("c-3"), "10", "{not json").Err())
	_, ok, err := cache.Get(ctx, "c-3", 10)
	require.Error(t, err)
	require.False(t, ok)
	require.Equal(t, errorsBefore+1, testutil.ToFloat64(lookups.WithLabelValues("error")))

	require.NoError(t, rdb.Set(ctx, generationKey("c-3"), "not-a-number", 0).Err())
	_, err = cache.Generation(ctx, "c-3")
	require.Error(t, err)
}

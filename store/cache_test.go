package store

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCacheStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	return New(nil, client, logger, &StoreConfig{StatusCacheDurSec: 10}), mr
}

func TestNewStoreDefaultsConfig(t *testing.T) {
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())

	st := New(nil, nil, logger, nil)
	assert.Equal(t, BATCHSERV_DEADLOCK_MAXTRIES, st.config.DeadlockMaxTries)
	assert.Equal(t, BATCHSERV_STATUS_CACHEDUR_SEC, st.config.StatusCacheDurSec)

	st = New(nil, nil, logger, &StoreConfig{DeadlockMaxTries: 2})
	assert.Equal(t, 2, st.config.DeadlockMaxTries)
	assert.Equal(t, BATCHSERV_STATUS_CACHEDUR_SEC, st.config.StatusCacheDurSec)
}

func TestBatchStatusCache(t *testing.T) {
	st, mr := newCacheStore(t)
	ctx := context.Background()

	assert.Equal(t, "", st.CachedBatchStatus(ctx, 7))

	st.CacheBatchStatus(ctx, 7, "running", false)
	assert.Equal(t, "running", st.CachedBatchStatus(ctx, 7))

	ttl := mr.TTL(GetBatchStatusRedisKey(7))
	require.Equal(t, 10*time.Second, ttl)

	// terminal states never change, so they cache much longer
	st.CacheBatchStatus(ctx, 7, "success", true)
	ttl = mr.TTL(GetBatchStatusRedisKey(7))
	require.Equal(t, 1000*time.Second, ttl)

	mr.FastForward(1001 * time.Second)
	assert.Equal(t, "", st.CachedBatchStatus(ctx, 7))
}

func TestBatchStatusCacheWithoutRedis(t *testing.T) {
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	st := New(nil, nil, logger, nil)
	ctx := context.Background()

	st.CacheBatchStatus(ctx, 1, "running", false)
	assert.Equal(t, "", st.CachedBatchStatus(ctx, 1))
}

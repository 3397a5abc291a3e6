package agents

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
)

func TestLocalLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	lru := NewLocalLRU("test", 2)
	lru.Set(ctx, "a", parisDocs[:1], time.Minute)
	lru.Set(ctx, "b", parisDocs[1:], time.Minute)

	_, ok := lru.Get(ctx, "a") // a becomes most recent
	require.True(t, ok)
	lru.Set(ctx, "c", parisDocs, time.Minute)

	_, ok = lru.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = lru.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, lru.Len())
}

func TestLocalLRU_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	lru := NewLocalLRU("test", 4)
	lru.now = func() time.Time { return now }

	lru.Set(ctx, "k", parisDocs, time.Second)
	_, ok := lru.Get(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = lru.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, lru.Len())
}

func TestRedisCache_RoundTripAndCorruptEntry(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	cache := NewRedisCache(circuitbreaker.NewRedisWrapper(client, circuitbreaker.RedisSettings(), nil), zaptest.NewLogger(t))
	ctx := context.Background()

	cache.Set(ctx, "qp:k", parisDocs, time.Minute)
	got, ok := cache.Get(ctx, "qp:k")
	require.True(t, ok)
	assert.Equal(t, parisDocs, got)
	assert.True(t, s.TTL("qp:k") > 0)

	require.NoError(t, s.Set("qp:bad", "not msgpack"))
	_, ok = cache.Get(ctx, "qp:bad")
	assert.False(t, ok)

	_, ok = cache.Get(ctx, "qp:missing")
	assert.False(t, ok)
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("qp:retrieval", "semantic", "8", "paris")
	assert.Equal(t, a, CacheKey("qp:retrieval", "semantic", "8", "paris"))
	assert.NotEqual(t, a, CacheKey("qp:retrieval", "keyword", "8", "paris"))
	assert.Contains(t, a, "qp:retrieval:")
}

package agents

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// DocumentCache stores search results by request key.
type DocumentCache interface {
	Get(ctx context.Context, key string) (pipeline.Documents, bool)
	Set(ctx context.Context, key string, docs pipeline.Documents, ttl time.Duration)
}

// CacheKey hashes the parts of a search request into a cache key.
func CacheKey(prefix string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return prefix + ":" + hex.EncodeToString(h[:16])
}

// LocalLRU is an in-process LRU with per-entry TTL.
type LocalLRU struct {
	name string
	now  func() time.Time

	mu   sync.Mutex
	cap  int
	list *list.List // front = most recent
	m    map[string]*list.Element
}

type lruEntry struct {
	key  string
	docs pipeline.Documents
	exp  time.Time
}

func NewLocalLRU(name string, capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{
		name: name,
		now:  time.Now,
		cap:  capacity,
		list: list.New(),
		m:    make(map[string]*list.Element, capacity),
	}
}

func (l *LocalLRU) Get(_ context.Context, key string) (pipeline.Documents, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(l.now()) {
			l.list.MoveToFront(el)
			return ent.docs, true
		}
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, docs pipeline.Documents, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: key, docs: docs, exp: l.now().Add(ttl)}
	if el, ok := l.m[key]; ok {
		el.Value = ent
		l.list.MoveToFront(el)
		return
	}
	l.m[key] = l.list.PushFront(ent)
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			delete(l.m, lru.Value.(lruEntry).key)
			l.list.Remove(lru)
			metrics.CacheEvictions.WithLabelValues(l.name).Inc()
		}
	}
}

// Len returns the number of entries, expired ones included.
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// RedisCache stores msgpack-encoded documents behind the Redis breaker.
type RedisCache struct {
	cli    *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

func NewRedisCache(cli *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{cli: cli, logger: logger}
}

func (r *RedisCache) Get(ctx context.Context, key string) (pipeline.Documents, bool) {
	b, err := r.cli.Get(ctx, key)
	if err != nil || len(b) == 0 {
		return nil, false
	}
	var docs pipeline.Documents
	if err := msgpack.Unmarshal(b, &docs); err != nil {
		r.logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return docs, true
}

func (r *RedisCache) Set(ctx context.Context, key string, docs pipeline.Documents, ttl time.Duration) {
	b, err := msgpack.Marshal(docs)
	if err != nil {
		return
	}
	if err := r.cli.Set(ctx, key, b, ttl); err != nil {
		r.logger.Debug("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// TieredCache reads the local layer first and backfills it from Redis.
type TieredCache struct {
	name   string
	local  *LocalLRU
	remote DocumentCache
}

// NewTieredCache builds a two-layer cache. remote may be nil.
func NewTieredCache(name string, local *LocalLRU, remote DocumentCache) *TieredCache {
	return &TieredCache{name: name, local: local, remote: remote}
}

func (c *TieredCache) Get(ctx context.Context, key string) (pipeline.Documents, bool) {
	if docs, ok := c.local.Get(ctx, key); ok {
		metrics.CacheHits.WithLabelValues(c.name, "local").Inc()
		return docs, true
	}
	if c.remote != nil {
		if docs, ok := c.remote.Get(ctx, key); ok {
			metrics.CacheHits.WithLabelValues(c.name, "redis").Inc()
			c.local.Set(ctx, key, docs, time.Minute)
			return docs, true
		}
	}
	metrics.CacheMisses.WithLabelValues(c.name).Inc()
	return nil, false
}

func (c *TieredCache) Set(ctx context.Context, key string, docs pipeline.Documents, ttl time.Duration) {
	c.local.Set(ctx, key, docs, ttl)
	if c.remote != nil {
		c.remote.Set(ctx, key, docs, ttl)
	}
}

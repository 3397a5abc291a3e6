package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const serviceRedis = "redis"

// RedisWrapper wraps Redis client with circuit breaker
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, settings Settings, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", settings, logger)
	instrument(cb, serviceRedis)
	return &RedisWrapper{client: client, cb: cb}
}

// run executes cmd through the breaker. redis.Nil is a miss, not a failure.
func (rw *RedisWrapper) run(ctx context.Context, cmd func() redis.Cmder) error {
	var result redis.Cmder
	err := rw.cb.Execute(ctx, func() error {
		result = cmd()
		if errors.Is(result.Err(), redis.Nil) {
			return nil
		}
		return result.Err()
	})
	recordRequest(rw.cb, serviceRedis, err)
	if err != nil {
		return err
	}
	return result.Err()
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() redis.Cmder { return rw.client.Ping(ctx) })
}

// Get returns the value at key. A missing key yields redis.Nil.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := rw.run(ctx, func() redis.Cmder {
		cmd := rw.client.Get(ctx, key)
		val, _ = cmd.Bytes()
		return cmd
	})
	return val, err
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return rw.run(ctx, func() redis.Cmder { return rw.client.Set(ctx, key, value, expiration) })
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.run(ctx, func() redis.Cmder { return rw.client.Del(ctx, keys...) })
}

// XAdd appends an entry to a stream and returns its id.
func (rw *RedisWrapper) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	var id string
	err := rw.run(ctx, func() redis.Cmder {
		cmd := rw.client.XAdd(ctx, args)
		id = cmd.Val()
		return cmd
	})
	return id, err
}

// XRange reads stream entries between start and stop inclusive.
func (rw *RedisWrapper) XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	err := rw.run(ctx, func() redis.Cmder {
		cmd := rw.client.XRange(ctx, stream, start, stop)
		msgs = cmd.Val()
		return cmd
	})
	return msgs, err
}

// Expire sets a TTL on key.
func (rw *RedisWrapper) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return rw.run(ctx, func() redis.Cmder { return rw.client.Expire(ctx, key, ttl) })
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// Client returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) Client() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}

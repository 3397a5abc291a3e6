package streaming

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// StreamKey is the Redis stream holding a trace's progress events.
func StreamKey(traceID string) string { return "querypipe:events:" + traceID }

// RedisStore mirrors progress events into one Redis stream per trace so any
// replica can replay them.
type RedisStore struct {
	cli    *circuitbreaker.RedisWrapper
	maxLen int64
	ttl    time.Duration
}

// NewRedisStore trims each stream to about maxLen entries and expires it ttl
// after the last write.
func NewRedisStore(cli *circuitbreaker.RedisWrapper, maxLen int64, ttl time.Duration) *RedisStore {
	if maxLen <= 0 {
		maxLen = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{cli: cli, maxLen: maxLen, ttl: ttl}
}

func (s *RedisStore) Append(ctx context.Context, evt Event) error {
	key := StreamKey(evt.TraceID)
	_, err := s.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"seq":    evt.Seq,
			"type":   evt.Type,
			"stage":  evt.Stage,
			"status": string(evt.Status),
			"data":   string(evt.Data),
			"ts":     evt.Timestamp.UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	return s.cli.Expire(ctx, key, s.ttl)
}

// Replay returns stored events with Seq > since in stream order.
func (s *RedisStore) Replay(ctx context.Context, traceID string, since uint64) ([]Event, error) {
	msgs, err := s.cli.XRange(ctx, StreamKey(traceID), "-", "+")
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		evt := decode(traceID, m.Values)
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

func decode(traceID string, v map[string]any) Event {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	evt := Event{
		TraceID: traceID,
		Type:    str("type"),
		Stage:   str("stage"),
		Status:  pipeline.StageStatus(str("status")),
	}
	evt.Seq, _ = strconv.ParseUint(str("seq"), 10, 64)
	if ms, err := strconv.ParseInt(str("ts"), 10, 64); err == nil {
		evt.Timestamp = time.UnixMilli(ms).UTC()
	}
	if d := str("data"); d != "" {
		evt.Data = []byte(d)
	}
	return evt
}

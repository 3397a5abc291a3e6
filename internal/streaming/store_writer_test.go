package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/degradation"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// slowStore takes delay per append, or blocks until release is closed.
type slowStore struct {
	delay   time.Duration
	release chan struct{}

	mu     sync.Mutex
	events []Event
}

func (s *slowStore) Append(ctx context.Context, evt Event) error {
	wait := s.release
	if wait == nil {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		<-wait
	}
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *slowStore) Replay(context.Context, string, uint64) ([]Event, error) { return nil, nil }

func (s *slowStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestManager_SlowStoreDoesNotBlockPublish(t *testing.T) {
	store := &slowStore{delay: 100 * time.Millisecond}
	m := NewManager(8, store, zaptest.NewLogger(t), WithStoreTimeout(time.Second))

	start := time.Now()
	for i := 0; i < 5; i++ {
		m.Publish("t1", Event{Type: EventStage, Stage: "retrieval"})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Len(t, m.ReplaySince("t1", 0), 5)

	// Close flushes what is still queued.
	m.Close()
	assert.Equal(t, 5, store.stored())
	m.Close()
}

func TestManager_FullStoreQueueDropsEvents(t *testing.T) {
	store := &slowStore{release: make(chan struct{})}
	m := NewManager(8, store, nil, WithStoreQueue(1))

	start := time.Now()
	for i := 0; i < 10; i++ {
		m.Publish("t1", Event{Type: EventStage})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(store.release)
	m.Close()
	stored := store.stored()
	assert.GreaterOrEqual(t, stored, 1)
	assert.Less(t, stored, 10)
	assert.Len(t, m.ReplaySince("t1", 0), 8)
}

func TestManager_SlowStoreDoesNotExtendRun(t *testing.T) {
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Register(pipeline.KindSynthesis, pipeline.AgentFunc(
		func(context.Context, *pipeline.QueryContext) pipeline.AgentResult {
			return pipeline.Succeeded(pipeline.Answer{Text: "Paris is the capital of France.", Confidence: 0.9}, 0.9)
		})))
	agg, err := degradation.NewAggregator(degradation.DefaultConfig())
	require.NoError(t, err)
	budget := 500 * time.Millisecond
	coord, err := pipeline.NewCoordinator(pipeline.PipelineConfig{
		GlobalBudget: budget,
		Stages: []pipeline.StageDescriptor{{
			Name:     "synthesis",
			Role:     pipeline.RoleSynthesis,
			Agents:   []pipeline.Kind{pipeline.KindSynthesis},
			Mode:     pipeline.ModeSequential,
			Timeout:  100 * time.Millisecond,
			Required: true,
			Output:   pipeline.SlotAnswer,
		}},
	}, reg, agg, pipeline.Options{})
	require.NoError(t, err)

	m := NewManager(16, &slowStore{delay: 300 * time.Millisecond}, nil)
	defer m.Close()

	start := time.Now()
	res := coord.Run(context.Background(), "What is the capital of France?", pipeline.RunOptions{TraceID: "t1", Sink: m})
	elapsed := time.Since(start)

	assert.True(t, res.Success)
	assert.Less(t, elapsed, budget+100*time.Millisecond)
	evs := m.ReplaySince("t1", 0)
	require.NotEmpty(t, evs)
	assert.True(t, evs[len(evs)-1].Terminal())
}

package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// Event types.
const (
	EventStage = "stage_update"
	EventDone  = "pipeline_done"
)

// Event is one progress update as delivered to SSE and WebSocket clients.
type Event struct {
	TraceID   string               `json:"trace_id"`
	Type      string               `json:"type"`
	Stage     string               `json:"stage"`
	Status    pipeline.StageStatus `json:"status"`
	Data      json.RawMessage      `json:"data,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Seq       uint64               `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether the event closes the run.
func (e Event) Terminal() bool { return e.Type == EventDone }

// FromProgress converts a pipeline progress event. The artifact is encoded
// once so subscribers never share the run's live values.
func FromProgress(p pipeline.ProgressEvent, now time.Time) Event {
	evt := Event{TraceID: p.TraceID, Type: EventStage, Stage: p.Stage, Status: p.Status, Timestamp: now}
	if p.Stage == pipeline.PipelineStage {
		evt.Type = EventDone
	}
	if p.Artifact != nil {
		if b, err := json.Marshal(p.Artifact); err == nil {
			evt.Data = b
		}
	}
	return evt
}

// Store persists events beyond the in-memory ring, e.g. for other replicas.
type Store interface {
	Append(ctx context.Context, evt Event) error
	Replay(ctx context.Context, traceID string, since uint64) ([]Event, error)
}

// Manager provides in-memory pub/sub of progress events per trace id. It
// implements pipeline.ProgressSink.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-trace ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int

	store        Store
	storeTimeout time.Duration
	storeQueue   int
	writeQueue   chan Event
	stopCh       chan struct{}
	writerWg     sync.WaitGroup
	closeOnce    sync.Once
	logger       *zap.Logger
	now          func() time.Time
}

// Store write defaults.
const (
	DefaultStoreQueue   = 1024
	DefaultStoreTimeout = 500 * time.Millisecond
)

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithStoreQueue bounds the number of events waiting to be written to the
// store. Events published while the queue is full are not persisted.
func WithStoreQueue(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.storeQueue = n
		}
	}
}

// WithStoreTimeout limits a single store write.
func WithStoreTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.storeTimeout = d
		}
	}
}

// NewManager creates a manager keeping capacity events per trace. store may
// be nil; otherwise a background writer persists events and Close must be
// called to stop it.
func NewManager(capacity int, store Store, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		subscribers:  make(map[string]map[chan Event]struct{}),
		history:      make(map[string]*ring),
		capacity:     capacity,
		store:        store,
		storeTimeout: DefaultStoreTimeout,
		storeQueue:   DefaultStoreQueue,
		stopCh:       make(chan struct{}),
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if store != nil {
		m.writeQueue = make(chan Event, m.storeQueue)
		m.writerWg.Add(1)
		go m.storeWriter()
	}
	return m
}

// Close stops the store writer after flushing queued events. It is safe to
// call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.writerWg.Wait()
	})
}

func (m *Manager) storeWriter() {
	defer m.writerWg.Done()
	for {
		select {
		case evt := <-m.writeQueue:
			m.persist(evt)
		case <-m.stopCh:
			for {
				select {
				case evt := <-m.writeQueue:
					m.persist(evt)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) persist(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()
	if err := m.store.Append(ctx, evt); err != nil {
		metrics.StreamEventsDropped.WithLabelValues("store").Inc()
		m.logger.Debug("Failed to persist progress event",
			zap.String("trace_id", evt.TraceID),
			zap.String("stage", evt.Stage),
			zap.Error(err),
		)
	}
}

// Emit implements pipeline.ProgressSink.
func (m *Manager) Emit(p pipeline.ProgressEvent) {
	m.Publish(p.TraceID, FromProgress(p, m.now()))
}

// Subscribe adds a subscriber channel for traceID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(traceID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[traceID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[traceID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(traceID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[traceID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, traceID)
		}
	}
}

// Subscribers returns the number of live subscribers for traceID.
func (m *Manager) Subscribers(traceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[traceID])
}

// Publish assigns the next sequence number, records evt for replay and sends
// it to every subscriber without blocking. Slow subscribers miss events, and
// the store write is queued for the background writer.
func (m *Manager) Publish(traceID string, evt Event) Event {
	m.mu.Lock()
	rg := m.history[traceID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[traceID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.TraceID = traceID
	rg.push(evt)
	rg.touched = m.now()
	// Sends happen under the lock so subscribers see sequence order.
	for ch := range m.subscribers[traceID] {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.WithLabelValues("memory").Inc()
		}
	}
	m.mu.Unlock()

	if m.writeQueue != nil {
		select {
		case <-m.stopCh:
			metrics.StreamEventsDropped.WithLabelValues("store").Inc()
		case m.writeQueue <- evt:
		default:
			metrics.StreamEventsDropped.WithLabelValues("store").Inc()
			m.logger.Debug("Store queue full; progress event not persisted",
				zap.String("trace_id", traceID),
				zap.String("stage", evt.Stage),
			)
		}
	}
	return evt
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(traceID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[traceID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Replay reads from memory and falls back to the store for traces this
// process has not seen.
func (m *Manager) Replay(ctx context.Context, traceID string, since uint64) ([]Event, error) {
	m.mu.RLock()
	_, known := m.history[traceID]
	m.mu.RUnlock()
	if known || m.store == nil {
		return m.ReplaySince(traceID, since), nil
	}
	return m.store.Replay(ctx, traceID, since)
}

// Sweep drops histories untouched for longer than maxAge that have no
// subscribers. It returns the number of traces removed.
func (m *Manager) Sweep(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rg := range m.history {
		if rg.touched.Before(cutoff) && len(m.subscribers[id]) == 0 {
			delete(m.history, id)
			n++
		}
	}
	return n
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
	touched time.Time
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// FanoutSink forwards progress events to several sinks in order.
type FanoutSink []pipeline.ProgressSink

// Emit implements pipeline.ProgressSink. Nil sinks are skipped.
func (f FanoutSink) Emit(evt pipeline.ProgressEvent) {
	for _, s := range f {
		if s != nil {
			s.Emit(evt)
		}
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSlotOwned is returned when a stage writes a slot claimed by another stage.
	ErrSlotOwned = errors.New("artifact slot owned by another stage")
)

// Hint keys understood by the reference agents.
const (
	HintSearchMode = "search_mode"
	HintFallback   = "fallback"
)

type traceKey struct{}

// WithTrace stores the trace id on ctx so transports can propagate it.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceFromContext returns the trace id stored by WithTrace.
func TraceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// QueryContext is the per-query record shared by every stage of one run.
// Query text and hints belong to the view; artifacts, budget and diagnostics
// are shared by all views derived from the same run.
type QueryContext struct {
	query  string
	hints  map[string]string
	shared *runState
}

type runState struct {
	traceID  string
	original string
	deadline time.Time

	mu        sync.RWMutex
	artifacts map[string]Artifact
	order     []string
	tokens    int
	maxTokens int

	diagMu      sync.Mutex
	diagnostics []Diagnostic
}

// ContextOption customizes a new QueryContext.
type ContextOption func(*runState)

// WithTraceID uses a caller supplied trace id instead of a generated one.
func WithTraceID(id string) ContextOption {
	return func(s *runState) {
		if id != "" {
			s.traceID = id
		}
	}
}

// WithDeadline records the run deadline used by RemainingTime.
func WithDeadline(t time.Time) ContextOption {
	return func(s *runState) { s.deadline = t }
}

// WithTokenBudget caps the tokens the run may consume. Zero means unlimited.
func WithTokenBudget(n int) ContextOption {
	return func(s *runState) { s.maxTokens = n }
}

// NewQueryContext creates the record for a single query.
func NewQueryContext(query string, opts ...ContextOption) *QueryContext {
	st := &runState{
		traceID:   uuid.New().String(),
		original:  query,
		artifacts: make(map[string]Artifact),
	}
	for _, opt := range opts {
		opt(st)
	}
	return &QueryContext{query: query, shared: st}
}

// Query returns the query text of this view.
func (qc *QueryContext) Query() string { return qc.query }

// OriginalQuery returns the text the run started with.
func (qc *QueryContext) OriginalQuery() string { return qc.shared.original }

// TraceID returns the run's trace id.
func (qc *QueryContext) TraceID() string { return qc.shared.traceID }

// Hint returns a view hint such as the search mode requested by a fallback.
func (qc *QueryContext) Hint(key string) string { return qc.hints[key] }

// Derive returns a view with a different query text and extra hints. The view
// shares artifacts, budget and diagnostics with its parent.
func (qc *QueryContext) Derive(query string, hints map[string]string) *QueryContext {
	merged := make(map[string]string, len(qc.hints)+len(hints))
	for k, v := range qc.hints {
		merged[k] = v
	}
	for k, v := range hints {
		merged[k] = v
	}
	if query == "" {
		query = qc.query
	}
	return &QueryContext{query: query, hints: merged, shared: qc.shared}
}

// SetArtifact writes value into slot on behalf of owner. The first writer
// claims the slot; later writes by the same owner replace the value.
func (qc *QueryContext) SetArtifact(owner, slot string, value any) error {
	s := qc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.artifacts[slot]; ok {
		if cur.Owner != owner {
			return fmt.Errorf("%w: %q belongs to %q", ErrSlotOwned, slot, cur.Owner)
		}
		cur.Value = value
		s.artifacts[slot] = cur
		return nil
	}
	s.artifacts[slot] = Artifact{Slot: slot, Owner: owner, Value: value}
	s.order = append(s.order, slot)
	return nil
}

// Artifact reads a slot.
func (qc *QueryContext) Artifact(slot string) (any, bool) {
	s := qc.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[slot]
	return a.Value, ok
}

// Artifacts returns every slot in insertion order.
func (qc *QueryContext) Artifacts() []Artifact {
	s := qc.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, 0, len(s.order))
	for _, slot := range s.order {
		out = append(out, s.artifacts[slot])
	}
	return out
}

// Documents collects every Documents artifact in insertion order. When slots
// are given only those are read.
func (qc *QueryContext) Documents(slots ...string) Documents {
	var out Documents
	for _, a := range qc.Artifacts() {
		if len(slots) > 0 && !containsSlot(slots, a.Slot) {
			continue
		}
		if docs, ok := a.Value.(Documents); ok {
			out = append(out, docs...)
		}
	}
	return out
}

// Facts returns the fact-check artifact if present.
func (qc *QueryContext) Facts() (Facts, bool) {
	v, ok := qc.Artifact(SlotFacts)
	if !ok {
		return nil, false
	}
	f, ok := v.(Facts)
	return f, ok
}

// Answer returns the synthesis artifact if present.
func (qc *QueryContext) Answer() (Answer, bool) {
	v, ok := qc.Artifact(SlotAnswer)
	if !ok {
		return Answer{}, false
	}
	a, ok := v.(Answer)
	return a, ok && !a.Empty()
}

func containsSlot(slots []string, slot string) bool {
	for _, s := range slots {
		if s == slot {
			return true
		}
	}
	return false
}

// Deadline returns the run deadline, zero when unbounded.
func (qc *QueryContext) Deadline() time.Time { return qc.shared.deadline }

// RemainingTime returns the wall-clock budget left. Unbounded runs report a
// negative duration.
func (qc *QueryContext) RemainingTime() time.Duration {
	if qc.shared.deadline.IsZero() {
		return -1
	}
	d := time.Until(qc.shared.deadline)
	if d < 0 {
		return 0
	}
	return d
}

// ConsumeTokens records tokens reported by an agent.
func (qc *QueryContext) ConsumeTokens(n int) {
	if n <= 0 {
		return
	}
	s := qc.shared
	s.mu.Lock()
	s.tokens += n
	s.mu.Unlock()
}

// TokensUsed returns the tokens consumed so far.
func (qc *QueryContext) TokensUsed() int {
	s := qc.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// TokensExhausted reports whether a token budget is set and spent.
func (qc *QueryContext) TokensExhausted() bool {
	s := qc.shared
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxTokens > 0 && s.tokens >= s.maxTokens
}

func (qc *QueryContext) appendDiagnostic(d Diagnostic) {
	s := qc.shared
	s.diagMu.Lock()
	s.diagnostics = append(s.diagnostics, d)
	s.diagMu.Unlock()
}

// Diagnostics returns a copy of the diagnostics recorded so far.
func (qc *QueryContext) Diagnostics() []Diagnostic {
	s := qc.shared
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	out := make([]Diagnostic, len(s.diagnostics))
	copy(out, s.diagnostics)
	return out
}

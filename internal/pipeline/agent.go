package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Kind identifies an agent capability. The set is closed; see Kinds.
type Kind string

const (
	KindRetrieval      Kind = "retrieval"
	KindKnowledgeGraph Kind = "knowledge_graph"
	KindWebEnrichment  Kind = "web_enrichment"
	KindDBEnrichment   Kind = "db_enrichment"
	KindFactCheck      Kind = "fact_check"
	KindSynthesis      Kind = "synthesis"
	KindCitation       Kind = "citation"
)

var knownKinds = map[Kind]struct{}{
	KindRetrieval:      {},
	KindKnowledgeGraph: {},
	KindWebEnrichment:  {},
	KindDBEnrichment:   {},
	KindFactCheck:      {},
	KindSynthesis:      {},
	KindCitation:       {},
}

// ErrUnknownAgent is returned for kinds outside the known set or not registered.
var ErrUnknownAgent = errors.New("unknown agent kind")

// ParseKind validates a kind name coming from configuration.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := knownKinds[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, s)
	}
	return k, nil
}

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(knownKinds))
	for k := range knownKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Agent is a single query-processing capability.
//
// Execute must honor ctx cancellation, may read qc concurrently with other
// agents and must report failures through the returned result. A panic is
// recovered by the stage runner and reported as ErrKindCrash.
type Agent interface {
	Execute(ctx context.Context, qc *QueryContext) AgentResult
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, qc *QueryContext) AgentResult

func (f AgentFunc) Execute(ctx context.Context, qc *QueryContext) AgentResult { return f(ctx, qc) }

// Registry maps agent kinds to implementations. It is filled at startup and
// read by the coordinator; dispatch is a map lookup.
type Registry struct {
	mu     sync.RWMutex
	agents map[Kind]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[Kind]Agent)}
}

// Register installs impl for kind, replacing any previous implementation.
func (r *Registry) Register(kind Kind, impl Agent) error {
	if _, ok := knownKinds[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, kind)
	}
	if impl == nil {
		return fmt.Errorf("nil agent for %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[kind] = impl
	return nil
}

// Get returns the agent registered for kind.
func (r *Registry) Get(kind Kind) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[kind]
	return a, ok
}

// Registered lists registered kinds in a stable order.
func (r *Registry) Registered() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.agents))
	for k := range r.agents {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

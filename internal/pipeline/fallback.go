package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/formatting"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/util"
)

// Built-in fallback strategy names.
const (
	FallbackBroadenQuery    = "broaden_query"
	FallbackKeywordSearch   = "keyword_search"
	FallbackGraphSearch     = "graph_search"
	FallbackUnverifiedFacts = "unverified_facts"
	FallbackSnippetAnswer   = "snippet_answer"
	FallbackPlainSources    = "plain_sources"
)

// SnippetDisclaimer prefixes answers assembled from raw snippets.
const SnippetDisclaimer = "This answer was assembled directly from retrieved sources and could not be fully composed."

// ErrUnknownFallback is returned for strategy names that are not registered.
var ErrUnknownFallback = errors.New("unknown fallback strategy")

// FallbackRequest is what a strategy gets to work with.
type FallbackRequest struct {
	Stage StageDescriptor
	Query *QueryContext
	// Invoke makes one guarded call to a registered agent.
	Invoke func(ctx context.Context, kind Kind, qc *QueryContext) AgentResult
}

// Fallback is an alternate, lower-fidelity way to produce a stage's output.
type Fallback interface {
	Name() string
	Apply(ctx context.Context, req FallbackRequest) AgentResult
}

type fallbackFunc struct {
	name string
	fn   func(ctx context.Context, req FallbackRequest) AgentResult
}

func (f fallbackFunc) Name() string { return f.name }

func (f fallbackFunc) Apply(ctx context.Context, req FallbackRequest) AgentResult {
	return f.fn(ctx, req)
}

// NewFallback wraps fn as a named strategy.
func NewFallback(name string, fn func(ctx context.Context, req FallbackRequest) AgentResult) Fallback {
	return fallbackFunc{name: name, fn: fn}
}

// Snippet answer defaults.
const (
	DefaultSnippetCount  = 3
	DefaultSnippetMaxLen = 280
)

// FallbackSet is the named strategy catalogue stages refer to.
type FallbackSet struct {
	mu         sync.RWMutex
	strategies map[string]Fallback
}

// FallbackSetOption tunes the built-in strategies.
type FallbackSetOption func(*builtinLimits)

type builtinLimits struct {
	snippetCount  int
	snippetMaxLen int
}

// WithSnippetLimits sets how many snippets snippet_answer joins and how long
// each may be. Non-positive values keep the defaults.
func WithSnippetLimits(count, maxLen int) FallbackSetOption {
	return func(l *builtinLimits) {
		if count > 0 {
			l.snippetCount = count
		}
		if maxLen > 0 {
			l.snippetMaxLen = maxLen
		}
	}
}

// NewFallbackSet returns a set preloaded with the built-in strategies.
func NewFallbackSet(opts ...FallbackSetOption) *FallbackSet {
	limits := builtinLimits{snippetCount: DefaultSnippetCount, snippetMaxLen: DefaultSnippetMaxLen}
	for _, opt := range opts {
		opt(&limits)
	}
	s := &FallbackSet{strategies: make(map[string]Fallback)}
	for _, fb := range []Fallback{
		NewFallback(FallbackBroadenQuery, broadenQuery),
		NewFallback(FallbackKeywordSearch, keywordSearch),
		NewFallback(FallbackGraphSearch, graphSearch),
		NewFallback(FallbackUnverifiedFacts, unverifiedFacts),
		NewFallback(FallbackSnippetAnswer, limits.snippetAnswer),
		NewFallback(FallbackPlainSources, plainSources),
	} {
		s.strategies[fb.Name()] = fb
	}
	return s
}

// Register adds or replaces a strategy.
func (s *FallbackSet) Register(fb Fallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[fb.Name()] = fb
}

// Get looks a strategy up by name.
func (s *FallbackSet) Get(name string) (Fallback, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fb, ok := s.strategies[name]
	return fb, ok
}

// Names lists registered strategies in a stable order.
func (s *FallbackSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.strategies))
	for n := range s.strategies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every name is registered.
func (s *FallbackSet) Validate(names []string) error {
	for _, n := range names {
		if _, ok := s.Get(n); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownFallback, n)
		}
	}
	return nil
}

// broadenQuery re-runs the stage's agents with qualifying clauses stripped.
func broadenQuery(ctx context.Context, req FallbackRequest) AgentResult {
	broad := util.BroadenQuery(req.Query.Query())
	if broad == "" || strings.EqualFold(broad, strings.TrimSpace(req.Query.Query())) {
		return Failed(ErrKindAgent, "query has no qualifying clauses to strip")
	}
	view := req.Query.Derive(broad, map[string]string{HintFallback: FallbackBroadenQuery})
	return firstWithData(ctx, req, req.Stage.Agents, view)
}

// keywordSearch asks the retrieval agent for a keyword-only search.
func keywordSearch(ctx context.Context, req FallbackRequest) AgentResult {
	terms := util.Keywords(req.Query.Query())
	if len(terms) == 0 {
		return Failed(ErrKindAgent, "query has no keywords")
	}
	view := req.Query.Derive(strings.Join(terms, " "), map[string]string{
		HintSearchMode: "keyword",
		HintFallback:   FallbackKeywordSearch,
	})
	return firstWithData(ctx, req, []Kind{KindRetrieval}, view)
}

// graphSearch answers a retrieval stage from the knowledge graph.
func graphSearch(ctx context.Context, req FallbackRequest) AgentResult {
	view := req.Query.Derive("", map[string]string{HintFallback: FallbackGraphSearch})
	return firstWithData(ctx, req, []Kind{KindKnowledgeGraph}, view)
}

func firstWithData(ctx context.Context, req FallbackRequest, kinds []Kind, qc *QueryContext) AgentResult {
	last := Failed(ErrKindAgent, "no agent to invoke")
	for _, kind := range kinds {
		if ctx.Err() != nil {
			return Failed(ErrKindBudgetExhausted, "pipeline budget exhausted")
		}
		res := req.Invoke(ctx, kind, qc)
		if res.HasData() {
			return res
		}
		last = res
	}
	return last
}

// unverifiedFacts demotes retrieved documents to unverified facts so that
// synthesis is not blocked by a failed verification step.
func unverifiedFacts(_ context.Context, req FallbackRequest) AgentResult {
	docs := req.Query.Documents()
	if len(docs) == 0 {
		return Failed(ErrKindDependencyUnmet, "no documents to demote")
	}
	facts := make(Facts, 0, len(docs))
	for _, d := range docs {
		claim := d.Snippet
		if claim == "" {
			claim = d.Title
		}
		if claim == "" {
			continue
		}
		facts = append(facts, Fact{Claim: claim, Verified: false, SourceIDs: []string{d.ID}, Confidence: d.Score / 2})
	}
	return Succeeded(facts, 0.5)
}

// snippetAnswer concatenates the highest-relevance snippets with a disclaimer.
func (l builtinLimits) snippetAnswer(_ context.Context, req FallbackRequest) AgentResult {
	top := req.Query.Documents().TopByScore(l.snippetCount)
	var parts []string
	for _, d := range top {
		if s := strings.TrimSpace(d.Snippet); s != "" {
			parts = append(parts, util.TruncateString(s, l.snippetMaxLen, true))
		}
	}
	if len(parts) == 0 {
		return Failed(ErrKindDependencyUnmet, "no snippets available")
	}
	ans := Answer{
		Text:       SnippetDisclaimer + "\n\n" + strings.Join(parts, "\n\n"),
		Confidence: 0.3,
		Disclaimer: SnippetDisclaimer,
	}
	return Succeeded(ans, ans.Confidence)
}

// plainSources lists sources without detailed formatting.
func plainSources(_ context.Context, req FallbackRequest) AgentResult {
	docs := req.Query.Documents()
	seen := make(map[string]bool)
	var refs []formatting.Reference
	var sources []Source
	for _, d := range docs {
		key := d.URL
		if key == "" {
			key = d.Title
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		idx := len(refs) + 1
		refs = append(refs, formatting.Reference{Index: idx, Title: d.Title, URL: d.URL})
		sources = append(sources, Source{Index: idx, Title: d.Title, URL: d.URL})
	}
	if len(refs) == 0 {
		return Failed(ErrKindDependencyUnmet, "no sources to list")
	}
	text := formatting.PlainSources(refs)
	if ans, ok := req.Query.Answer(); ok {
		text = formatting.StripSourcesSection(ans.Text) + "\n\n" + text
	}
	return Succeeded(Citations{Text: text, Sources: sources}, 0.5)
}

package pipeline_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/degradation"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// countingAgent counts invocations and delegates to fn.
type countingAgent struct {
	calls atomic.Int32
	fn    func(ctx context.Context, qc *pipeline.QueryContext, call int32) pipeline.AgentResult
}

func (a *countingAgent) Execute(ctx context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
	n := a.calls.Add(1)
	return a.fn(ctx, qc, n)
}

func counting(fn func(ctx context.Context, qc *pipeline.QueryContext, call int32) pipeline.AgentResult) *countingAgent {
	return &countingAgent{fn: fn}
}

func returning(data any, confidence float64) pipeline.Agent {
	return pipeline.AgentFunc(func(context.Context, *pipeline.QueryContext) pipeline.AgentResult {
		return pipeline.Succeeded(data, confidence)
	})
}

func failing(kind pipeline.ErrorKind) pipeline.Agent {
	return pipeline.AgentFunc(func(context.Context, *pipeline.QueryContext) pipeline.AgentResult {
		return pipeline.Failed(kind, "backend unavailable")
	})
}

// hanging blocks until its context is cancelled.
func hanging() pipeline.Agent {
	return pipeline.AgentFunc(func(ctx context.Context, _ *pipeline.QueryContext) pipeline.AgentResult {
		<-ctx.Done()
		return pipeline.Failed(pipeline.ErrKindAgent, "cancelled")
	})
}

var parisDocs = pipeline.Documents{
	{ID: "d1", Title: "Paris", URL: "https://example.org/paris", Snippet: "Paris is the capital and largest city of France.", Score: 0.92, Source: "retrieval"},
	{ID: "d2", Title: "France", URL: "https://example.org/france", Snippet: "France is a country in Western Europe.", Score: 0.71, Source: "retrieval"},
}

func factCheckAgent() pipeline.Agent {
	return pipeline.AgentFunc(func(_ context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
		var facts pipeline.Facts
		for _, d := range qc.Documents() {
			facts = append(facts, pipeline.Fact{Claim: d.Snippet, Verified: true, SourceIDs: []string{d.ID}, Confidence: 0.9})
		}
		return pipeline.Succeeded(facts, 0.9)
	})
}

func synthesisAgent() pipeline.Agent {
	return pipeline.AgentFunc(func(_ context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
		var claims []string
		if facts, ok := qc.Facts(); ok {
			for _, f := range facts {
				claims = append(claims, f.Claim)
			}
		} else {
			for _, d := range qc.Documents() {
				claims = append(claims, d.Snippet)
			}
		}
		if len(claims) == 0 {
			return pipeline.Failed(pipeline.ErrKindAgent, "nothing to synthesize")
		}
		ans := pipeline.Answer{Text: strings.Join(claims, " ") + " [1]", Confidence: 0.9}
		return pipeline.Succeeded(ans, ans.Confidence)
	})
}

func citationAgent() pipeline.Agent {
	return pipeline.AgentFunc(func(_ context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
		ans, ok := qc.Answer()
		if !ok {
			return pipeline.Failed(pipeline.ErrKindDependencyUnmet, "no answer")
		}
		var sources []pipeline.Source
		for i, d := range qc.Documents(pipeline.SlotDocuments) {
			sources = append(sources, pipeline.Source{Index: i + 1, Title: d.Title, URL: d.URL})
		}
		return pipeline.Succeeded(pipeline.Citations{Text: ans.Text + "\n\n## Sources", Sources: sources}, 1)
	})
}

// healthyRegistry registers agents that all succeed on the first attempt.
func healthyRegistry(t *testing.T) *pipeline.Registry {
	t.Helper()
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Register(pipeline.KindRetrieval, returning(parisDocs, 0.85)))
	require.NoError(t, reg.Register(pipeline.KindKnowledgeGraph, returning(pipeline.Documents{
		{ID: "g1", Title: "France (entity)", Snippet: "France: capital Paris.", Score: 0.6, Source: "graph"},
	}, 0.7)))
	require.NoError(t, reg.Register(pipeline.KindWebEnrichment, returning(pipeline.Documents{
		{ID: "w1", Title: "Visit Paris", URL: "https://travel.example.com/paris", Snippet: "Paris hosts the Louvre.", Score: 0.4},
	}, 0.6)))
	require.NoError(t, reg.Register(pipeline.KindDBEnrichment, returning(pipeline.Documents{
		{ID: "db1", Title: "Cities table", Snippet: "Paris population 2.1M.", Score: 0.5},
	}, 0.6)))
	require.NoError(t, reg.Register(pipeline.KindFactCheck, factCheckAgent()))
	require.NoError(t, reg.Register(pipeline.KindSynthesis, synthesisAgent()))
	require.NoError(t, reg.Register(pipeline.KindCitation, citationAgent()))
	return reg
}

func testConfig() pipeline.PipelineConfig {
	base := pipeline.StageDescriptor{
		MaxRetries:    1,
		Timeout:       200 * time.Millisecond,
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
	}
	with := func(s pipeline.StageDescriptor) pipeline.StageDescriptor {
		out := base
		out.Name, out.Role, out.Agents, out.Mode, out.Wave = s.Name, s.Role, s.Agents, s.Mode, s.Wave
		out.DependsOn, out.Fallbacks, out.Required, out.Output = s.DependsOn, s.Fallbacks, s.Required, s.Output
		return out
	}
	return pipeline.PipelineConfig{
		GlobalBudget: 2 * time.Second,
		Stages: []pipeline.StageDescriptor{
			with(pipeline.StageDescriptor{Name: "retrieval", Role: pipeline.RoleRetrieval, Agents: []pipeline.Kind{pipeline.KindRetrieval},
				Mode: pipeline.ModeParallel, Wave: "retrieval", Required: true, Output: pipeline.SlotDocuments,
				Fallbacks: []string{pipeline.FallbackBroadenQuery, pipeline.FallbackKeywordSearch, pipeline.FallbackGraphSearch}}),
			with(pipeline.StageDescriptor{Name: "knowledge_graph", Role: pipeline.RoleRetrieval, Agents: []pipeline.Kind{pipeline.KindKnowledgeGraph},
				Mode: pipeline.ModeParallel, Wave: "retrieval", Output: pipeline.SlotGraph}),
			with(pipeline.StageDescriptor{Name: "web_enrichment", Role: pipeline.RoleEnrichment, Agents: []pipeline.Kind{pipeline.KindWebEnrichment},
				Mode: pipeline.ModeParallel, Wave: "enrichment", Output: pipeline.SlotWebEnrichment}),
			with(pipeline.StageDescriptor{Name: "db_enrichment", Role: pipeline.RoleEnrichment, Agents: []pipeline.Kind{pipeline.KindDBEnrichment},
				Mode: pipeline.ModeParallel, Wave: "enrichment", Output: pipeline.SlotDBEnrichment}),
			with(pipeline.StageDescriptor{Name: "fact_check", Role: pipeline.RoleFactCheck, Agents: []pipeline.Kind{pipeline.KindFactCheck},
				Mode: pipeline.ModeSequential, DependsOn: []string{"retrieval"}, Output: pipeline.SlotFacts,
				Fallbacks: []string{pipeline.FallbackUnverifiedFacts}}),
			with(pipeline.StageDescriptor{Name: "synthesis", Role: pipeline.RoleSynthesis, Agents: []pipeline.Kind{pipeline.KindSynthesis},
				Mode: pipeline.ModeSequential, DependsOn: []string{"fact_check"}, Required: true, Output: pipeline.SlotAnswer,
				Fallbacks: []string{pipeline.FallbackSnippetAnswer}}),
			with(pipeline.StageDescriptor{Name: "citation", Role: pipeline.RoleCitation, Agents: []pipeline.Kind{pipeline.KindCitation},
				Mode: pipeline.ModeSequential, DependsOn: []string{"synthesis"}, Output: pipeline.SlotCitations,
				Fallbacks: []string{pipeline.FallbackPlainSources}}),
		},
	}
}

func stageByName(cfg *pipeline.PipelineConfig, name string) *pipeline.StageDescriptor {
	for i := range cfg.Stages {
		if cfg.Stages[i].Name == name {
			return &cfg.Stages[i]
		}
	}
	panic("no stage " + name)
}

func newCoordinator(t *testing.T, cfg pipeline.PipelineConfig, reg *pipeline.Registry) *pipeline.Coordinator {
	t.Helper()
	agg, err := degradation.NewAggregator(degradation.DefaultConfig())
	require.NoError(t, err)
	c, err := pipeline.NewCoordinator(cfg, reg, agg, pipeline.Options{})
	require.NoError(t, err)
	return c
}

func outcomeOf(res pipeline.PipelineResult, name string) pipeline.StageOutcome {
	for _, st := range res.Stages {
		if st.Name == name {
			return st
		}
	}
	return pipeline.StageOutcome{}
}

func diagnosticsFor(res pipeline.PipelineResult, stage string) []pipeline.Diagnostic {
	var out []pipeline.Diagnostic
	for _, d := range res.StageDiagnostics {
		if d.Stage == stage {
			out = append(out, d)
		}
	}
	return out
}

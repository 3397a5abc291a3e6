package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/degradation"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

func TestCoordinator_AllAgentsSucceed(t *testing.T) {
	c := newCoordinator(t, testConfig(), healthyRegistry(t))

	res := c.Run(context.Background(), "capital of France", pipeline.RunOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, pipeline.HealthSuccess, res.PipelineHealth)
	assert.Equal(t, pipeline.RunSuccess, res.State)
	assert.Contains(t, res.FinalAnswer, "Paris")
	assert.Greater(t, res.Confidence, 0.8)
	assert.Empty(t, res.Advisories)
	assert.NotEmpty(t, res.TraceID)
	assert.Len(t, res.Sources, 2)
	for _, d := range res.StageDiagnostics {
		assert.False(t, d.UsedFallback, "stage %s used a fallback", d.Stage)
	}
	for _, st := range res.Stages {
		assert.Equal(t, pipeline.StageCompleted, st.Status, st.Name)
	}
}

func TestCoordinator_RetrievalTimesOutThenBroadenQuery(t *testing.T) {
	cfg := testConfig()
	retrieval := stageByName(&cfg, "retrieval")
	retrieval.Timeout = 30 * time.Millisecond
	retrieval.MaxRetries = 1

	reg := healthyRegistry(t)
	agent := counting(func(ctx context.Context, qc *pipeline.QueryContext, _ int32) pipeline.AgentResult {
		if qc.Hint(pipeline.HintFallback) == pipeline.FallbackBroadenQuery {
			return pipeline.Succeeded(parisDocs[:1], 0.6)
		}
		<-ctx.Done()
		return pipeline.Failed(pipeline.ErrKindAgent, "cancelled")
	})
	require.NoError(t, reg.Register(pipeline.KindRetrieval, agent))

	res := newCoordinator(t, cfg, reg).Run(context.Background(), "capital of France in 2020", pipeline.RunOptions{})

	assert.Equal(t, pipeline.HealthFallbackUsed, res.PipelineHealth)
	assert.Equal(t, int32(3), agent.calls.Load(), "two timed out attempts plus the broadened query")

	st := outcomeOf(res, "retrieval")
	assert.Equal(t, pipeline.StageDegraded, st.Status)
	assert.True(t, st.Result.UsedFallback)
	assert.Equal(t, pipeline.FallbackBroadenQuery, st.Result.FallbackStrategy)

	diags := diagnosticsFor(res, "retrieval")
	require.Len(t, diags, 3)
	assert.Equal(t, pipeline.OutcomeRetry, diags[0].Outcome)
	assert.Equal(t, pipeline.ErrKindTimeout, diags[0].ErrorKind)
	assert.Equal(t, pipeline.OutcomeFailed, diags[1].Outcome)
	assert.Equal(t, pipeline.OutcomeFallback, diags[2].Outcome)
	assert.True(t, diags[2].UsedFallback)

	assert.Equal(t, pipeline.StageCompleted, outcomeOf(res, "synthesis").Status)
	assert.NotEmpty(t, res.Advisories)
}

func TestCoordinator_FactCheckCrashIsOptional(t *testing.T) {
	cfg := testConfig()
	stageByName(&cfg, "fact_check").Fallbacks = nil

	reg := healthyRegistry(t)
	require.NoError(t, reg.Register(pipeline.KindFactCheck, pipeline.AgentFunc(func(context.Context, *pipeline.QueryContext) pipeline.AgentResult {
		panic("verifier exploded")
	})))

	res := newCoordinator(t, cfg, reg).Run(context.Background(), "capital of France", pipeline.RunOptions{})

	assert.Equal(t, pipeline.HealthPartialFailure, res.PipelineHealth)
	assert.Contains(t, res.FinalAnswer, "Paris")
	assert.Equal(t, pipeline.StageFailed, outcomeOf(res, "fact_check").Status)
	assert.Equal(t, pipeline.StageCompleted, outcomeOf(res, "synthesis").Status)

	var crashed bool
	for _, d := range diagnosticsFor(res, "fact_check") {
		if d.ErrorKind == pipeline.ErrKindCrash {
			crashed = true
		}
	}
	assert.True(t, crashed, "panic should be recorded as agent crash")

	var unmet bool
	for _, d := range diagnosticsFor(res, "synthesis") {
		if d.Outcome == pipeline.OutcomeDependencyUnmet {
			unmet = true
		}
	}
	assert.True(t, unmet, "synthesis should run on degraded input")

	require.NotEmpty(t, res.Advisories)
	assert.Contains(t, res.Advisories[0], "couldn't fully verify all claims")
}

func TestCoordinator_FactCheckFallsBackToUnverifiedFacts(t *testing.T) {
	reg := healthyRegistry(t)
	require.NoError(t, reg.Register(pipeline.KindFactCheck, failing(pipeline.ErrKindAgent)))

	res := newCoordinator(t, testConfig(), reg).Run(context.Background(), "capital of France", pipeline.RunOptions{})

	assert.Equal(t, pipeline.HealthFallbackUsed, res.PipelineHealth)
	st := outcomeOf(res, "fact_check")
	assert.Equal(t, pipeline.StageDegraded, st.Status)
	facts, ok := st.Result.Data.(pipeline.Facts)
	require.True(t, ok)
	assert.Equal(t, len(facts), facts.Unverified())
	require.NotEmpty(t, res.Advisories)
	assert.Contains(t, res.Advisories[0], "couldn't fully verify all claims")
}

func TestCoordinator_SynthesisFailureWithoutFallback(t *testing.T) {
	cfg := testConfig()
	synth := stageByName(&cfg, "synthesis")
	synth.Fallbacks = nil
	synth.MaxRetries = 2

	reg := healthyRegistry(t)
	agent := counting(func(context.Context, *pipeline.QueryContext, int32) pipeline.AgentResult {
		return pipeline.Failed(pipeline.ErrKindAgent, "model overloaded")
	})
	require.NoError(t, reg.Register(pipeline.KindSynthesis, agent))

	res := newCoordinator(t, cfg, reg).Run(context.Background(), "capital of France", pipeline.RunOptions{})

	assert.False(t, res.Success)
	assert.Equal(t, pipeline.HealthCompleteFailure, res.PipelineHealth)
	assert.Equal(t, pipeline.RunFailed, res.State)
	assert.Equal(t, int32(3), agent.calls.Load())
	assert.Equal(t, degradation.DefaultConfig().ApologyAnswer, res.FinalAnswer)
	assert.Zero(t, res.Confidence)
	require.NotEmpty(t, res.Advisories)
	assert.NotContains(t, res.Advisories[0], "model overloaded")

	// The pipeline stops early: citation never runs.
	citation := outcomeOf(res, "citation")
	assert.Equal(t, pipeline.StageSkipped, citation.Status)
	assert.Equal(t, pipeline.ErrKindDependencyUnmet, citation.Result.ErrorKind())
	assert.Contains(t, citation.Result.Err.Message, "required stage synthesis failed")
	diags := diagnosticsFor(res, "citation")
	require.Len(t, diags, 1)
	assert.Equal(t, pipeline.OutcomeSkipped, diags[0].Outcome)
}

func TestCoordinator_RequiredRetrievalFailureStopsEarly(t *testing.T) {
	cfg := testConfig()
	stageByName(&cfg, "retrieval").Timeout = 20 * time.Millisecond

	reg := healthyRegistry(t)
	require.NoError(t, reg.Register(pipeline.KindRetrieval, hanging()))
	require.NoError(t, reg.Register(pipeline.KindKnowledgeGraph, hanging()))

	res := newCoordinator(t, cfg, reg).Run(context.Background(), "capital of France in 2020", pipeline.RunOptions{})

	assert.Equal(t, pipeline.HealthCompleteFailure, res.PipelineHealth)
	assert.NotEmpty(t, res.Advisories)
	for _, name := range []string{"web_enrichment", "fact_check", "synthesis", "citation"} {
		assert.Equal(t, pipeline.StageSkipped, outcomeOf(res, name).Status, name)
	}
	st := outcomeOf(res, "retrieval")
	assert.Equal(t, pipeline.ErrKindFallbacksExhausted, st.Result.ErrorKind())
	assert.Equal(t, "No documents could be retrieved for this query.", st.Result.Err.Message)
}

func TestCoordinator_OptionalFailureLowersConfidence(t *testing.T) {
	healthy := newCoordinator(t, testConfig(), healthyRegistry(t)).Run(context.Background(), "capital of France", pipeline.RunOptions{})

	reg := healthyRegistry(t)
	require.NoError(t, reg.Register(pipeline.KindWebEnrichment, failing(pipeline.ErrKindAgent)))
	degraded := newCoordinator(t, testConfig(), reg).Run(context.Background(), "capital of France", pipeline.RunOptions{})

	assert.NotEmpty(t, degraded.FinalAnswer)
	assert.Contains(t, []pipeline.Health{pipeline.HealthPartialFailure, pipeline.HealthFallbackUsed}, degraded.PipelineHealth)
	assert.Less(t, degraded.Confidence, healthy.Confidence)
}

func TestCoordinator_BudgetExpiresDuringEnrichment(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalBudget = 800 * time.Millisecond
	cfg.SequentialReserve = 650 * time.Millisecond
	for _, name := range []string{"web_enrichment", "db_enrichment"} {
		stageByName(&cfg, name).Timeout = time.Second
	}

	reg := healthyRegistry(t)
	require.NoError(t, reg.Register(pipeline.KindWebEnrichment, hanging()))

	start := time.Now()
	res := newCoordinator(t, cfg, reg).Run(context.Background(), "capital of France", pipeline.RunOptions{})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, cfg.GlobalBudget)
	web := outcomeOf(res, "web_enrichment")
	assert.Equal(t, pipeline.StageFailed, web.Status)
	assert.Equal(t, pipeline.ErrKindBudgetExhausted, web.Result.ErrorKind())
	assert.Equal(t, pipeline.StageCompleted, outcomeOf(res, "db_enrichment").Status)
	assert.Equal(t, pipeline.StageCompleted, outcomeOf(res, "fact_check").Status)
	assert.Equal(t, pipeline.StageCompleted, outcomeOf(res, "synthesis").Status)
	assert.Equal(t, pipeline.HealthPartialFailure, res.PipelineHealth)
	assert.Contains(t, res.FinalAnswer, "Paris population", "enrichment data that arrived is used")
}

func TestCoordinator_ReturnsWithinGlobalBudget(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalBudget = 150 * time.Millisecond
	for i := range cfg.Stages {
		cfg.Stages[i].Timeout = time.Second
		cfg.Stages[i].MaxRetries = 5
	}

	reg := pipeline.NewRegistry()
	for _, k := range pipeline.Kinds() {
		require.NoError(t, reg.Register(k, hanging()))
	}

	start := time.Now()
	res := newCoordinator(t, cfg, reg).Run(context.Background(), "capital of France", pipeline.RunOptions{})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, cfg.GlobalBudget+100*time.Millisecond)
	assert.Equal(t, pipeline.HealthCompleteFailure, res.PipelineHealth)
	assert.NotEmpty(t, res.Advisories)
	for _, d := range diagnosticsFor(res, "retrieval") {
		assert.NotEqual(t, pipeline.OutcomeRetry, d.Outcome, "no retries after the budget fires")
	}
}

func TestCoordinator_BudgetOverrideAndTraceID(t *testing.T) {
	cfg := testConfig()
	reg := healthyRegistry(t)
	require.NoError(t, reg.Register(pipeline.KindSynthesis, hanging()))

	start := time.Now()
	res := newCoordinator(t, cfg, reg).Run(context.Background(), "capital of France", pipeline.RunOptions{
		TraceID: "trace-override",
		Budget:  100 * time.Millisecond,
	})

	assert.Less(t, time.Since(start), cfg.GlobalBudget)
	assert.Equal(t, "trace-override", res.TraceID)
	assert.Equal(t, pipeline.HealthCompleteFailure, res.PipelineHealth)

	synth := outcomeOf(res, "synthesis")
	assert.Equal(t, pipeline.StageFailed, synth.Status)
	assert.Equal(t, pipeline.ErrKindBudgetExhausted, synth.Result.ErrorKind())
	for _, d := range diagnosticsFor(res, "synthesis") {
		assert.NotEqual(t, pipeline.OutcomeFallback, d.Outcome, "no fallbacks once the budget is spent")
	}
	assert.Contains(t, res.Advisories, degradation.DefaultTemplates()[degradation.ClassBudget])
}

func TestCoordinator_TokenBudget(t *testing.T) {
	cfg := testConfig()
	cfg.TokenBudget = 10

	reg := healthyRegistry(t)
	require.NoError(t, reg.Register(pipeline.KindRetrieval, pipeline.AgentFunc(func(context.Context, *pipeline.QueryContext) pipeline.AgentResult {
		res := pipeline.Succeeded(parisDocs, 0.9)
		res.TokensUsed = 50
		return res
	})))

	res := newCoordinator(t, cfg, reg).Run(context.Background(), "capital of France", pipeline.RunOptions{})

	assert.Equal(t, pipeline.ErrKindBudgetExhausted, outcomeOf(res, "web_enrichment").Result.ErrorKind())
	assert.Equal(t, pipeline.HealthCompleteFailure, res.PipelineHealth, "synthesis is skipped with no answer")
	for _, name := range []string{"synthesis", "citation"} {
		st := outcomeOf(res, name)
		assert.Equal(t, pipeline.StageFailed, st.Status, name)
		assert.Equal(t, pipeline.ErrKindBudgetExhausted, st.Result.ErrorKind(), name)
	}
	for _, st := range res.Stages {
		assert.True(t, st.Status.Terminal(), st.Name)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []pipeline.ProgressEvent
}

func (s *recordingSink) Emit(evt pipeline.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

type recordingObserver struct {
	mu      sync.Mutex
	diags   map[string]int
	results map[string]pipeline.PipelineResult
}

func (o *recordingObserver) OnDiagnostic(traceID string, _ pipeline.Diagnostic) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.diags[traceID]++
}

func (o *recordingObserver) OnResult(traceID string, r pipeline.PipelineResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results[traceID] = r
}

func TestCoordinator_ProgressAndObserver(t *testing.T) {
	obs := &recordingObserver{diags: map[string]int{}, results: map[string]pipeline.PipelineResult{}}
	agg, err := degradation.NewAggregator(degradation.DefaultConfig())
	require.NoError(t, err)
	c, err := pipeline.NewCoordinator(testConfig(), healthyRegistry(t), agg, pipeline.Options{Observer: obs})
	require.NoError(t, err)

	sink := &recordingSink{}
	res := c.Run(context.Background(), "capital of France", pipeline.RunOptions{Sink: sink})

	assert.Equal(t, len(res.StageDiagnostics), obs.diags[res.TraceID])
	assert.Equal(t, res.PipelineHealth, obs.results[res.TraceID].PipelineHealth)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	// running + terminal per stage, plus the final pipeline event
	require.Len(t, sink.events, 2*len(res.Stages)+1)
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, "pipeline", last.Stage)
	assert.Equal(t, pipeline.StageCompleted, last.Status)
	for _, evt := range sink.events {
		assert.Equal(t, res.TraceID, evt.TraceID)
	}

	var sawSynthesisDone bool
	for _, evt := range sink.events {
		if evt.Stage == "synthesis" && evt.Status == pipeline.StageCompleted {
			_, sawSynthesisDone = evt.Artifact.(pipeline.Answer)
		}
	}
	assert.True(t, sawSynthesisDone)
}

func TestCoordinator_SequentialOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	track := func(name string, next pipeline.Agent) pipeline.Agent {
		return pipeline.AgentFunc(func(ctx context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return next.Execute(ctx, qc)
		})
	}

	reg := healthyRegistry(t)
	require.NoError(t, reg.Register(pipeline.KindFactCheck, track("fact_check", factCheckAgent())))
	require.NoError(t, reg.Register(pipeline.KindSynthesis, track("synthesis", synthesisAgent())))
	require.NoError(t, reg.Register(pipeline.KindCitation, track("citation", citationAgent())))

	newCoordinator(t, testConfig(), reg).Run(context.Background(), "capital of France", pipeline.RunOptions{})

	assert.Equal(t, []string{"fact_check", "synthesis", "citation"}, order)
}

func TestNewCoordinator_InvalidConfig(t *testing.T) {
	reg := healthyRegistry(t)
	agg, err := degradation.NewAggregator(degradation.DefaultConfig())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(cfg *pipeline.PipelineConfig)
		errMsg string
	}{
		{name: "cycle", mutate: func(cfg *pipeline.PipelineConfig) {
			stageByName(cfg, "fact_check").DependsOn = []string{"citation"}
		}, errMsg: "circular dependency"},
		{name: "unknown dependency", mutate: func(cfg *pipeline.PipelineConfig) {
			stageByName(cfg, "synthesis").DependsOn = []string{"nope"}
		}, errMsg: "synthesis -> nope"},
		{name: "unknown fallback", mutate: func(cfg *pipeline.PipelineConfig) {
			stageByName(cfg, "synthesis").Fallbacks = []string{"ask_a_friend"}
		}, errMsg: "unknown fallback strategy"},
		{name: "same wave dependency", mutate: func(cfg *pipeline.PipelineConfig) {
			stageByName(cfg, "knowledge_graph").DependsOn = []string{"retrieval"}
		}, errMsg: "same wave"},
		{name: "duplicate output", mutate: func(cfg *pipeline.PipelineConfig) {
			stageByName(cfg, "citation").Output = pipeline.SlotAnswer
		}, errMsg: "already written"},
		{name: "no budget", mutate: func(cfg *pipeline.PipelineConfig) {
			cfg.GlobalBudget = 0
		}, errMsg: "global budget"},
		{name: "unknown agent", mutate: func(cfg *pipeline.PipelineConfig) {
			stageByName(cfg, "citation").Agents = []pipeline.Kind{"oracle"}
		}, errMsg: "unknown agent kind"},
		{name: "bad backoff", mutate: func(cfg *pipeline.PipelineConfig) {
			stageByName(cfg, "citation").BackoffFactor = 0.5
		}, errMsg: "backoff factor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := pipeline.NewCoordinator(cfg, reg, agg, pipeline.Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err = pipeline.NewCoordinator(testConfig(), pipeline.NewRegistry(), agg, pipeline.Options{})
	assert.ErrorContains(t, err, "not registered")
}

func TestCoordinator_ConfigIsCopied(t *testing.T) {
	cfg := testConfig()
	c := newCoordinator(t, cfg, healthyRegistry(t))

	cfg.Stages[0].Fallbacks[0] = "mutated"
	got := c.Config()
	assert.Equal(t, pipeline.FallbackBroadenQuery, got.Stages[0].Fallbacks[0])
}

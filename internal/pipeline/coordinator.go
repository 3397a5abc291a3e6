package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/validation"
)

// Options are the collaborators of a Coordinator. Zero values are replaced
// by no-op implementations.
type Options struct {
	Fallbacks *FallbackSet
	Breakers  Breakers
	Observer  Observer
	Sleeper   Sleeper
}

// RunOptions are per-query overrides.
type RunOptions struct {
	// TraceID replaces the generated trace id, so callers can subscribe to
	// progress before the run starts.
	TraceID string
	// Budget shortens the configured global budget for this run.
	Budget time.Duration
	Sink   ProgressSink
}

// step is one scheduling unit: a wave of parallel stages or a single
// sequential stage. Values are indexes into PipelineConfig.Stages.
type step struct {
	stages   []int
	parallel bool
}

// Coordinator drives stages in declaration order: parallel waves fan out and
// join, sequential stages run one at a time.
type Coordinator struct {
	cfg        PipelineConfig
	plan       []step
	runner     *StageRunner
	aggregator Aggregator
	observer   Observer
}

// NewCoordinator validates cfg against the registry and builds the schedule.
func NewCoordinator(cfg PipelineConfig, registry *Registry, aggregator Aggregator, opts Options) (*Coordinator, error) {
	if registry == nil {
		return nil, errors.New("nil agent registry")
	}
	if aggregator == nil {
		return nil, errors.New("nil aggregator")
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = NewFallbackSet()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	cfg = cloneConfig(cfg)
	if err := ValidateConfig(cfg, registry, opts.Fallbacks); err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:  cfg,
		plan: buildPlan(cfg.Stages),
		runner: NewStageRunner(registry, opts.Fallbacks,
			WithBreakers(opts.Breakers),
			WithObserver(opts.Observer),
			WithSleeper(opts.Sleeper),
		),
		aggregator: aggregator,
		observer:   opts.Observer,
	}, nil
}

// Config returns a copy of the coordinator's configuration.
func (c *Coordinator) Config() PipelineConfig { return cloneConfig(c.cfg) }

func cloneConfig(cfg PipelineConfig) PipelineConfig {
	out := cfg
	out.Stages = make([]StageDescriptor, len(cfg.Stages))
	for i, s := range cfg.Stages {
		s.Agents = append([]Kind(nil), s.Agents...)
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.Fallbacks = append([]string(nil), s.Fallbacks...)
		if s.Mode == ModeParallel && s.Wave == "" {
			s.Wave = s.Name
		}
		out.Stages[i] = s
	}
	return out
}

// ValidateConfig checks a pipeline configuration without building a coordinator.
// A nil registry skips the registration check.
func ValidateConfig(cfg PipelineConfig, registry *Registry, fallbacks *FallbackSet) error {
	if len(cfg.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	if cfg.GlobalBudget <= 0 {
		return errors.New("global budget must be positive")
	}
	if cfg.SequentialReserve < 0 || cfg.SequentialReserve >= cfg.GlobalBudget {
		return errors.New("sequential reserve must be within the global budget")
	}
	if fallbacks == nil {
		fallbacks = NewFallbackSet()
	}

	var errs []error
	declared := make(map[string]int, len(cfg.Stages))
	outputs := make(map[string]string, len(cfg.Stages))
	nodes := make([]validation.Node, 0, len(cfg.Stages))
	for i, s := range cfg.Stages {
		nodes = append(nodes, validation.Node{ID: s.Name, DependsOn: s.DependsOn})
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d has no name", i))
			continue
		}
		if len(s.Agents) == 0 {
			errs = append(errs, fmt.Errorf("stage %s has no agents", s.Name))
		}
		for _, k := range s.Agents {
			if _, ok := knownKinds[k]; !ok {
				errs = append(errs, fmt.Errorf("stage %s: %w: %q", s.Name, ErrUnknownAgent, k))
				continue
			}
			if registry != nil {
				if _, ok := registry.Get(k); !ok {
					errs = append(errs, fmt.Errorf("stage %s: agent %q is not registered", s.Name, k))
				}
			}
		}
		if s.Mode != ModeParallel && s.Mode != ModeSequential {
			errs = append(errs, fmt.Errorf("stage %s: invalid mode %q", s.Name, s.Mode))
		}
		if s.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("stage %s: max retries must not be negative", s.Name))
		}
		if s.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("stage %s: timeout must be positive", s.Name))
		}
		if s.BaseDelay < 0 || (s.BackoffFactor != 0 && s.BackoffFactor < 1) {
			errs = append(errs, fmt.Errorf("stage %s: backoff factor must be >= 1 and base delay >= 0", s.Name))
		}
		if s.MaxBackoff < 0 {
			errs = append(errs, fmt.Errorf("stage %s: max backoff must not be negative", s.Name))
		}
		if err := fallbacks.Validate(s.Fallbacks); err != nil {
			errs = append(errs, fmt.Errorf("stage %s: %w", s.Name, err))
		}
		if s.Output == "" {
			errs = append(errs, fmt.Errorf("stage %s has no output slot", s.Name))
		} else if owner, dup := outputs[s.Output]; dup {
			errs = append(errs, fmt.Errorf("stage %s: output slot %q already written by %s", s.Name, s.Output, owner))
		} else {
			outputs[s.Output] = s.Name
		}
		for _, dep := range s.DependsOn {
			j, ok := declared[dep]
			if !ok {
				continue
			}
			prev := cfg.Stages[j]
			if s.Mode == ModeParallel && prev.Mode == ModeParallel && waveOf(prev) == waveOf(s) && adjacentWave(cfg.Stages, j, i) {
				errs = append(errs, fmt.Errorf("stage %s depends on %s in the same wave", s.Name, dep))
			}
		}
		declared[s.Name] = i
	}
	if err := validation.ValidateGraph(nodes); err != nil {
		errs = append(errs, err)
	}
	// Stages run in declaration order, so dependencies must be declared first.
	for i, s := range cfg.Stages {
		for _, dep := range s.DependsOn {
			if j, ok := declared[dep]; ok && j >= i {
				errs = append(errs, fmt.Errorf("stage %s depends on later stage %s", s.Name, dep))
			}
		}
	}
	return errors.Join(errs...)
}

func waveOf(s StageDescriptor) string {
	if s.Wave == "" {
		return s.Name
	}
	return s.Wave
}

// adjacentWave reports whether stages j..i form one contiguous wave.
func adjacentWave(stages []StageDescriptor, j, i int) bool {
	for k := j; k <= i; k++ {
		if stages[k].Mode != ModeParallel || waveOf(stages[k]) != waveOf(stages[i]) {
			return false
		}
	}
	return true
}

func buildPlan(stages []StageDescriptor) []step {
	var plan []step
	for i := 0; i < len(stages); i++ {
		s := stages[i]
		if s.Mode != ModeParallel {
			plan = append(plan, step{stages: []int{i}})
			continue
		}
		st := step{stages: []int{i}, parallel: true}
		for i+1 < len(stages) && stages[i+1].Mode == ModeParallel && stages[i+1].Wave == s.Wave {
			i++
			st.stages = append(st.stages, i)
		}
		plan = append(plan, st)
	}
	return plan
}

// Run executes one query end to end. It always returns a result and never
// panics; every failure is reflected in the result's health and advisories.
func (c *Coordinator) Run(ctx context.Context, query string, opts RunOptions) (result PipelineResult) {
	start := time.Now()
	budget := c.cfg.GlobalBudget
	if opts.Budget > 0 && opts.Budget < budget {
		budget = opts.Budget
	}
	deadline := start.Add(budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	qc := NewQueryContext(query,
		WithTraceID(opts.TraceID),
		WithDeadline(deadline),
		WithTokenBudget(c.cfg.TokenBudget),
	)
	ctx = WithTrace(ctx, qc.TraceID())
	ctx, span := tracing.StartRunSpan(ctx, qc.TraceID())
	sink := opts.Sink

	outcomes := make([]StageOutcome, len(c.cfg.Stages))
	for i, s := range c.cfg.Stages {
		outcomes[i] = StageOutcome{Name: s.Name, Role: s.Role, Required: s.Required, Status: StagePending}
	}

	defer func() {
		if p := recover(); p != nil {
			result = PipelineResult{
				PipelineHealth:       HealthCompleteFailure,
				State:                RunFailed,
				Advisories:           []string{"An internal error prevented this query from completing. Please try again."},
				Stages:               outcomes,
				StageDiagnostics:     qc.Diagnostics(),
				TotalExecutionTimeMs: time.Since(start).Milliseconds(),
				TraceID:              qc.TraceID(),
			}
			c.observer.OnResult(qc.TraceID(), result)
		}
		tracing.EndSpan(span, "")
	}()

	stoppedBy := ""
	for _, st := range c.plan {
		if stoppedBy != "" {
			for _, i := range st.stages {
				outcomes[i] = c.stopStage(qc, i, stoppedBy, sink)
			}
			continue
		}

		// An exhausted budget stays exhausted, so every later stage is
		// skipped here with the same reason.
		if reason := budgetExhausted(ctx, qc); reason != "" {
			for _, i := range st.stages {
				outcomes[i] = c.skipStage(qc, i, reason, sink)
			}
			continue
		}

		if st.parallel {
			c.runWave(ctx, deadline, st.stages, qc, outcomes, sink)
		} else {
			i := st.stages[0]
			outcomes[i] = c.runStage(ctx, i, qc, outcomes, sink)
		}

		for _, i := range st.stages {
			if outcomes[i].Required && outcomes[i].Status == StageFailed {
				stoppedBy = outcomes[i].Name
				break
			}
		}
	}

	snap := Snapshot{
		TraceID:     qc.TraceID(),
		Query:       qc.OriginalQuery(),
		Stages:      append([]StageOutcome(nil), outcomes...),
		Artifacts:   qc.Artifacts(),
		Diagnostics: qc.Diagnostics(),
		Elapsed:     time.Since(start),
	}
	result = c.aggregator.Aggregate(snap)
	c.observer.OnResult(qc.TraceID(), result)

	final := StageCompleted
	if result.PipelineHealth == HealthCompleteFailure {
		final = StageFailed
	}
	emit(sink, ProgressEvent{TraceID: qc.TraceID(), Stage: PipelineStage, Status: final, Artifact: result.Public()})
	return result
}

func budgetExhausted(ctx context.Context, qc *QueryContext) string {
	if ctx.Err() != nil {
		return "global time budget exhausted"
	}
	if qc.TokensExhausted() {
		return "token budget exhausted"
	}
	return ""
}

// skipStage records a stage that never ran because the budget ran out. It
// only counts as a required failure when no answer exists yet.
func (c *Coordinator) skipStage(qc *QueryContext, i int, reason string, sink ProgressSink) StageOutcome {
	s := c.cfg.Stages[i]
	_, hasAnswer := qc.Answer()
	out := StageOutcome{
		Name:     s.Name,
		Role:     s.Role,
		Required: s.Required && !hasAnswer,
		Status:   StageFailed,
		Result:   AgentResult{Err: &AgentError{Kind: ErrKindBudgetExhausted, Message: reason}},
	}
	c.runner.record(qc, Diagnostic{Stage: s.Name, Outcome: OutcomeSkipped, ErrorKind: ErrKindBudgetExhausted, Message: reason})
	emit(sink, ProgressEvent{TraceID: qc.TraceID(), Stage: s.Name, Status: StageFailed})
	return out
}

// stopStage records a stage that never ran because a required stage failed.
func (c *Coordinator) stopStage(qc *QueryContext, i int, failed string, sink ProgressSink) StageOutcome {
	s := c.cfg.Stages[i]
	msg := "pipeline stopped after required stage " + failed + " failed"
	c.runner.record(qc, Diagnostic{Stage: s.Name, Outcome: OutcomeSkipped, ErrorKind: ErrKindDependencyUnmet, Message: msg})
	emit(sink, ProgressEvent{TraceID: qc.TraceID(), Stage: s.Name, Status: StageSkipped})
	return StageOutcome{
		Name:     s.Name,
		Role:     s.Role,
		Required: s.Required,
		Status:   StageSkipped,
		Result:   AgentResult{Err: &AgentError{Kind: ErrKindDependencyUnmet, Message: msg}},
	}
}

// runWave fans the stages out and waits for all of them. Parallel waves may
// not eat into the sequential reserve.
func (c *Coordinator) runWave(ctx context.Context, deadline time.Time, idxs []int, qc *QueryContext, outcomes []StageOutcome, sink ProgressSink) {
	wctx := ctx
	if c.cfg.SequentialReserve > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithDeadline(ctx, deadline.Add(-c.cfg.SequentialReserve))
		defer cancel()
	}

	results := make([]StageOutcome, len(idxs))
	p := pool.New()
	for n, i := range idxs {
		n, i := n, i
		p.Go(func() {
			results[n] = c.runStage(wctx, i, qc, outcomes, sink)
		})
	}
	p.Wait()
	for n, i := range idxs {
		outcomes[i] = results[n]
	}
}

func (c *Coordinator) runStage(ctx context.Context, i int, qc *QueryContext, outcomes []StageOutcome, sink ProgressSink) StageOutcome {
	s := c.cfg.Stages[i]
	emit(sink, ProgressEvent{TraceID: qc.TraceID(), Stage: s.Name, Status: StageRunning})

	for _, dep := range s.DependsOn {
		if !c.produced(dep, outcomes) {
			c.runner.record(qc, Diagnostic{
				Stage:     s.Name,
				Outcome:   OutcomeDependencyUnmet,
				ErrorKind: ErrKindDependencyUnmet,
				Message:   "dependency " + dep + " produced no data; running on degraded input",
			})
		}
	}

	sctx, span := tracing.StartStageSpan(ctx, qc.TraceID(), s.Name)
	res := c.runner.Run(sctx, s, qc)

	status := StageFailed
	switch {
	case res.HasData() && res.UsedFallback:
		status = StageDegraded
	case res.Success:
		status = StageCompleted
	}
	if res.Success && res.Data != nil {
		if err := qc.SetArtifact(s.Name, s.Output, res.Data); err != nil {
			c.runner.record(qc, Diagnostic{Stage: s.Name, Outcome: OutcomeFailed, ErrorKind: ErrKindAgent, Message: err.Error()})
		}
	}

	failure := ""
	if res.Err != nil {
		failure = res.Err.Message
	}
	tracing.EndSpan(span, failure)

	emit(sink, ProgressEvent{TraceID: qc.TraceID(), Stage: s.Name, Status: status, Artifact: res.Data})
	return StageOutcome{Name: s.Name, Role: s.Role, Required: s.Required, Status: status, Result: res}
}

// produced reports whether the named earlier stage yielded usable data.
func (c *Coordinator) produced(name string, outcomes []StageOutcome) bool {
	for i, s := range c.cfg.Stages {
		if s.Name == name {
			o := outcomes[i]
			return o.Status.Terminal() && o.Status != StageFailed && o.Result.HasData()
		}
	}
	return false
}

func emit(sink ProgressSink, evt ProgressEvent) {
	if sink == nil {
		return
	}
	defer func() { _ = recover() }()
	sink.Emit(evt)
}

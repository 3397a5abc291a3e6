package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/tracing"
)

// Breakers guards agent invocations by agent name.
type Breakers interface {
	Execute(ctx context.Context, name string, fn func() error) error
}

type noBreakers struct{}

func (noBreakers) Execute(_ context.Context, _ string, fn func() error) error { return fn() }

// Sleeper waits for d or until ctx is done. It reports whether the full
// delay elapsed.
type Sleeper func(ctx context.Context, d time.Duration) bool

func timerSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// DefaultMaxBackoff caps backoff sleeps of stages that set no MaxBackoff.
const DefaultMaxBackoff = time.Minute

// StageRunner executes the agents of one stage under its retry, timeout and
// fallback policy and normalizes the outcome into a single AgentResult.
type StageRunner struct {
	registry  *Registry
	fallbacks *FallbackSet
	breakers  Breakers
	observer  Observer
	sleep     Sleeper
}

// RunnerOption customizes a StageRunner.
type RunnerOption func(*StageRunner)

// WithBreakers guards agent calls with per-agent circuit breakers.
func WithBreakers(b Breakers) RunnerOption {
	return func(r *StageRunner) {
		if b != nil {
			r.breakers = b
		}
	}
}

// WithObserver forwards every diagnostics entry to o.
func WithObserver(o Observer) RunnerOption {
	return func(r *StageRunner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) RunnerOption {
	return func(r *StageRunner) {
		if s != nil {
			r.sleep = s
		}
	}
}

// NewStageRunner creates a runner dispatching through registry.
func NewStageRunner(registry *Registry, fallbacks *FallbackSet, opts ...RunnerOption) *StageRunner {
	if fallbacks == nil {
		fallbacks = NewFallbackSet()
	}
	r := &StageRunner{
		registry:  registry,
		fallbacks: fallbacks,
		breakers:  noBreakers{},
		observer:  nopObserver{},
		sleep:     timerSleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes stage. Agents of a multi-agent stage run concurrently and their
// outputs are merged. When no agent yields data the stage's fallbacks are
// walked in order. Run never panics.
func (r *StageRunner) Run(ctx context.Context, stage StageDescriptor, qc *QueryContext) AgentResult {
	start := time.Now()

	results := make([]AgentResult, len(stage.Agents))
	if len(stage.Agents) == 1 {
		results[0] = r.runWithRetries(ctx, stage, stage.Agents[0], qc)
	} else {
		p := pool.New()
		for i, kind := range stage.Agents {
			i, kind := i, kind
			p.Go(func() {
				results[i] = r.runWithRetries(ctx, stage, kind, qc)
			})
		}
		p.Wait()
	}

	merged := mergeResults(results)
	if merged.HasData() {
		merged.LatencyMs = time.Since(start).Milliseconds()
		return merged
	}

	if res, ok := r.runFallbacks(ctx, stage, qc); ok {
		res.LatencyMs = time.Since(start).Milliseconds()
		return res
	}

	if merged.Success {
		// The agents answered but found nothing and no fallback did better.
		merged.LatencyMs = time.Since(start).Milliseconds()
		return merged
	}

	kind := ErrKindFallbacksExhausted
	if ctx.Err() != nil || merged.ErrorKind() == ErrKindBudgetExhausted {
		kind = ErrKindBudgetExhausted
	}
	res := AgentResult{
		Err:       &AgentError{Kind: kind, Message: exhaustedMessage(stage.Role)},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	r.record(qc, Diagnostic{
		Stage:     stage.Name,
		Outcome:   OutcomeExhausted,
		ErrorKind: kind,
		Message:   res.Err.Message,
		LatencyMs: res.LatencyMs,
	})
	return res
}

func (r *StageRunner) runWithRetries(ctx context.Context, stage StageDescriptor, kind Kind, qc *QueryContext) AgentResult {
	agent, ok := r.registry.Get(kind)
	if !ok {
		res := Failed(ErrKindAgent, "no agent registered for %s", kind)
		r.record(qc, Diagnostic{Stage: stage.Name, Agent: string(kind), Outcome: OutcomeFailed, ErrorKind: ErrKindAgent, Message: res.Err.Message})
		return res
	}

	bo := newBackoff(stage)
	attempts := stage.MaxRetries + 1
	var last AgentResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			last = Failed(ErrKindBudgetExhausted, "pipeline budget exhausted before attempt %d", attempt)
			r.record(qc, Diagnostic{Stage: stage.Name, Agent: string(kind), Attempt: attempt, Outcome: OutcomeFailed, ErrorKind: ErrKindBudgetExhausted, Message: last.Err.Message})
			return last
		}

		res := r.invoke(ctx, stage, kind, agent, qc, attempt)
		if res.Success {
			r.record(qc, Diagnostic{Stage: stage.Name, Agent: string(kind), Attempt: attempt, Outcome: OutcomeSuccess, LatencyMs: res.LatencyMs})
			return res
		}

		last = res
		retry := attempt < attempts && res.ErrorKind().Retryable() && ctx.Err() == nil
		outcome := OutcomeFailed
		if retry {
			outcome = OutcomeRetry
		}
		r.record(qc, Diagnostic{
			Stage:     stage.Name,
			Agent:     string(kind),
			Attempt:   attempt,
			Outcome:   outcome,
			ErrorKind: res.ErrorKind(),
			Message:   res.errMessage(),
			LatencyMs: res.LatencyMs,
		})
		if !retry {
			break
		}
		if !r.sleep(ctx, bo.NextBackOff()) {
			last = Failed(ErrKindBudgetExhausted, "pipeline budget exhausted during backoff after attempt %d", attempt)
			break
		}
	}
	return last
}

// invoke performs one guarded attempt: breaker, hard deadline, panic recovery.
func (r *StageRunner) invoke(ctx context.Context, stage StageDescriptor, kind Kind, agent Agent, qc *QueryContext, attempt int) AgentResult {
	timeout, budgetBound := attemptTimeout(ctx, stage.Timeout)
	actx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()
	actx = WithTrace(actx, qc.TraceID())
	actx, span := tracing.StartAgentSpan(actx, qc.TraceID(), stage.Name, string(kind), attempt)

	start := time.Now()
	var res AgentResult
	err := r.breakers.Execute(actx, string(kind), func() error {
		res = call(actx, agent, qc)
		if !res.Success {
			return res.Err
		}
		return nil
	})
	switch {
	case circuitbreaker.IsOpen(err):
		res = Failed(ErrKindCircuitOpen, "%s: %v", kind, err)
	case !res.Success && res.Err == nil:
		// The breaker refused the call without running it.
		res = refused(kind, err)
	}
	if res.ErrorKind() == ErrKindTimeout && (budgetBound || ctx.Err() != nil) {
		res.Err = &AgentError{Kind: ErrKindBudgetExhausted, Message: "pipeline budget exhausted while waiting for " + string(kind)}
	}
	res.LatencyMs = time.Since(start).Milliseconds()
	if res.Success {
		qc.ConsumeTokens(res.TokensUsed)
	}

	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	tracing.EndSpan(span, msg)
	return res
}

// refused classifies an attempt that never reached the agent.
func refused(kind Kind, err error) AgentResult {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Failed(ErrKindTimeout, "%s: attempt deadline passed before the call started", kind)
	case errors.Is(err, context.Canceled):
		return Failed(ErrKindBudgetExhausted, "%s: pipeline cancelled before the call started", kind)
	case err != nil:
		return Failed(ErrKindAgent, "%s: %v", kind, err)
	default:
		return Failed(ErrKindAgent, "%s: call was not made", kind)
	}
}

// call runs the agent in its own goroutine so a hung agent can be abandoned
// once ctx is done.
func call(ctx context.Context, agent Agent, qc *QueryContext) AgentResult {
	done := make(chan AgentResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Failed(ErrKindCrash, "agent panicked: %v", p)
			}
		}()
		done <- agent.Execute(ctx, qc)
	}()

	select {
	case res := <-done:
		return normalize(ctx, res)
	case <-ctx.Done():
		return Failed(ErrKindTimeout, "agent did not finish before its deadline")
	}
}

func normalize(ctx context.Context, res AgentResult) AgentResult {
	if res.Success {
		res.Err = nil
		res.Confidence = clamp01(res.Confidence)
		return res
	}
	res.Confidence = 0
	res.Data = nil
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Err = &AgentError{Kind: ErrKindTimeout, Message: "agent did not finish before its deadline"}
	} else if res.Err == nil {
		res.Err = &AgentError{Kind: ErrKindAgent, Message: "agent reported failure without detail"}
	}
	return res
}

// attemptTimeout returns min(stage timeout, remaining ctx budget) and whether
// the pipeline budget was the binding limit.
func attemptTimeout(ctx context.Context, stageTimeout time.Duration) (time.Duration, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return stageTimeout, false
	}
	remaining := time.Until(deadline)
	if stageTimeout <= 0 || remaining <= stageTimeout {
		return remaining, true
	}
	return stageTimeout, false
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		if _, ok := ctx.Deadline(); ok {
			// Budget already spent: an immediately expired context.
			return context.WithTimeout(ctx, 0)
		}
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func newBackoff(stage StageDescriptor) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = stage.BaseDelay
	b.Multiplier = stage.BackoffFactor
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.MaxInterval = stage.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxBackoff
	}
	if b.MaxInterval < stage.BaseDelay {
		b.MaxInterval = stage.BaseDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// BackoffDelay is the sleep before attempt+1: base * factor^(attempt-1).
func BackoffDelay(stage StageDescriptor, attempt int) time.Duration {
	b := newBackoff(stage)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (r *StageRunner) runFallbacks(ctx context.Context, stage StageDescriptor, qc *QueryContext) (AgentResult, bool) {
	for _, name := range stage.Fallbacks {
		if ctx.Err() != nil {
			return AgentResult{}, false
		}
		fb, ok := r.fallbacks.Get(name)
		if !ok {
			r.record(qc, Diagnostic{Stage: stage.Name, Outcome: OutcomeFallbackFailed, Strategy: name, ErrorKind: ErrKindAgent, Message: "unknown fallback strategy"})
			continue
		}

		start := time.Now()
		res := r.applyFallback(ctx, fb, FallbackRequest{
			Stage:  stage,
			Query:  qc,
			Invoke: r.invoker(stage),
		})
		latency := time.Since(start).Milliseconds()
		if res.HasData() {
			res.UsedFallback = true
			res.FallbackStrategy = name
			res.Err = nil
			res.Confidence = clamp01(res.Confidence)
			r.record(qc, Diagnostic{Stage: stage.Name, Outcome: OutcomeFallback, UsedFallback: true, Strategy: name, LatencyMs: latency})
			return res, true
		}

		d := Diagnostic{Stage: stage.Name, Outcome: OutcomeFallbackFailed, Strategy: name, LatencyMs: latency, Message: "fallback produced no data"}
		if res.Err != nil {
			d.ErrorKind = res.Err.Kind
			d.Message = res.Err.Message
		}
		r.record(qc, d)
	}
	return AgentResult{}, false
}

func (r *StageRunner) applyFallback(ctx context.Context, fb Fallback, req FallbackRequest) (res AgentResult) {
	defer func() {
		if p := recover(); p != nil {
			res = Failed(ErrKindCrash, "fallback %s panicked: %v", fb.Name(), p)
		}
	}()
	return fb.Apply(ctx, req)
}

// invoker lets fallbacks make a single guarded call to any registered agent.
func (r *StageRunner) invoker(stage StageDescriptor) func(ctx context.Context, kind Kind, qc *QueryContext) AgentResult {
	return func(ctx context.Context, kind Kind, qc *QueryContext) AgentResult {
		agent, ok := r.registry.Get(kind)
		if !ok {
			return Failed(ErrKindAgent, "no agent registered for %s", kind)
		}
		return r.invoke(ctx, stage, kind, agent, qc, 0)
	}
}

func (r *StageRunner) record(qc *QueryContext, d Diagnostic) {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	qc.appendDiagnostic(d)
	r.observer.OnDiagnostic(qc.TraceID(), d)
}

// mergeResults folds per-agent results of one stage. Documents from several
// successful agents are concatenated; otherwise the first success wins.
func mergeResults(results []AgentResult) AgentResult {
	var ok []AgentResult
	var firstFailure *AgentResult
	for i := range results {
		if results[i].Success {
			ok = append(ok, results[i])
		} else if firstFailure == nil {
			firstFailure = &results[i]
		}
	}
	switch {
	case len(ok) == 0 && firstFailure != nil:
		return *firstFailure
	case len(ok) == 0:
		return Failed(ErrKindAgent, "stage has no agents")
	case len(ok) == 1:
		return ok[0]
	}

	merged := AgentResult{Success: true}
	var docs Documents
	allDocs := true
	var confSum float64
	for _, res := range ok {
		merged.TokensUsed += res.TokensUsed
		confSum += res.Confidence
		d, isDocs := res.Data.(Documents)
		if !isDocs {
			allDocs = false
			continue
		}
		docs = append(docs, d...)
	}
	merged.Confidence = confSum / float64(len(ok))
	if allDocs {
		merged.Data = docs
	} else {
		for _, res := range ok {
			if res.HasData() {
				merged.Data = res.Data
				break
			}
		}
	}
	return merged
}

func exhaustedMessage(role Role) string {
	switch role {
	case RoleRetrieval:
		return "No documents could be retrieved for this query."
	case RoleEnrichment:
		return "Supplementary sources were unavailable."
	case RoleFactCheck:
		return "The retrieved claims could not be verified."
	case RoleSynthesis:
		return "An answer could not be generated from the available information."
	case RoleCitation:
		return "Sources could not be formatted."
	default:
		return fmt.Sprintf("The %s step could not be completed.", role)
	}
}

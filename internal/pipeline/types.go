package pipeline

import (
	"fmt"
	"time"
)

// ErrorKind classifies why an agent invocation or a stage did not produce data.
type ErrorKind string

const (
	ErrKindTimeout            ErrorKind = "agent_timeout"
	ErrKindAgent              ErrorKind = "agent_error"
	ErrKindCrash              ErrorKind = "agent_crash"
	ErrKindDependencyUnmet    ErrorKind = "dependency_unmet"
	ErrKindBudgetExhausted    ErrorKind = "budget_exhausted"
	ErrKindFallbacksExhausted ErrorKind = "all_fallbacks_exhausted"
	// ErrKindCircuitOpen is an agent error raised without calling the agent
	// because its breaker rejected the request.
	ErrKindCircuitOpen ErrorKind = "circuit_open"
)

// Retryable reports whether another attempt of the same agent can help.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTimeout, ErrKindAgent, ErrKindCrash:
		return true
	default:
		return false
	}
}

// AgentError is the structured failure carried by an AgentResult.
type AgentError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *AgentError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AgentResult is the normalized outcome of one agent invocation or of a whole stage.
type AgentResult struct {
	Success          bool        `json:"success"`
	Data             any         `json:"data,omitempty"`
	Err              *AgentError `json:"error,omitempty"`
	Confidence       float64     `json:"confidence"`
	LatencyMs        int64       `json:"latency_ms"`
	UsedFallback     bool        `json:"used_fallback"`
	FallbackStrategy string      `json:"fallback_strategy,omitempty"`
	TokensUsed       int         `json:"tokens_used,omitempty"`
}

// Succeeded builds a successful result with a clamped confidence.
func Succeeded(data any, confidence float64) AgentResult {
	return AgentResult{Success: true, Data: data, Confidence: clamp01(confidence)}
}

// Failed builds a failed result. Confidence is always zero.
func Failed(kind ErrorKind, format string, args ...any) AgentResult {
	return AgentResult{Err: &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// ErrorKind returns the failure kind or "" for successful results.
func (r AgentResult) ErrorKind() ErrorKind {
	if r.Err == nil {
		return ""
	}
	return r.Err.Kind
}

func (r AgentResult) errMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Message
}

// HasData reports whether the result succeeded with usable, non-empty data.
func (r AgentResult) HasData() bool {
	if !r.Success || r.Data == nil {
		return false
	}
	if e, ok := r.Data.(interface{ Empty() bool }); ok {
		return !e.Empty()
	}
	if s, ok := r.Data.(string); ok {
		return s != ""
	}
	return true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Mode says how a stage is scheduled.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// Role identifies what a stage contributes to the answer. Advisories and
// confidence are keyed by role rather than by stage name.
type Role string

const (
	RoleRetrieval  Role = "retrieval"
	RoleEnrichment Role = "enrichment"
	RoleFactCheck  Role = "fact_check"
	RoleSynthesis  Role = "synthesis"
	RoleCitation   Role = "citation"
)

// Well-known artifact slots.
const (
	SlotDocuments     = "documents"
	SlotGraph         = "graph"
	SlotWebEnrichment = "web_enrichment"
	SlotDBEnrichment  = "db_enrichment"
	SlotFacts         = "facts"
	SlotAnswer        = "answer"
	SlotCitations     = "citations"
)

// StageDescriptor declares one named step of the pipeline and its policy.
type StageDescriptor struct {
	Name          string        `json:"name" yaml:"name"`
	Role          Role          `json:"role" yaml:"role"`
	Agents        []Kind        `json:"agents" yaml:"agents"`
	Mode          Mode          `json:"mode" yaml:"mode"`
	Wave          string        `json:"wave,omitempty" yaml:"wave"`
	DependsOn     []string      `json:"depends_on,omitempty" yaml:"depends_on"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	BaseDelay     time.Duration `json:"base_delay" yaml:"base_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	// MaxBackoff caps a single backoff sleep; zero means DefaultMaxBackoff.
	MaxBackoff    time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff"`
	Fallbacks     []string      `json:"fallbacks,omitempty" yaml:"fallbacks"`
	Required      bool          `json:"required" yaml:"required"`
	Output        string        `json:"output" yaml:"output"`
}

// PipelineConfig is the immutable configuration handed to NewCoordinator.
type PipelineConfig struct {
	Stages []StageDescriptor
	// GlobalBudget bounds the wall-clock time of a whole run.
	GlobalBudget time.Duration
	// SequentialReserve is the part of GlobalBudget that parallel waves may
	// not consume, so sequential stages still get to run after a slow wave.
	SequentialReserve time.Duration
	// TokenBudget caps the tokens agents may report; zero means unlimited.
	TokenBudget int
}

// StageStatus is the per-stage state machine value.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageDegraded  StageStatus = "degraded"
	StageFailed    StageStatus = "failed"
	// StageSkipped marks a stage that never ran because the run stopped early.
	StageSkipped StageStatus = "skipped"
)

// Terminal reports whether the stage has finished.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageDegraded || s == StageFailed || s == StageSkipped
}

// RunState is the pipeline-level state.
type RunState string

const (
	RunRunning RunState = "running"
	RunSuccess RunState = "success"
	RunPartial RunState = "partial"
	RunFailed  RunState = "failed"
)

// StageOutcome is the final record of one stage handed to the aggregator.
type StageOutcome struct {
	Name     string      `json:"name"`
	Role     Role        `json:"role"`
	Required bool        `json:"required"`
	Status   StageStatus `json:"status"`
	Result   AgentResult `json:"result"`
}

// Outcome labels one diagnostics entry.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeRetry           Outcome = "retry"
	OutcomeFailed          Outcome = "failed"
	OutcomeFallback        Outcome = "fallback"
	OutcomeFallbackFailed  Outcome = "fallback_failed"
	OutcomeExhausted       Outcome = "exhausted"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeDependencyUnmet Outcome = "dependency_unmet"
)

// Diagnostic is one append-only entry describing what happened to an agent or stage.
type Diagnostic struct {
	Stage        string    `json:"stage"`
	Agent        string    `json:"agent,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	Message      string    `json:"message,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	UsedFallback bool      `json:"used_fallback"`
	Strategy     string    `json:"strategy,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Health is the coarse classification of a pipeline run.
type Health string

const (
	HealthSuccess         Health = "success"
	HealthFallbackUsed    Health = "fallback_used"
	HealthPartialFailure  Health = "partial_failure"
	HealthCompleteFailure Health = "complete_failure"
)

// PipelineResult is what callers of RunPipeline receive.
type PipelineResult struct {
	Success              bool           `json:"success"`
	FinalAnswer          string         `json:"final_answer"`
	Sources              []Source       `json:"sources"`
	Confidence           float64        `json:"confidence"`
	PipelineHealth       Health         `json:"pipeline_health"`
	State                RunState       `json:"state"`
	Advisories           []string       `json:"advisories"`
	Stages               []StageOutcome `json:"stages"`
	StageDiagnostics     []Diagnostic   `json:"stage_diagnostics"`
	TotalExecutionTimeMs int64          `json:"total_execution_time_ms"`
	TraceID              string         `json:"trace_id"`
}

// Snapshot is the frozen view of a finished run that the aggregator works from.
type Snapshot struct {
	TraceID     string
	Query       string
	Stages      []StageOutcome
	Artifacts   []Artifact
	Diagnostics []Diagnostic
	Elapsed     time.Duration
}

// Artifact returns the named slot's value from the snapshot.
func (s Snapshot) Artifact(slot string) (any, bool) {
	for _, a := range s.Artifacts {
		if a.Slot == slot {
			return a.Value, true
		}
	}
	return nil, false
}

// Aggregator turns a finished run into a PipelineResult. Implementations must
// be pure over the snapshot.
type Aggregator interface {
	Aggregate(snap Snapshot) PipelineResult
}

// Observer receives every diagnostics entry and the final result of a run.
type Observer interface {
	OnDiagnostic(traceID string, d Diagnostic)
	OnResult(traceID string, r PipelineResult)
}

// PipelineStage names the final progress event, which carries the result.
const PipelineStage = "pipeline"

// ProgressEvent is emitted as stages change state.
type ProgressEvent struct {
	TraceID  string      `json:"trace_id"`
	Stage    string      `json:"stage"`
	Status   StageStatus `json:"status"`
	Artifact any         `json:"artifact,omitempty"`
}

// ProgressSink receives progress events. Emit must not block for long.
type ProgressSink interface {
	Emit(evt ProgressEvent)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(evt ProgressEvent)

func (f ProgressFunc) Emit(evt ProgressEvent) { f(evt) }

type nopObserver struct{}

func (nopObserver) OnDiagnostic(string, Diagnostic)  {}
func (nopObserver) OnResult(string, PipelineResult) {}

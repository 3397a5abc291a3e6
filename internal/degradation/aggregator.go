package degradation

import (
	"errors"
	"strings"
	"text/template"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// Config holds the aggregation knobs. The factors are tunable defaults, not
// validated constants.
type Config struct {
	// OptionalFailureFactor multiplies confidence once per optional stage that failed.
	OptionalFailureFactor float64 `mapstructure:"optional_failure_factor" yaml:"optional_failure_factor"`
	// FallbackFactor multiplies confidence once per stage served by a fallback.
	FallbackFactor float64 `mapstructure:"fallback_factor" yaml:"fallback_factor"`
	// ApologyAnswer is returned as final answer when nothing could be composed.
	ApologyAnswer string    `mapstructure:"apology_answer" yaml:"apology_answer"`
	Templates     Templates `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default degradation factors and templates.
func DefaultConfig() Config {
	return Config{
		OptionalFailureFactor: 0.85,
		FallbackFactor:        0.7,
		ApologyAnswer:         "Sorry, we could not produce an answer to this question right now.",
		Templates:             DefaultTemplates(),
	}
}

// Aggregator classifies a finished run and builds the caller-facing result.
// It holds no mutable state.
type Aggregator struct {
	cfg       Config
	templates map[AdvisoryClass]*template.Template
}

// NewAggregator validates cfg and compiles its templates.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.OptionalFailureFactor <= 0 || cfg.OptionalFailureFactor > 1 {
		return nil, errors.New("optional failure factor must be in (0, 1]")
	}
	if cfg.FallbackFactor <= 0 || cfg.FallbackFactor > 1 {
		return nil, errors.New("fallback factor must be in (0, 1]")
	}
	if cfg.Templates == nil {
		cfg.Templates = DefaultTemplates()
	} else {
		merged := DefaultTemplates()
		for k, v := range cfg.Templates {
			merged[k] = v
		}
		cfg.Templates = merged
	}
	tmpls, err := compile(cfg.Templates)
	if err != nil {
		return nil, err
	}
	return &Aggregator{cfg: cfg, templates: tmpls}, nil
}

// Aggregate implements pipeline.Aggregator.
func (a *Aggregator) Aggregate(snap pipeline.Snapshot) pipeline.PipelineResult {
	var (
		requiredFailed bool
		optionalFailed int
		fallbacks      int
		budgetHit      bool
		synthesisConf  float64
	)
	for _, st := range snap.Stages {
		switch st.Status {
		case pipeline.StageFailed:
			if st.Required {
				requiredFailed = true
			} else {
				optionalFailed++
			}
			if st.Result.ErrorKind() == pipeline.ErrKindBudgetExhausted {
				budgetHit = true
			}
		case pipeline.StageDegraded:
			fallbacks++
		}
		if st.Role == pipeline.RoleSynthesis && st.Result.HasData() {
			synthesisConf = st.Result.Confidence
		}
	}

	answer, hasAnswer := answerOf(snap)

	health := pipeline.HealthSuccess
	switch {
	case requiredFailed || !hasAnswer:
		health = pipeline.HealthCompleteFailure
	case optionalFailed > 0:
		health = pipeline.HealthPartialFailure
	case fallbacks > 0:
		health = pipeline.HealthFallbackUsed
	}

	confidence := synthesisConf
	for i := 0; i < optionalFailed; i++ {
		confidence *= a.cfg.OptionalFailureFactor
	}
	for i := 0; i < fallbacks; i++ {
		confidence *= a.cfg.FallbackFactor
	}
	if confidence < 0 || !hasAnswer {
		confidence = 0
	}

	res := pipeline.PipelineResult{
		Success:              health != pipeline.HealthCompleteFailure,
		Confidence:           confidence,
		PipelineHealth:       health,
		State:                stateFor(health),
		Stages:               append([]pipeline.StageOutcome(nil), snap.Stages...),
		StageDiagnostics:     append([]pipeline.Diagnostic(nil), snap.Diagnostics...),
		TotalExecutionTimeMs: snap.Elapsed.Milliseconds(),
		TraceID:              snap.TraceID,
	}
	res.FinalAnswer, res.Sources = a.finalAnswer(snap, answer, hasAnswer)

	res.Advisories = a.advisories(snap, budgetHit)
	if health != pipeline.HealthSuccess && len(res.Advisories) == 0 {
		res.Advisories = []string{a.render(ClassGeneric, AdvisoryData{})}
	}
	if res.Advisories == nil {
		res.Advisories = []string{}
	}
	return res
}

func stateFor(h pipeline.Health) pipeline.RunState {
	switch h {
	case pipeline.HealthSuccess:
		return pipeline.RunSuccess
	case pipeline.HealthCompleteFailure:
		return pipeline.RunFailed
	default:
		return pipeline.RunPartial
	}
}

func answerOf(snap pipeline.Snapshot) (pipeline.Answer, bool) {
	v, ok := snap.Artifact(pipeline.SlotAnswer)
	if !ok {
		return pipeline.Answer{}, false
	}
	ans, ok := v.(pipeline.Answer)
	return ans, ok && !ans.Empty()
}

// finalAnswer prefers the cited text, then the bare answer, then the apology.
// Sources come from the citation artifact, else from retrieved documents.
func (a *Aggregator) finalAnswer(snap pipeline.Snapshot, answer pipeline.Answer, hasAnswer bool) (string, []pipeline.Source) {
	var cited pipeline.Citations
	if v, ok := snap.Artifact(pipeline.SlotCitations); ok {
		cited, _ = v.(pipeline.Citations)
	}

	sources := cited.Sources
	if len(sources) == 0 {
		sources = sourcesFromDocuments(snap)
	}
	if sources == nil {
		sources = []pipeline.Source{}
	}

	switch {
	case !hasAnswer:
		return a.cfg.ApologyAnswer, sources
	case cited.Text != "":
		return cited.Text, sources
	default:
		return answer.Text, sources
	}
}

func sourcesFromDocuments(snap pipeline.Snapshot) []pipeline.Source {
	seen := make(map[string]bool)
	var out []pipeline.Source
	for _, art := range snap.Artifacts {
		docs, ok := art.Value.(pipeline.Documents)
		if !ok {
			continue
		}
		for _, d := range docs {
			key := d.URL
			if key == "" {
				key = d.Title
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, pipeline.Source{Index: len(out) + 1, Title: d.Title, URL: d.URL})
		}
	}
	return out
}

type classState struct {
	stages       []string
	usedFallback bool
}

// advisories renders one message per degraded class in stage order, preceded
// by a multi-stage summary when more than one class degraded.
func (a *Aggregator) advisories(snap pipeline.Snapshot, budgetHit bool) []string {
	var order []AdvisoryClass
	classes := make(map[AdvisoryClass]*classState)
	for _, st := range snap.Stages {
		if st.Status != pipeline.StageFailed && st.Status != pipeline.StageDegraded {
			continue
		}
		class := ClassFor(st.Role)
		cs, ok := classes[class]
		if !ok {
			cs = &classState{usedFallback: true}
			classes[class] = cs
			order = append(order, class)
		}
		cs.stages = append(cs.stages, st.Name)
		if st.Status == pipeline.StageFailed {
			cs.usedFallback = false
		}
	}

	var out []string
	if len(order) > 1 {
		var names []string
		for _, c := range order {
			names = append(names, classes[c].stages...)
		}
		out = append(out, a.render(ClassMultiStage, AdvisoryData{Stages: strings.Join(names, ", ")}))
	}
	for _, c := range order {
		cs := classes[c]
		out = append(out, a.render(c, AdvisoryData{Stages: strings.Join(cs.stages, ", "), UsedFallback: cs.usedFallback}))
	}
	if budgetHit {
		out = append(out, a.render(ClassBudget, AdvisoryData{}))
	}
	return dedupe(out)
}

func (a *Aggregator) render(class AdvisoryClass, data AdvisoryData) string {
	tmpl, ok := a.templates[class]
	if !ok {
		tmpl = a.templates[ClassGeneric]
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil || strings.TrimSpace(b.String()) == "" {
		b.Reset()
		_ = a.templates[ClassGeneric].Execute(&b, AdvisoryData{})
	}
	return strings.TrimSpace(b.String())
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

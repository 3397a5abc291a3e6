package agents

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/formatting"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// MaxSources caps the sources numbered for synthesis and citation alike.
const MaxSources = 10

// CitationConfig configures the local citation agent.
type CitationConfig struct {
	// RulesFile holds domain credibility rules; empty uses the defaults.
	RulesFile string `mapstructure:"rules_file" yaml:"rules_file"`
}

// numberedSources ranks the run's documents. Synthesis cites by position in
// this list and the citation agent numbers by it, so both must call it with
// the same rules.
func numberedSources(docs pipeline.Documents, rules *metadata.CredibilityRules) []metadata.Citation {
	return metadata.Collect(docs, rules, MaxSources)
}

// CitationAgent attaches a numbered source list to the answer.
type CitationAgent struct {
	rules *metadata.CredibilityRules
}

func NewCitationAgent(deps Deps) *CitationAgent {
	deps = deps.withDefaults()
	return &CitationAgent{rules: deps.Credibility}
}

func (a *CitationAgent) Execute(_ context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
	ans, ok := qc.Answer()
	if !ok {
		return pipeline.Failed(pipeline.ErrKindDependencyUnmet, "citation: no answer to cite")
	}
	cites := numberedSources(qc.Documents(), a.rules)
	if len(cites) == 0 {
		return pipeline.Succeeded(pipeline.Citations{Text: formatting.StripSourcesSection(ans.Text), Sources: []pipeline.Source{}}, 0.5)
	}

	refs := make([]formatting.Reference, 0, len(cites))
	sources := make([]pipeline.Source, 0, len(cites))
	var cred float64
	for i, c := range cites {
		refs = append(refs, formatting.Reference{Index: i + 1, Title: c.Title, URL: c.URL})
		sources = append(sources, pipeline.Source{
			Index:       i + 1,
			Title:       c.Title,
			URL:         c.URL,
			Domain:      c.Domain,
			Credibility: c.Credibility,
		})
		cred += c.Credibility
	}
	text := formatting.AppendSources(ans.Text, refs)
	return pipeline.Succeeded(pipeline.Citations{Text: text, Sources: sources}, cred/float64(len(cites)))
}

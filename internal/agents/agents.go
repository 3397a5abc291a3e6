// Package agents holds the reference agents: thin clients of the search,
// knowledge-graph, web, database, verification and completion services.
package agents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// Config selects and configures the reference agents. An agent whose
// endpoint is empty is not registered.
type Config struct {
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Graph     GraphConfig     `mapstructure:"knowledge_graph" yaml:"knowledge_graph"`
	WebSearch WebSearchConfig `mapstructure:"web_search" yaml:"web_search"`
	SQL       SQLConfig       `mapstructure:"sql" yaml:"sql"`
	FactCheck FactCheckConfig `mapstructure:"fact_check" yaml:"fact_check"`
	Synthesis SynthesisConfig `mapstructure:"synthesis" yaml:"synthesis"`
	Citation  CitationConfig  `mapstructure:"citation" yaml:"citation"`
}

// Deps are the shared collaborators of the reference agents.
type Deps struct {
	// Breakers guards outbound HTTP calls, one breaker per host.
	Breakers *circuitbreaker.Group
	// Redis backs the second cache layer when set.
	Redis *circuitbreaker.RedisWrapper
	// DatabaseBreaker guards the enrichment database.
	DatabaseBreaker circuitbreaker.Settings
	Credibility     *metadata.CredibilityRules
	Logger          *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Credibility == nil {
		d.Credibility = metadata.DefaultCredibilityRules()
	}
	return d
}

// Resources are the connections opened while registering agents.
type Resources struct {
	// DB is nil unless the database enrichment agent is configured.
	DB *circuitbreaker.DatabaseWrapper
}

// Close releases the database connection, if one was opened.
func (r *Resources) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Register builds every configured agent and installs it in reg.
func Register(ctx context.Context, reg *pipeline.Registry, cfg Config, deps Deps) (*Resources, error) {
	deps = deps.withDefaults()
	if deps.Breakers == nil {
		deps.Breakers = circuitbreaker.NewGroup(circuitbreaker.ServiceHTTP, circuitbreaker.DefaultSettings(), nil, deps.Logger)
	}
	if cfg.Citation.RulesFile != "" {
		rules, err := metadata.LoadCredibilityRules(cfg.Citation.RulesFile)
		if err != nil {
			return nil, err
		}
		deps.Credibility = rules
	}

	res := &Resources{}
	install := func(kind pipeline.Kind, a pipeline.Agent, err error) error {
		if err != nil {
			return fmt.Errorf("%s agent: %w", kind, err)
		}
		deps.Logger.Info("Registered agent", zap.String("agent", string(kind)))
		return reg.Register(kind, a)
	}

	var errs []error
	if cfg.Retrieval.Enabled() {
		a, err := NewRetrievalAgent(cfg.Retrieval, deps)
		errs = append(errs, install(pipeline.KindRetrieval, a, err))
	}
	if cfg.Graph.Enabled() {
		a, err := NewGraphAgent(cfg.Graph, deps)
		errs = append(errs, install(pipeline.KindKnowledgeGraph, a, err))
	}
	if cfg.WebSearch.Enabled() {
		a, err := NewWebSearchAgent(cfg.WebSearch, deps)
		errs = append(errs, install(pipeline.KindWebEnrichment, a, err))
	}
	if cfg.SQL.Enabled() {
		db, err := OpenDatabase(ctx, cfg.SQL, deps.DatabaseBreaker, deps.Logger)
		if err == nil {
			res.DB = db
			errs = append(errs, install(pipeline.KindDBEnrichment, NewSQLAgent(cfg.SQL, db), nil))
		} else {
			errs = append(errs, install(pipeline.KindDBEnrichment, nil, err))
		}
	}
	if cfg.FactCheck.Enabled() {
		a, err := NewFactCheckAgent(cfg.FactCheck, deps)
		errs = append(errs, install(pipeline.KindFactCheck, a, err))
	}
	if cfg.Synthesis.Enabled() {
		a, err := NewSynthesisAgent(cfg.Synthesis, deps)
		errs = append(errs, install(pipeline.KindSynthesis, a, err))
	}
	errs = append(errs, install(pipeline.KindCitation, NewCitationAgent(deps), nil))

	if err := errors.Join(errs...); err != nil {
		_ = res.Close()
		return nil, err
	}
	return res, nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/config"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/degradation"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/streaming"
)

// Deps are the long-lived collaborators shared by every pipeline generation.
type Deps struct {
	// Redis backs the shared retrieval cache; nil disables it.
	Redis *circuitbreaker.RedisWrapper
	// Events receives every run's progress; nil disables streaming.
	Events *streaming.Manager
	Logger *zap.Logger
}

// generation is one coordinator built from one config, together with the
// connections its agents opened.
type generation struct {
	coord     *pipeline.Coordinator
	resources *agents.Resources
	inflight  sync.WaitGroup
}

// Service runs queries against the current pipeline generation. Reload swaps
// in a new generation; queries already running finish on the old one, whose
// connections are closed once they drain.
type Service struct {
	deps     Deps
	logger   *zap.Logger
	observer *Observer

	// Breaker groups live as long as the process so breaker state survives reloads.
	agentBreakers *circuitbreaker.Group
	httpBreakers  *circuitbreaker.Group

	mu      sync.RWMutex
	current *generation
	closed  bool
	drain   sync.WaitGroup
}

// New builds the first pipeline generation from cfg.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Service{
		deps:     deps,
		logger:   deps.Logger,
		observer: NewObserver(deps.Logger),
		agentBreakers: circuitbreaker.NewGroup(circuitbreaker.ServiceAgents,
			cfg.Breakers.Default, cfg.Breakers.Agents, deps.Logger),
		httpBreakers: circuitbreaker.NewGroup(circuitbreaker.ServiceHTTP,
			cfg.Breakers.HTTP, nil, deps.Logger),
	}
	gen, err := s.build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.current = gen
	return s, nil
}

// BuildRegistry registers the agents cfg configures.
func BuildRegistry(ctx context.Context, cfg *config.Config, deps agents.Deps) (*pipeline.Registry, *agents.Resources, error) {
	reg := pipeline.NewRegistry()
	res, err := agents.Register(ctx, reg, cfg.Agents, deps)
	if err != nil {
		return nil, nil, fmt.Errorf("register agents: %w", err)
	}
	return reg, res, nil
}

func (s *Service) build(ctx context.Context, cfg *config.Config) (*generation, error) {
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}
	dcfg, err := cfg.DegradationConfig()
	if err != nil {
		return nil, err
	}
	agg, err := degradation.NewAggregator(dcfg)
	if err != nil {
		return nil, fmt.Errorf("degradation config: %w", err)
	}

	reg, res, err := BuildRegistry(ctx, cfg, agents.Deps{
		Breakers:        s.httpBreakers,
		Redis:           s.deps.Redis,
		DatabaseBreaker: cfg.Breakers.Database,
		Logger:          s.logger,
	})
	if err != nil {
		return nil, err
	}

	coord, err := pipeline.NewCoordinator(pcfg, reg, agg, pipeline.Options{
		Fallbacks: pipeline.NewFallbackSet(pipeline.WithSnippetLimits(cfg.Pipeline.SnippetCount, cfg.Pipeline.SnippetMaxLen)),
		Breakers:  s.agentBreakers,
		Observer:  s.observer,
	})
	if err != nil {
		_ = res.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return &generation{coord: coord, resources: res}, nil
}

// acquire pins the current generation until the returned release is called.
func (s *Service) acquire() (*generation, func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, errors.New("service closed")
	}
	g := s.current
	g.inflight.Add(1)
	return g, g.inflight.Done, nil
}

// RunPipeline executes one query. It never returns an error: failures are
// reported through the result's health and advisories.
func (s *Service) RunPipeline(ctx context.Context, query string, opts pipeline.RunOptions) pipeline.PipelineResult {
	g, release, err := s.acquire()
	if err != nil {
		return pipeline.PipelineResult{
			PipelineHealth: pipeline.HealthCompleteFailure,
			State:          pipeline.RunFailed,
			Advisories:     []string{"The service is shutting down. Please try again."},
			Sources:        []pipeline.Source{},
			TraceID:        opts.TraceID,
		}
	}
	defer release()

	metrics.PipelinesInFlight.Inc()
	defer metrics.PipelinesInFlight.Dec()

	if s.deps.Events != nil {
		opts.Sink = streaming.FanoutSink{s.deps.Events, opts.Sink}
	}
	return g.coord.Run(ctx, query, opts)
}

// Reload builds a generation from cfg and swaps it in. On error the current
// generation stays in place.
func (s *Service) Reload(ctx context.Context, cfg *config.Config) error {
	gen, err := s.build(ctx, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = gen.resources.Close()
		return errors.New("service closed")
	}
	old := s.current
	s.current = gen
	s.drain.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.drain.Done()
		s.retire(old)
	}()
	s.logger.Info("Pipeline reloaded", zap.Int("stages", len(gen.coord.Config().Stages)))
	return nil
}

// ReloadHandler adapts Reload for config.Watcher.
func (s *Service) ReloadHandler(ctx context.Context) config.ChangeHandler {
	return func(cfg *config.Config) error { return s.Reload(ctx, cfg) }
}

func (s *Service) retire(g *generation) {
	g.inflight.Wait()
	if err := g.resources.Close(); err != nil {
		s.logger.Warn("Failed to close retired agent resources", zap.Error(err))
	}
}

// Config returns the active pipeline configuration.
func (s *Service) Config() pipeline.PipelineConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.coord.Config()
}

// RequiredAgents lists the agent kinds that required stages depend on.
func (s *Service) RequiredAgents() []string {
	seen := make(map[pipeline.Kind]bool)
	var out []string
	for _, st := range s.Config().Stages {
		if !st.Required {
			continue
		}
		for _, k := range st.Agents {
			if !seen[k] {
				seen[k] = true
				out = append(out, string(k))
			}
		}
	}
	return out
}

// AgentBreakers exposes the per-agent breakers for health reporting.
func (s *Service) AgentBreakers() *circuitbreaker.Group { return s.agentBreakers }

// Database returns the current enrichment database, or nil.
func (s *Service) Database() *circuitbreaker.DatabaseWrapper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.resources.DB
}

// Close waits for running queries and releases every generation.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cur := s.current
	s.mu.Unlock()

	s.drain.Wait()
	cur.inflight.Wait()
	return cur.resources.Close()
}

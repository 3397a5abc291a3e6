package agents

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// WebSearchConfig configures the web enrichment agent.
type WebSearchConfig struct {
	Endpoint          `mapstructure:",squash" yaml:",inline"`
	Path              string  `mapstructure:"path" yaml:"path"`
	Count             int     `mapstructure:"count" yaml:"count"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

type webResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type webResponse struct {
	Results []webResult `json:"results"`
}

// WebSearchAgent enriches the context with web search results. Outbound
// calls share one client-side rate limiter.
type WebSearchAgent struct {
	cfg     WebSearchConfig
	client  *httpClient
	limiter *rate.Limiter
}

func NewWebSearchAgent(cfg WebSearchConfig, deps Deps) (*WebSearchAgent, error) {
	deps = deps.withDefaults()
	if cfg.Path == "" {
		cfg.Path = "/search"
	}
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	client, err := newHTTPClient(cfg.Endpoint, deps.Breakers, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &WebSearchAgent{cfg: cfg, client: client, limiter: rate.NewLimiter(limit, cfg.Burst)}, nil
}

func (a *WebSearchAgent) Execute(ctx context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
	agent := string(pipeline.KindWebEnrichment)
	start := time.Now()
	if err := a.limiter.Wait(ctx); err != nil {
		// Wait fails early when the deadline would pass before a token frees up.
		return pipeline.Failed(pipeline.ErrKindTimeout, "%s: rate limit wait: %v", agent, err)
	}
	metrics.RateLimitWaitSeconds.WithLabelValues(agent).Observe(time.Since(start).Seconds())

	q := url.Values{}
	q.Set("q", qc.Query())
	q.Set("count", strconv.Itoa(a.cfg.Count))
	var resp webResponse
	if err := a.client.getJSON(ctx, a.cfg.Path, q, &resp); err != nil {
		return failure(agent, err)
	}

	docs := make(pipeline.Documents, 0, len(resp.Results))
	for i, r := range resp.Results {
		if r.URL == "" && r.Description == "" {
			continue
		}
		docs = append(docs, pipeline.Document{
			ID:      "web:" + strconv.Itoa(i+1),
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
			Score:   rankScore(i),
			Source:  agent,
		})
	}
	if len(docs) == 0 {
		return pipeline.Succeeded(docs, 0)
	}
	return pipeline.Succeeded(docs, 0.6)
}

// rankScore decays with result rank; web results never outrank retrieval.
func rankScore(rank int) float64 {
	s := 0.6 - 0.05*float64(rank)
	if s < 0.1 {
		return 0.1
	}
	return s
}

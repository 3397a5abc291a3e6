package agents

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// Search modes accepted by the document search service.
const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"
)

// RetrievalConfig configures the document search agent.
type RetrievalConfig struct {
	Endpoint  `mapstructure:",squash" yaml:",inline"`
	Path      string        `mapstructure:"path" yaml:"path"`
	TopK      int           `mapstructure:"top_k" yaml:"top_k"`
	Mode      string        `mapstructure:"mode" yaml:"mode"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size" yaml:"cache_size"`
}

func (c RetrievalConfig) withDefaults() RetrievalConfig {
	if c.Path == "" {
		c.Path = "/search"
	}
	if c.TopK <= 0 {
		c.TopK = 8
	}
	if c.Mode == "" {
		c.Mode = ModeSemantic
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	return c
}

type searchRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Documents  pipeline.Documents `json:"documents"`
	TokensUsed int                `json:"tokens_used"`
}

// RetrievalAgent queries the document search service.
type RetrievalAgent struct {
	cfg    RetrievalConfig
	client *httpClient
	cache  DocumentCache
	logger *zap.Logger
}

// NewRetrievalAgent creates the agent. cache may be nil.
func NewRetrievalAgent(cfg RetrievalConfig, deps Deps) (*RetrievalAgent, error) {
	deps = deps.withDefaults()
	cfg = cfg.withDefaults()
	client, err := newHTTPClient(cfg.Endpoint, deps.Breakers, deps.Logger)
	if err != nil {
		return nil, err
	}
	var cache DocumentCache
	if cfg.CacheTTL > 0 {
		var remote DocumentCache
		if deps.Redis != nil {
			remote = NewRedisCache(deps.Redis, deps.Logger)
		}
		cache = NewTieredCache("retrieval", NewLocalLRU("retrieval", cfg.CacheSize), remote)
	}
	return &RetrievalAgent{cfg: cfg, client: client, cache: cache, logger: deps.Logger}, nil
}

func (a *RetrievalAgent) Execute(ctx context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
	mode := a.cfg.Mode
	if hint := qc.Hint(pipeline.HintSearchMode); hint == ModeKeyword || hint == ModeSemantic {
		mode = hint
	}
	req := searchRequest{Query: qc.Query(), Mode: mode, TopK: a.cfg.TopK}

	key := CacheKey("qp:retrieval", req.Mode, strconv.Itoa(req.TopK), req.Query)
	if a.cache != nil {
		if docs, ok := a.cache.Get(ctx, key); ok {
			return pipeline.Succeeded(docs, topScore(docs))
		}
	}

	var resp searchResponse
	if err := a.client.postJSON(ctx, a.cfg.Path, req, &resp); err != nil {
		return failure(string(pipeline.KindRetrieval), err)
	}
	docs := tagSource(resp.Documents, string(pipeline.KindRetrieval))
	if a.cache != nil && len(docs) > 0 {
		a.cache.Set(ctx, key, docs, a.cfg.CacheTTL)
	}
	res := pipeline.Succeeded(docs, topScore(docs))
	res.TokensUsed = resp.TokensUsed
	return res
}

func tagSource(docs pipeline.Documents, source string) pipeline.Documents {
	for i := range docs {
		if docs[i].Source == "" {
			docs[i].Source = source
		}
	}
	return docs
}

// topScore is the best relevance score, used as the agent's confidence.
func topScore(docs pipeline.Documents) float64 {
	best := 0.0
	for _, d := range docs {
		if d.Score > best {
			best = d.Score
		}
	}
	return best
}

package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// GraphConfig configures the knowledge-graph lookup agent.
type GraphConfig struct {
	Endpoint    `mapstructure:",squash" yaml:",inline"`
	Path        string `mapstructure:"path" yaml:"path"`
	MaxEntities int    `mapstructure:"max_entities" yaml:"max_entities"`
}

type graphRequest struct {
	Query       string `json:"query"`
	MaxEntities int    `json:"max_entities"`
}

type graphEntity struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Facts []string `json:"facts"`
	Score float64  `json:"score"`
}

type graphResponse struct {
	Entities []graphEntity `json:"entities"`
}

// GraphAgent turns knowledge-graph entities into documents.
type GraphAgent struct {
	cfg    GraphConfig
	client *httpClient
}

func NewGraphAgent(cfg GraphConfig, deps Deps) (*GraphAgent, error) {
	deps = deps.withDefaults()
	if cfg.Path == "" {
		cfg.Path = "/lookup"
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = 5
	}
	client, err := newHTTPClient(cfg.Endpoint, deps.Breakers, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &GraphAgent{cfg: cfg, client: client}, nil
}

func (a *GraphAgent) Execute(ctx context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
	var resp graphResponse
	err := a.client.postJSON(ctx, a.cfg.Path, graphRequest{Query: qc.Query(), MaxEntities: a.cfg.MaxEntities}, &resp)
	if err != nil {
		return failure(string(pipeline.KindKnowledgeGraph), err)
	}

	docs := make(pipeline.Documents, 0, len(resp.Entities))
	var total float64
	for _, e := range resp.Entities {
		if e.Name == "" || len(e.Facts) == 0 {
			continue
		}
		title := e.Name
		if e.Type != "" {
			title = fmt.Sprintf("%s (%s)", e.Name, e.Type)
		}
		docs = append(docs, pipeline.Document{
			ID:      "kg:" + strings.ToLower(strings.ReplaceAll(e.Name, " ", "_")),
			Title:   title,
			URL:     e.URL,
			Snippet: e.Name + ": " + strings.Join(e.Facts, "; ") + ".",
			Score:   e.Score,
			Source:  string(pipeline.KindKnowledgeGraph),
		})
		total += e.Score
	}
	if len(docs) == 0 {
		return pipeline.Succeeded(docs, 0)
	}
	return pipeline.Succeeded(docs, total/float64(len(docs)))
}

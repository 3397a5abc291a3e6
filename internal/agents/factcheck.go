package agents

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// FactCheckConfig configures the claim verification agent.
type FactCheckConfig struct {
	Endpoint  `mapstructure:",squash" yaml:",inline"`
	Path      string `mapstructure:"path" yaml:"path"`
	MaxClaims int    `mapstructure:"max_claims" yaml:"max_claims"`
}

type verifyRequest struct {
	Query     string             `json:"query"`
	Claims    []string           `json:"claims"`
	Documents pipeline.Documents `json:"documents"`
}

type verifyResponse struct {
	Facts      pipeline.Facts `json:"facts"`
	TokensUsed int            `json:"tokens_used"`
}

// FactCheckAgent sends the strongest retrieved claims to a verifier.
type FactCheckAgent struct {
	cfg    FactCheckConfig
	client *httpClient
}

func NewFactCheckAgent(cfg FactCheckConfig, deps Deps) (*FactCheckAgent, error) {
	deps = deps.withDefaults()
	if cfg.Path == "" {
		cfg.Path = "/verify"
	}
	if cfg.MaxClaims <= 0 {
		cfg.MaxClaims = 6
	}
	client, err := newHTTPClient(cfg.Endpoint, deps.Breakers, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &FactCheckAgent{cfg: cfg, client: client}, nil
}

func (a *FactCheckAgent) Execute(ctx context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
	agent := string(pipeline.KindFactCheck)
	docs := qc.Documents().TopByScore(a.cfg.MaxClaims)
	claims := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.Snippet != "" {
			claims = append(claims, d.Snippet)
		}
	}
	if len(claims) == 0 {
		return pipeline.Failed(pipeline.ErrKindDependencyUnmet, "%s: no claims to verify", agent)
	}

	var resp verifyResponse
	if err := a.client.postJSON(ctx, a.cfg.Path, verifyRequest{Query: qc.Query(), Claims: claims, Documents: docs}, &resp); err != nil {
		return failure(agent, err)
	}
	res := pipeline.Succeeded(resp.Facts, verifiedShare(resp.Facts))
	res.TokensUsed = resp.TokensUsed
	return res
}

func verifiedShare(facts pipeline.Facts) float64 {
	if len(facts) == 0 {
		return 0
	}
	return float64(len(facts)-facts.Unverified()) / float64(len(facts))
}

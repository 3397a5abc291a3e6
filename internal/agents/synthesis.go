package agents

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/util"
)

// SynthesisConfig configures the answer composition agent.
type SynthesisConfig struct {
	Endpoint    `mapstructure:",squash" yaml:",inline"`
	Path        string  `mapstructure:"path" yaml:"path"`
	Model       string  `mapstructure:"model" yaml:"model"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	// PromptFile overrides the built-in prompt template.
	PromptFile string `mapstructure:"prompt_file" yaml:"prompt_file"`
}

// PromptData is the data available to the synthesis prompt template.
type PromptData struct {
	Query     string
	Facts   pipeline.Facts
	Sources []metadata.Citation
	// Verified is false when facts were demoted without verification.
	Verified bool
}

const defaultPrompt = `Answer the question using only the numbered sources below.
Cite sources inline as [n]. If the sources do not contain the answer, say so.

Question: {{ .Query }}
{{ if .Facts }}
Facts{{ if not .Verified }} (not independently verified){{ end }}:
{{- range .Facts }}
- {{ .Claim }}{{ if not .Verified }} (unverified){{ end }}
{{- end }}
{{ end }}
Sources:
{{- range $i, $s := .Sources }}
[{{ add $i 1 }}] {{ $s.Title }}: {{ truncate $s.Snippet 400 }}
{{- end }}
`

var promptFuncs = template.FuncMap{
	"add":      func(a, b int) int { return a + b },
	"truncate": func(s string, n int) string { return util.TruncateString(s, n, true) },
}

// ParsePrompt compiles a prompt template with the synthesis helpers.
func ParsePrompt(text string) (*template.Template, error) {
	return template.New("synthesis").Funcs(promptFuncs).Parse(text)
}

type completionRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type completionResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	TokensUsed int     `json:"tokens_used"`
}

// SynthesisAgent composes the answer through a completion endpoint.
type SynthesisAgent struct {
	cfg    SynthesisConfig
	client *httpClient
	prompt *template.Template
	rules  *metadata.CredibilityRules
}

func NewSynthesisAgent(cfg SynthesisConfig, deps Deps) (*SynthesisAgent, error) {
	deps = deps.withDefaults()
	if cfg.Path == "" {
		cfg.Path = "/complete"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	text := defaultPrompt
	if cfg.PromptFile != "" {
		b, err := os.ReadFile(cfg.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt template: %w", err)
		}
		text = string(b)
	}
	prompt, err := ParsePrompt(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	client, err := newHTTPClient(cfg.Endpoint, deps.Breakers, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &SynthesisAgent{cfg: cfg, client: client, prompt: prompt, rules: deps.Credibility}, nil
}

func (a *SynthesisAgent) Execute(ctx context.Context, qc *pipeline.QueryContext) pipeline.AgentResult {
	agent := string(pipeline.KindSynthesis)
	data := PromptData{Query: qc.Query(), Sources: numberedSources(qc.Documents(), a.rules), Verified: true}
	if facts, ok := qc.Facts(); ok {
		data.Facts = facts
		data.Verified = facts.Unverified() == 0
	}
	if len(data.Sources) == 0 && len(data.Facts) == 0 {
		return pipeline.Failed(pipeline.ErrKindDependencyUnmet, "%s: nothing to compose from", agent)
	}

	var prompt strings.Builder
	if err := a.prompt.Execute(&prompt, data); err != nil {
		return pipeline.Failed(pipeline.ErrKindAgent, "%s: render prompt: %v", agent, err)
	}

	var resp completionResponse
	req := completionRequest{Model: a.cfg.Model, Prompt: prompt.String(), MaxTokens: a.cfg.MaxTokens, Temperature: a.cfg.Temperature}
	if err := a.client.postJSON(ctx, a.cfg.Path, req, &resp); err != nil {
		return failure(agent, err)
	}

	conf := resp.Confidence
	if conf <= 0 {
		conf = 0.7
	}
	if !data.Verified {
		conf *= 0.8
	}
	ans := pipeline.Answer{Text: strings.TrimSpace(resp.Text), Confidence: conf}
	res := pipeline.Succeeded(ans, conf)
	res.TokensUsed = resp.TokensUsed
	return res
}

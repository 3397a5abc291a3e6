package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/tracing"
)

// TraceHeader carries the pipeline trace id to downstream services.
const TraceHeader = "X-Trace-Id"

const maxErrorBody = 512

// Endpoint locates a downstream service.
type Endpoint struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	APIKey  string            `mapstructure:"api_key" yaml:"api_key"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Enabled reports whether the endpoint is configured.
func (e Endpoint) Enabled() bool { return strings.TrimSpace(e.URL) != "" }

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// httpClient is the JSON client shared by the HTTP agents.
type httpClient struct {
	base    *url.URL
	apiKey  string
	headers map[string]string
	doer    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func newHTTPClient(ep Endpoint, breakers *circuitbreaker.Group, logger *zap.Logger) (*httpClient, error) {
	base, err := url.Parse(strings.TrimRight(ep.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid endpoint url %q", ep.URL)
	}
	if breakers == nil {
		breakers = circuitbreaker.NewGroup(circuitbreaker.ServiceHTTP, circuitbreaker.DefaultSettings(), nil, logger)
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &httpClient{
		base:    base,
		apiKey:  ep.APIKey,
		headers: ep.Headers,
		doer:    circuitbreaker.NewHTTPWrapper(client, breakers),
		logger:  logger,
	}, nil
}

func (c *httpClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *httpClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *httpClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	ctx := req.Context()
	req.Header.Set("Accept", "application/json")
	if id := pipeline.TraceFromContext(ctx); id != "" {
		req.Header.Set(TraceHeader, id)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("Non-2xx response from agent backend",
			zap.String("url", req.URL.Redacted()),
			zap.Int("status", resp.StatusCode),
			zap.String("trace_id", pipeline.TraceFromContext(ctx)),
		)
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// failure maps a transport error onto the pipeline's error kinds.
func failure(agent string, err error) pipeline.AgentResult {
	var status *StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return pipeline.Failed(pipeline.ErrKindTimeout, "%s: %v", agent, err)
	case circuitbreaker.IsOpen(err):
		return pipeline.Failed(pipeline.ErrKindCircuitOpen, "%s: %v", agent, err)
	case errors.As(err, &status) && status.Code == http.StatusTooManyRequests:
		return pipeline.Failed(pipeline.ErrKindAgent, "%s: rate limited by backend", agent)
	default:
		return pipeline.Failed(pipeline.ErrKindAgent, "%s: %v", agent, err)
	}
}

package agents

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return Deps{
		Breakers: circuitbreaker.NewGroup(circuitbreaker.ServiceHTTP, circuitbreaker.DefaultSettings(), nil, logger),
		Logger:   logger,
	}
}

// jsonServer answers every request with body and records the last request.
func jsonServer(t *testing.T, body any, seen func(r *http.Request, payload map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if r.Body != nil && r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&payload)
		}
		if seen != nil {
			seen(r, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func endpoint(srv *httptest.Server) Endpoint {
	return Endpoint{URL: srv.URL, Timeout: 2 * time.Second}
}

func parisQuery(t *testing.T) *pipeline.QueryContext {
	t.Helper()
	return pipeline.NewQueryContext("What is the capital of France?", pipeline.WithTraceID("trace-agents"))
}

var parisDocs = pipeline.Documents{
	{ID: "d1", Title: "Paris", URL: "https://example.org/paris", Snippet: "Paris is the capital and largest city of France.", Score: 0.92},
	{ID: "d2", Title: "France", URL: "https://example.org/france", Snippet: "France is a country in Western Europe.", Score: 0.71},
}

func withDocuments(t *testing.T, qc *pipeline.QueryContext, docs pipeline.Documents) *pipeline.QueryContext {
	t.Helper()
	require.NoError(t, qc.SetArtifact("retrieval", pipeline.SlotDocuments, docs))
	return qc
}

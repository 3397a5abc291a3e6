package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/config"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// backend fakes every upstream service the reference agents talk to.
type backend struct {
	srv            *httptest.Server
	synthesisCalls atomic.Int32
	synthesisDown  atomic.Bool
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /retrieval/search", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"documents": pipeline.Documents{
			{ID: "d1", Title: "Paris", URL: "https://en.wikipedia.org/wiki/Paris", Snippet: "Paris is the capital of France.", Score: 0.9},
			{ID: "d2", Title: "France", URL: "https://example.com/france", Snippet: "France is a country in Europe.", Score: 0.7},
		}})
	})
	mux.HandleFunc("POST /graph/lookup", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"entities": []map[string]any{
			{"name": "Paris", "type": "city", "facts": []string{"capital of France"}, "score": 0.8},
		}})
	})
	mux.HandleFunc("GET /web/search", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"results": []map[string]any{
			{"title": "Visit Paris", "url": "https://travel.example.com/paris", "description": "Paris travel guide."},
		}})
	})
	mux.HandleFunc("POST /verify/verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Claims []string `json:"claims"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		facts := pipeline.Facts{}
		for _, c := range req.Claims {
			facts = append(facts, pipeline.Fact{Claim: c, Verified: true, Confidence: 0.9})
		}
		reply(w, map[string]any{"facts": facts, "tokens_used": 10})
	})
	mux.HandleFunc("POST /llm/complete", func(w http.ResponseWriter, r *http.Request) {
		b.synthesisCalls.Add(1)
		if b.synthesisDown.Load() {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		reply(w, map[string]any{"text": "Paris is the capital of France [1].", "confidence": 0.9, "tokens_used": 42})
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

// enrichmentDB creates a sqlite file holding one enrichment row.
func enrichmentDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enrichment.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE enrichment_documents (id TEXT, title TEXT, url TEXT, snippet TEXT, score REAL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO enrichment_documents VALUES ('1', 'Cities', NULL, 'Paris population is about 2.1 million; it is the capital of France.', 0.5)`)
	require.NoError(t, err)
	return path
}

// testConfig wires every reference agent to b with fast retry settings.
func testConfig(t *testing.T, b *backend) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Pipeline.GlobalBudget = 5 * time.Second
	cfg.Pipeline.SequentialReserve = time.Second
	cfg.Pipeline.StageDefaults.MaxRetries = 0
	cfg.Pipeline.StageDefaults.BaseDelay = time.Millisecond
	for i := range cfg.Pipeline.Stages {
		cfg.Pipeline.Stages[i].MaxRetries = nil
		cfg.Pipeline.Stages[i].Timeout = time.Second
	}

	cfg.Agents.Retrieval.URL = b.srv.URL + "/retrieval"
	cfg.Agents.Graph.URL = b.srv.URL + "/graph"
	cfg.Agents.WebSearch.URL = b.srv.URL + "/web"
	cfg.Agents.FactCheck.URL = b.srv.URL + "/verify"
	cfg.Agents.Synthesis.URL = b.srv.URL + "/llm"
	cfg.Agents.SQL.Driver = "sqlite3"
	cfg.Agents.SQL.DSN = enrichmentDB(t)
	require.NoError(t, cfg.Validate())
	return cfg
}

func newService(t *testing.T, cfg *config.Config, deps Deps) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

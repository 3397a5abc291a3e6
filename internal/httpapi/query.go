package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// Runner executes one query. *server.Service satisfies it.
type Runner interface {
	RunPipeline(ctx context.Context, query string, opts pipeline.RunOptions) pipeline.PipelineResult
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Query string `json:"query"`
	// BudgetMs shortens the configured global budget for this query.
	BudgetMs int64 `json:"budget_ms,omitempty"`
	// TraceID lets the caller subscribe to progress before posting.
	TraceID string `json:"trace_id,omitempty"`
}

const maxBodyBytes = 1 << 20

var traceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// QueryHandler serves POST /v1/query.
type QueryHandler struct {
	runner    Runner
	maxLength int
	logger    *zap.Logger
}

func NewQueryHandler(runner Runner, maxLength int, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{runner: runner, maxLength: maxLength, logger: logger}
}

func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/query", h.handleQuery)
}

func (h *QueryHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := h.validate(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	res := h.runner.RunPipeline(r.Context(), req.Query, pipeline.RunOptions{
		TraceID: req.TraceID,
		Budget:  time.Duration(req.BudgetMs) * time.Millisecond,
	})
	writeJSON(w, http.StatusOK, res.Public())
}

// validate normalizes req in place and returns a client-facing message on error.
func (h *QueryHandler) validate(req *QueryRequest) string {
	req.Query = strings.TrimSpace(req.Query)
	switch {
	case req.Query == "":
		return "query is required"
	case h.maxLength > 0 && utf8.RuneCountInString(req.Query) > h.maxLength:
		return "query is too long"
	case req.BudgetMs < 0:
		return "budget_ms must not be negative"
	case req.TraceID != "" && !traceIDPattern.MatchString(req.TraceID):
		return "trace_id may only contain letters, digits and . _ : -"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

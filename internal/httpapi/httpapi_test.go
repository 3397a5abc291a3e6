package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/streaming"
)

type fakeRunner struct {
	query string
	opts  pipeline.RunOptions
}

func (f *fakeRunner) RunPipeline(_ context.Context, query string, opts pipeline.RunOptions) pipeline.PipelineResult {
	f.query, f.opts = query, opts
	return pipeline.PipelineResult{
		Success:        true,
		FinalAnswer:    "Paris.",
		PipelineHealth: pipeline.HealthSuccess,
		State:          pipeline.RunSuccess,
		TraceID:        opts.TraceID,
		Sources:        []pipeline.Source{},
		Advisories:     []string{},
	}
}

func newAPI(t *testing.T, runner Runner, events *streaming.Manager) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(Options{
		Runner:         runner,
		Events:         events,
		MaxQueryLength: 20,
		Heartbeat:      50 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/query", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestQuery_Success(t *testing.T) {
	runner := &fakeRunner{}
	srv := newAPI(t, runner, nil)

	resp, body := post(t, srv, `{"query":"  capital of France? ","budget_ms":1500,"trace_id":"abc-1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Paris.", body["final_answer"])
	assert.Equal(t, "success", body["pipeline_health"])
	assert.Equal(t, "abc-1", body["trace_id"])

	assert.Equal(t, "capital of France?", runner.query)
	assert.Equal(t, 1500*time.Millisecond, runner.opts.Budget)
	assert.Equal(t, "abc-1", runner.opts.TraceID)
}

func TestQuery_Validation(t *testing.T) {
	srv := newAPI(t, &fakeRunner{}, nil)
	tests := []struct {
		name, body, want string
	}{
		{"invalid json", `{"query":`, "invalid JSON"},
		{"empty", `{"query":"   "}`, "query is required"},
		{"too long", `{"query":"` + strings.Repeat("é", 21) + `"}`, "query is too long"},
		{"negative budget", `{"query":"paris","budget_ms":-1}`, "budget_ms must not be negative"},
		{"bad trace id", `{"query":"paris","trace_id":"a b"}`, "trace_id may only contain letters, digits and . _ : -"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.want, body["error"])
		})
	}

	resp, err := http.Get(srv.URL + "/v1/query")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newAPI(t, &fakeRunner{}, nil)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/query", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func progress(stage string, status pipeline.StageStatus) pipeline.ProgressEvent {
	return pipeline.ProgressEvent{TraceID: "t1", Stage: stage, Status: status}
}

// readSSE collects event ids and types until the stream closes.
func readSSE(t *testing.T, resp *http.Response) (ids, types []string) {
	t.Helper()
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	return ids, types
}

func TestSSE_ReplayFromLastEventID(t *testing.T) {
	events := streaming.NewManager(16, nil, nil)
	events.Emit(progress("retrieval", pipeline.StageRunning))
	events.Emit(progress("retrieval", pipeline.StageCompleted))
	events.Emit(progress(pipeline.PipelineStage, pipeline.StageCompleted))
	srv := newAPI(t, &fakeRunner{}, events)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stream/sse?trace_id=t1", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ids, types := readSSE(t, resp)
	assert.Equal(t, []string{"2", "3"}, ids)
	assert.Equal(t, []string{streaming.EventStage, streaming.EventDone}, types)
}

func TestSSE_LiveUntilDone(t *testing.T) {
	events := streaming.NewManager(16, nil, nil)
	srv := newAPI(t, &fakeRunner{}, events)

	resp, err := http.Get(srv.URL + "/stream/sse?trace_id=t1")
	require.NoError(t, err)
	defer resp.Body.Close()

	go func() {
		for events.Subscribers("t1") == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		events.Emit(progress("synthesis", pipeline.StageRunning))
		events.Emit(progress(pipeline.PipelineStage, pipeline.StageFailed))
	}()

	ids, types := readSSE(t, resp)
	assert.Equal(t, []string{"1", "2"}, ids)
	assert.Equal(t, streaming.EventDone, types[len(types)-1])
}

func TestSSE_RequiresTraceID(t *testing.T) {
	srv := newAPI(t, &fakeRunner{}, streaming.NewManager(4, nil, nil))
	resp, err := http.Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_StreamsUntilDone(t *testing.T) {
	events := streaming.NewManager(16, nil, nil)
	events.Emit(progress("retrieval", pipeline.StageCompleted))
	srv := newAPI(t, &fakeRunner{}, events)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?trace_id=t1&last_event_id=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first streaming.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "retrieval", first.Stage)

	events.Emit(progress(pipeline.PipelineStage, pipeline.StageCompleted))
	var done streaming.Event
	require.NoError(t, conn.ReadJSON(&done))
	assert.True(t, done.Terminal())

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

const backendFailure = `Post "http://10.0.3.7:9000/verify": dial tcp 10.0.3.7:9000: connection refused`

type failingBackendRunner struct{}

func (failingBackendRunner) RunPipeline(_ context.Context, _ string, opts pipeline.RunOptions) pipeline.PipelineResult {
	return pipeline.PipelineResult{
		Success:        true,
		FinalAnswer:    "Paris.",
		PipelineHealth: pipeline.HealthPartialFailure,
		State:          pipeline.RunPartial,
		TraceID:        opts.TraceID,
		Sources:        []pipeline.Source{},
		Advisories:     []string{"We couldn't fully verify all claims."},
		Stages: []pipeline.StageOutcome{{
			Name:   "fact_check",
			Role:   pipeline.RoleFactCheck,
			Status: pipeline.StageFailed,
			Result: pipeline.Failed(pipeline.ErrKindAgent, "%s", backendFailure),
		}},
		StageDiagnostics: []pipeline.Diagnostic{{
			Stage:     "fact_check",
			Agent:     "fact_check",
			Attempt:   1,
			Outcome:   pipeline.OutcomeFailed,
			ErrorKind: pipeline.ErrKindAgent,
			Message:   backendFailure,
		}},
	}
}

func TestQuery_HidesBackendErrors(t *testing.T) {
	srv := newAPI(t, failingBackendRunner{}, streaming.NewManager(4, nil, nil))

	resp, err := http.Post(srv.URL+"/v1/query", "application/json", strings.NewReader(`{"query":"capital of France"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body strings.Builder
	_, err = bufio.NewReader(resp.Body).WriteTo(&body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body.String(), "10.0.3.7")
	assert.NotContains(t, body.String(), "connection refused")
	assert.Contains(t, body.String(), `"error_kind":"agent_error"`)
}

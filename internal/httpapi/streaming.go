package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/streaming"
)

// StreamingHandler serves progress events over SSE and WebSocket.
type StreamingHandler struct {
	mgr       *streaming.Manager
	heartbeat time.Duration
	buffer    int
	upgrader  *websocket.Upgrader
	logger    *zap.Logger
}

// NewStreamingHandler accepts WebSocket upgrades from allowedOrigins; an
// empty list accepts any origin.
func NewStreamingHandler(mgr *streaming.Manager, heartbeat time.Duration, allowedOrigins []string, logger *zap.Logger) *StreamingHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{
		mgr:       mgr,
		heartbeat: heartbeat,
		buffer:    256,
		upgrader:  newUpgrader(allowedOrigins),
		logger:    logger,
	}
}

// RegisterRoutes registers SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// lastEventID reads the replay position from the Last-Event-ID header or
// the last_event_id query parameter.
func lastEventID(r *http.Request) uint64 {
	for _, s := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// subscribe registers the caller and returns the backlog after lastID. The
// subscription is taken first so no event falls between replay and live.
func (h *StreamingHandler) subscribe(r *http.Request, traceID string) (chan streaming.Event, []streaming.Event, error) {
	ch := h.mgr.Subscribe(traceID, h.buffer)
	backlog, err := h.mgr.Replay(r.Context(), traceID, lastEventID(r))
	if err != nil {
		h.mgr.Unsubscribe(traceID, ch)
		return nil, nil, err
	}
	return ch, backlog, nil
}

// handleSSE streams events for a trace via Server-Sent Events.
// GET /stream/sse?trace_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		writeError(w, http.StatusBadRequest, "trace_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, backlog, err := h.subscribe(r, traceID)
	if err != nil {
		h.logger.Warn("Event replay failed", zap.String("trace_id", traceID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "event replay unavailable")
		return
	}
	defer h.mgr.Unsubscribe(traceID, ch)

	// The server write timeout would cut long streams; heartbeats detect dead peers instead.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected to trace %s\n\n", traceID)
	var last uint64
	for _, ev := range backlog {
		writeSSE(w, ev)
		last = ev.Seq
		if ev.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("trace_id", traceID))
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Seq <= last {
				continue // already sent from the backlog
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

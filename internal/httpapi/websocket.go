package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
		},
	}
}

const (
	wsPongWait  = 60 * time.Second
	wsWriteWait = 10 * time.Second
)

// handleWS is the WebSocket variant of handleSSE.
// GET /stream/ws?trace_id=<id>
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		writeError(w, http.StatusBadRequest, "trace_id required")
		return
	}
	ch, backlog, err := h.subscribe(r, traceID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "event replay unavailable")
		return
	}
	defer h.mgr.Unsubscribe(traceID, ch)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closeNormally := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pipeline done")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	var last uint64
	for _, ev := range backlog {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		last = ev.Seq
		if ev.Terminal() {
			closeNormally()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Reader pump: discards client messages and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			h.logger.Debug("WebSocket client disconnected", zap.String("trace_id", traceID))
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Seq <= last {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Terminal() {
				closeNormally()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

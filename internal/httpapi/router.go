// Package httpapi exposes the query pipeline over HTTP: a JSON query
// endpoint plus SSE and WebSocket progress streams.
package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/streaming"
)

// Options configure the public API handler.
type Options struct {
	Runner         Runner
	Events         *streaming.Manager
	MaxQueryLength int
	AllowedOrigins []string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

// NewHandler builds the public API: routes, request metrics, CORS and tracing.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	NewQueryHandler(opts.Runner, opts.MaxQueryLength, opts.Logger).RegisterRoutes(mux)
	if opts.Events != nil {
		NewStreamingHandler(opts.Events, opts.Heartbeat, opts.AllowedOrigins, opts.Logger).RegisterRoutes(mux)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID", "traceparent"},
		MaxAge:         600,
	})
	return otelhttp.NewHandler(c.Handler(instrument(mux)), "querypipe.api")
}

// statusRecorder captures the response code. It forwards Flush so SSE keeps
// working through it.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the WebSocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		mux.ServeHTTP(rec, r)
		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

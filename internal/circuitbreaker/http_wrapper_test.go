package circuitbreaker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestHTTPWrapper_ServerErrorsTripBreaker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	g := NewGroup(ServiceHTTP, Settings{FailureThreshold: 2}, nil, zaptest.NewLogger(t))
	hw := NewHTTPWrapper(srv.Client(), g)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		if err != nil {
			t.Fatalf("5xx should be returned as a response, got %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("Expected 500, got %d", resp.StatusCode)
		}
	}

	status.Store(http.StatusOK)
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if _, err := hw.Do(req); !IsOpen(err) {
		t.Errorf("Expected open breaker for the host, got %v", err)
	}
}

func TestHTTPWrapper_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewGroup(ServiceHTTP, Settings{FailureThreshold: 1}, nil, zaptest.NewLogger(t))
	hw := NewHTTPWrapper(srv.Client(), g)

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		resp.Body.Close()
	}
	if len(g.Open()) != 0 {
		t.Errorf("4xx must not open breakers, open: %v", g.Open())
	}
}

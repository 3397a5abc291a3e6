package circuitbreaker

import (
	"errors"
	"net/http"
	"time"
)

// ServiceHTTP labels breakers keyed by upstream host.
const ServiceHTTP = "http"

// HTTPWrapper sends requests through a per-host breaker.
type HTTPWrapper struct {
	client *http.Client
	group  *Group
}

// NewHTTPWrapper wraps client. A nil client gets a 5s timeout.
func NewHTTPWrapper(client *http.Client, group *Group) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPWrapper{client: client, group: group}
}

// Do executes an HTTP request through the circuit breaker. 5xx responses are treated as failures
// for breaker purposes; 4xx do not trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.group.Execute(req.Context(), req.URL.Host, func() error {
		var err error
		resp, err = hw.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	// The caller still gets the 5xx response to inspect.
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return resp, nil
	}
	return resp, err
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }

// v2
// internal/circuitbreaker/http.go
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// errServerStatus marks 5xx responses so they count against the breaker
// while the response itself is still handed back to the caller.
var errServerStatus = errors.New("server error status")

// HTTPClient wraps an http.Client with circuit breaker behaviour.
type HTTPClient struct {
	Client *http.Client
	brk    *Breaker
}

// NewHTTPClient guards client with a breaker when s.Enabled is set.
func NewHTTPClient(name string, s Settings, client *http.Client, logger *slog.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	h := &HTTPClient{Client: client}
	if s.Enabled {
		h.brk = New(name, s.breakerConfig(), logger)
	}
	return h
}

// Breaker returns the guarding breaker, or nil when protections are off.
func (h *HTTPClient) Breaker() *Breaker { return h.brk }

// Do sends req. Transport errors and 5xx responses are recorded as failures.
func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if h.brk == nil {
		return h.Client.Do(req)
	}
	var resp *http.Response
	err := h.brk.Execute(req.Context(), func(ctx context.Context) error {
		r, err := h.Client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %d", errServerStatus, r.StatusCode)
		}
		return nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

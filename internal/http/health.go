// v1
// internal/http/health.go
package httpserver

import (
	"net/http"
	"sync/atomic"
)

// HealthState tracks readiness. Liveness is implied by the process
// answering at all; readiness flips on once subscriptions are running and
// off again at shutdown.
type HealthState struct {
	ready atomic.Bool
}

func NewHealthState() *HealthState {
	return &HealthState{}
}

func (h *HealthState) SetReady(value bool) { h.ready.Store(value) }

func (h *HealthState) Ready() bool { return h.ready.Load() }

func healthLiveHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func healthReadyHandler(health *HealthState) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !health.Ready() {
			writeText(w, http.StatusServiceUnavailable, "NOT_READY")
			return
		}
		writeText(w, http.StatusOK, "OK")
	}
}

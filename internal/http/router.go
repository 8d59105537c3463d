// v1
// internal/http/router.go
package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"nrgchamp/optimizer/internal/ingest"
	"nrgchamp/optimizer/internal/metrics"
	"nrgchamp/optimizer/internal/models"
	"nrgchamp/optimizer/internal/store"
)

// readingSink is the subset of ingest.Service used by the readings route.
type readingSink interface {
	Accept(ctx context.Context, r ingest.Reading) (models.ReadingEvent, error)
}

// thresholdSource resolves the effective thresholds, stored or default.
type thresholdSource interface {
	Thresholds(ctx context.Context) (models.Thresholds, error)
}

// Deps bundles what the router serves. Live, Metrics and Reload are
// optional.
type Deps struct {
	Logger     *slog.Logger
	Health     *HealthState
	Readings   readingSink
	Thresholds thresholdSource
	Repo       *store.Repository
	Live       http.Handler
	Metrics    *metrics.Metrics
	Reload     func() error
}

// NewRouter wires every route exposed by the optimizer service.
func NewRouter(d Deps) *mux.Router {
	a := &api{lg: d.Logger, readings: d.Readings, thresholds: d.Thresholds, repo: d.Repo, reload: d.Reload}
	r := mux.NewRouter()

	handle := func(path, route string, h http.Handler, methods ...string) {
		r.Handle(path, d.Metrics.WrapHandler(route, h)).Methods(methods...)
	}
	handle("/health", "health", http.HandlerFunc(healthLiveHandler), http.MethodGet)
	handle("/health/live", "health_live", http.HandlerFunc(healthLiveHandler), http.MethodGet)
	handle("/health/ready", "health_ready", healthReadyHandler(d.Health), http.MethodGet)

	v1 := "/api/v1"
	handle(v1+"/readings", "readings", http.HandlerFunc(a.postReading), http.MethodPost)
	handle(v1+"/preferences", "preferences", http.HandlerFunc(a.getPreferences), http.MethodGet)
	handle(v1+"/preferences", "preferences", http.HandlerFunc(a.putPreferences), http.MethodPut)
	handle(v1+"/usage/{date}", "usage", http.HandlerFunc(a.getUsage), http.MethodGet)
	handle(v1+"/optimizations/{id}", "optimization", http.HandlerFunc(a.getOptimization), http.MethodGet)
	handle(v1+"/sensors/{id}", "sensor", http.HandlerFunc(a.getSensor), http.MethodGet)
	handle("/config/reload", "config_reload", http.HandlerFunc(a.postReload), http.MethodPost)

	if d.Live != nil {
		handle("/ws/optimizations", "ws_optimizations", d.Live, http.MethodGet)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// v0
// internal/http/handlers.go
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"nrgchamp/optimizer/internal/ingest"
	"nrgchamp/optimizer/internal/models"
	"nrgchamp/optimizer/internal/store"
)

const maxBody = 64 << 10

type api struct {
	lg         *slog.Logger
	readings   readingSink
	thresholds thresholdSource
	repo       *store.Repository
	reload     func() error
}

func (a *api) postReading(w http.ResponseWriter, r *http.Request) {
	var in ingest.Reading
	if err := decodeBody(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := a.readings.Accept(r.Context(), in)
	if errors.Is(err, ingest.ErrInvalidReading) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.fail(w, "reading_ingest_failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (a *api) getPreferences(w http.ResponseWriter, r *http.Request) {
	t, err := a.thresholds.Thresholds(r.Context())
	if err != nil {
		a.fail(w, "preferences_load_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *api) putPreferences(w http.ResponseWriter, r *http.Request) {
	var t models.Thresholds
	if err := decodeBody(w, r, &t, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !(t.DailyMax > 0) || math.IsInf(t.DailyMax, 0) || t.PeakHourLimit < 0 || math.IsNaN(t.PeakHourLimit) {
		writeError(w, http.StatusBadRequest, "dailyMax must be positive and peakHourLimit non-negative")
		return
	}
	if err := a.repo.SaveThresholds(r.Context(), t); err != nil {
		a.fail(w, "preferences_save_failed", err)
		return
	}
	a.lg.Info("preferences_updated", "dailyMax", t.DailyMax, "peakHourLimit", t.PeakHourLimit)
	writeJSON(w, http.StatusOK, t)
}

func (a *api) getUsage(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	u, err := a.repo.DailyUsage(r.Context(), date)
	if a.lookupFailed(w, err, "usage_load_failed") {
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *api) getOptimization(w http.ResponseWriter, r *http.Request) {
	st, err := a.repo.OptimizationState(r.Context(), mux.Vars(r)["id"])
	if a.lookupFailed(w, err, "optimization_load_failed") {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) getSensor(w http.ResponseWriter, r *http.Request) {
	ss, err := a.repo.SensorState(r.Context(), mux.Vars(r)["id"])
	if a.lookupFailed(w, err, "sensor_load_failed") {
		return
	}
	writeJSON(w, http.StatusOK, ss)
}

func (a *api) postReload(w http.ResponseWriter, _ *http.Request) {
	if a.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload not configured")
		return
	}
	if err := a.reload(); err != nil {
		a.lg.Error("properties_reload_failed", "error", err)
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.lg.Info("properties_reloaded")
	writeText(w, http.StatusOK, "reloaded")
}

// lookupFailed writes 404 or 500 for err and reports whether it did.
func (a *api) lookupFailed(w http.ResponseWriter, err error, event string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		a.fail(w, event, err)
	}
	return true
}

func (a *api) fail(w http.ResponseWriter, event string, err error) {
	a.lg.Error(event, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody reads one JSON document. Device payloads carry extra fields,
// so only preferences are decoded strictly.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, strict bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if strict {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

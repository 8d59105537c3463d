// v0
// internal/http/router_test.go
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/optimizer/internal/aggregate"
	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/ingest"
	"nrgchamp/optimizer/internal/metrics"
	"nrgchamp/optimizer/internal/models"
	"nrgchamp/optimizer/internal/store"
)

type fixture struct {
	repo      *store.Repository
	health    *HealthState
	published []string
	reloads   int
	reloadErr error
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{repo: store.NewRepository(store.NewMemory()), health: NewHealthState()}
	pub := bus.PublisherFunc(func(_ context.Context, topic, key string, _ any) error {
		f.published = append(f.published, topic+"/"+key)
		return nil
	})
	agg := aggregate.New(f.repo, pub, models.DefaultThresholds(), lg)
	router := NewRouter(Deps{
		Logger:     lg,
		Health:     f.health,
		Readings:   ingest.NewService(f.repo, pub, lg),
		Thresholds: agg,
		Repo:       f.repo,
		Metrics:    metrics.New(),
		Reload: func() error {
			f.reloads++
			return f.reloadErr
		},
	})
	f.handler = Wrap(lg, router)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/health/ready", "").Code)
	f.health.SetReady(true)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/ready", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPost, "/health", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/nope", "").Code)
}

func TestPostReading(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/readings", `{"sensorId":"m1","value":4.5,"timestamp":"2024-06-01T10:00:00Z","extra":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ev models.ReadingEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, "2024-06-01", ev.Date)
	assert.Equal(t, []string{bus.TopicReadings + "/2024-06-01"}, f.published)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/readings", `{"sensorId":"m1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/readings", `{`).Code)

	rec = f.do(http.MethodGet, "/api/v1/sensors/m1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lastValue":4.5`)
}

func TestPreferencesRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/preferences", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"dailyMax":100,"peakHourLimit":50}`, rec.Body.String())

	rec = f.do(http.MethodPut, "/api/v1/preferences", `{"dailyMax":80,"peakHourLimit":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/api/v1/preferences", "")
	assert.JSONEq(t, `{"dailyMax":80,"peakHourLimit":30}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/v1/preferences", `{"dailyMax":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/v1/preferences", `{"dailyMax":10,"bogus":1}`).Code)
}

func TestUsageAndOptimizationLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/usage/2024-06-01", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/usage/june", "").Code)

	_, err := f.repo.UpdateDailyUsage(ctx, "2024-06-01", func(u *models.DailyUsage) error { return u.Add(7) })
	require.NoError(t, err)
	rec := f.do(http.MethodGet, "/api/v1/usage/2024-06-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var u models.DailyUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, 7.0, u.TotalConsumption)
	assert.Equal(t, 1, u.ReadingCount)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/optimizations/opt-x", "").Code)
	require.NoError(t, f.repo.SaveOptimizationState(ctx, models.NewOptimizationState("opt-x", time.Now())))
	rec = f.do(http.MethodGet, "/api/v1/optimizations/opt-x", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"RECEIVED"`)
}

func TestConfigReload(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/config/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reloaded", rec.Body.String())

	f.reloadErr = errors.New("bad file")
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodPost, "/config/reload", "").Code)
	assert.Equal(t, 2, f.reloads)
}

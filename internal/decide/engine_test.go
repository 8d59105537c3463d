// v1
// internal/decide/engine_test.go
package decide

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/optimizer/internal/models"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFallbackTierBoundaries(t *testing.T) {
	cases := []struct {
		percent float64
		action  models.Action
		window  string
		savings float64
		conf    float64
	}{
		{20.0001, models.ActionShiftLoad, "02:00-05:00", 20.0001, 0.85},
		{20, models.ActionReduceConsumption, "18:00-22:00", 15, 0.78},
		{15, models.ActionReduceConsumption, "18:00-22:00", 15, 0.78},
		{12, models.ActionReduceConsumption, "18:00-22:00", 12, 0.78},
		{10, models.ActionOptimizeScheduling, "12:00-16:00", 10, 0.72},
		{9.9999, models.ActionOptimizeScheduling, "12:00-16:00", 9.9999, 0.72},
		{0.5, models.ActionOptimizeScheduling, "12:00-16:00", 0.5, 0.72},
	}
	for _, c := range cases {
		d := Fallback(c.percent)
		assert.Equal(t, c.action, d.Action, "percent %v", c.percent)
		assert.Equal(t, c.window, d.TargetWindow)
		assert.InDelta(t, c.savings, d.ExpectedSavingsPercent, 1e-9)
		assert.Equal(t, c.conf, d.Confidence)
		assert.Equal(t, models.SourceFallback, d.Source)
	}
}

func TestFallbackSavingsCap(t *testing.T) {
	for _, p := range []float64{100, 150, 1000, 1e9} {
		d := Fallback(p)
		assert.LessOrEqual(t, d.ExpectedSavingsPercent, 25.0)
		assert.Equal(t, models.ActionShiftLoad, d.Action)
	}
}

func TestExcessPercent(t *testing.T) {
	assert.Equal(t, 20.0, ExcessPercent(20, 100))
	assert.Equal(t, 10.0, ExcessPercent(10, 100))
	assert.Equal(t, 50.0, ExcessPercent(50, 100))
	assert.Equal(t, 100.0, ExcessPercent(5, 0))
}

func TestDecideWithoutCredentialUsesFallback(t *testing.T) {
	e := NewEngine(NewAnthropicAdvisor(AnthropicConfig{}, nil), time.Second, quietLogger())
	out := e.Resolve(context.Background(), UsageContext{TotalConsumption: 150, Threshold: 100, ExcessAmount: 50, ExcessPercent: 50, Date: "2024-06-01"})
	assert.ErrorIs(t, out.Cause, ErrNoCredential)

	d := e.Decide(context.Background(), 150, 100, 50, "2024-06-01")
	assert.Equal(t, models.ActionShiftLoad, d.Action)
	assert.Equal(t, "02:00-05:00", d.TargetWindow)
	assert.Equal(t, 0.85, d.Confidence)
	assert.Equal(t, 25.0, d.ExpectedSavingsPercent)
	assert.Equal(t, models.SourceFallback, d.Source)
	assert.Contains(t, d.Reasoning, "50.00%")
}

type advisorFunc func(ctx context.Context, uc UsageContext) (models.Decision, error)

func (f advisorFunc) Advise(ctx context.Context, uc UsageContext) (models.Decision, error) {
	return f(ctx, uc)
}

func TestResolveClampsAIDecision(t *testing.T) {
	e := NewEngine(advisorFunc(func(context.Context, UsageContext) (models.Decision, error) {
		return models.Decision{Action: models.ActionReduceConsumption, TargetWindow: "17:00-21:00", ExpectedSavingsPercent: 80, Confidence: 0.9}, nil
	}), time.Second, quietLogger())

	out := e.Resolve(context.Background(), UsageContext{ExcessPercent: 15})
	require.NoError(t, out.Cause)
	assert.Equal(t, models.SourceAI, out.Source)
	assert.Equal(t, 30.0, out.Decision.ExpectedSavingsPercent)
	assert.Equal(t, models.SourceAI, out.Decision.Source)
	assert.Contains(t, out.Decision.Reasoning, "15.00%")
}

func TestResolveFallsBackOnAdvisorErrorAndPanic(t *testing.T) {
	e := NewEngine(advisorFunc(func(context.Context, UsageContext) (models.Decision, error) {
		return models.Decision{}, errors.New("network down")
	}), time.Second, quietLogger())
	out := e.Resolve(context.Background(), UsageContext{ExcessPercent: 5})
	assert.Equal(t, models.SourceFallback, out.Source)
	assert.Equal(t, models.ActionOptimizeScheduling, out.Decision.Action)

	e.Configure(advisorFunc(func(context.Context, UsageContext) (models.Decision, error) { panic("boom") }))
	out = e.Resolve(context.Background(), UsageContext{ExcessPercent: 5})
	assert.Equal(t, models.SourceFallback, out.Source)
	require.Error(t, out.Cause)

	e.Reset()
	out = e.Resolve(context.Background(), UsageContext{ExcessPercent: 5})
	assert.ErrorIs(t, out.Cause, ErrNoCredential)
}

func TestResolveTimeoutFallsBack(t *testing.T) {
	e := NewEngine(advisorFunc(func(ctx context.Context, _ UsageContext) (models.Decision, error) {
		<-ctx.Done()
		return models.Decision{}, ctx.Err()
	}), 20*time.Millisecond, quietLogger())

	start := time.Now()
	out := e.Resolve(context.Background(), UsageContext{ExcessPercent: 25})
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, out.Cause, context.DeadlineExceeded)
	assert.Equal(t, models.ActionShiftLoad, out.Decision.Action)
}

func anthropicServer(t *testing.T, reply string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var req messagesRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Messages[0].Content, "2024-06-01")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": reply}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicAdvisorSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := anthropicServer(t, `Here you go: {"action":"SHIFT_LOAD","targetWindow":"01:00-04:00","expectedSavingsPercent":22,"confidence":0.9,"reasoning":"Excess of 50.00% warrants shifting."}`, &hits)

	adv := NewAnthropicAdvisor(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL}, srv.Client())
	e := NewEngine(adv, time.Second, quietLogger())
	out := e.Resolve(context.Background(), UsageContext{TotalConsumption: 150, Threshold: 100, ExcessAmount: 50, ExcessPercent: 50, Date: "2024-06-01"})

	require.NoError(t, out.Cause)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, models.SourceAI, out.Decision.Source)
	assert.Equal(t, "01:00-04:00", out.Decision.TargetWindow)
	assert.Equal(t, 22.0, out.Decision.ExpectedSavingsPercent)
	assert.Equal(t, "Excess of 50.00% warrants shifting.", out.Decision.Reasoning)
}

func TestAnthropicAdvisorInvalidRepliesFallBack(t *testing.T) {
	replies := map[string]string{
		"not json":          "I cannot help with that",
		"unknown action":    `{"action":"TURN_OFF","targetWindow":"01:00-02:00","confidence":0.5}`,
		"missing window":    `{"action":"SHIFT_LOAD","confidence":0.5}`,
		"missing conf":      `{"action":"SHIFT_LOAD","targetWindow":"01:00-02:00"}`,
		"conf out of range": `{"action":"SHIFT_LOAD","targetWindow":"01:00-02:00","confidence":1.5}`,
		"unknown field":     `{"action":"SHIFT_LOAD","targetWindow":"01:00-02:00","confidence":0.5,"extra":true}`,
	}
	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			srv := anthropicServer(t, reply, &hits)
			e := NewEngine(NewAnthropicAdvisor(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL}, srv.Client()), time.Second, quietLogger())
			out := e.Resolve(context.Background(), UsageContext{ExcessPercent: 50, Date: "2024-06-01"})
			assert.Equal(t, models.SourceFallback, out.Source)
			assert.Error(t, out.Cause)
			assert.EqualValues(t, 1, hits.Load())
		})
	}
}

func TestAnthropicAdvisorServerErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	e := NewEngine(NewAnthropicAdvisor(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client()), time.Second, quietLogger())
	out := e.Resolve(context.Background(), UsageContext{ExcessPercent: 12})
	assert.Equal(t, models.SourceFallback, out.Source)
	assert.True(t, strings.Contains(out.Cause.Error(), "503"))
}

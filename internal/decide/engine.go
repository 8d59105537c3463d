// v2
// internal/decide/engine.go
package decide

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"nrgchamp/optimizer/internal/models"
)

// ErrNoCredential means no advisor is configured; the AI path is skipped.
var ErrNoCredential = errors.New("no AI credential configured")

// UsageContext is what an Advisor is asked to reason about.
type UsageContext struct {
	TotalConsumption float64 `json:"totalConsumption"`
	Threshold        float64 `json:"threshold"`
	ExcessAmount     float64 `json:"excessAmount"`
	ExcessPercent    float64 `json:"excessPercent"`
	Date             string  `json:"date"`
}

// Advisor proposes a decision. Any error sends the engine to the fallback.
type Advisor interface {
	Advise(ctx context.Context, uc UsageContext) (models.Decision, error)
}

// Recorder receives one call per decision produced.
type Recorder interface {
	DecisionMade(source, action string)
}

// Outcome carries the decision and which branch produced it. Cause is the
// reason the AI branch was not used, nil when Source is ai.
type Outcome struct {
	Decision models.Decision
	Source   models.Source
	Cause    error
}

type Engine struct {
	lg       *slog.Logger
	timeout  time.Duration
	recorder Recorder

	mu      sync.RWMutex
	advisor Advisor
}

// NewEngine builds an engine. A nil advisor means the fallback is always used.
func NewEngine(advisor Advisor, timeout time.Duration, lg *slog.Logger) *Engine {
	if lg == nil {
		lg = slog.Default()
	}
	return &Engine{advisor: advisor, timeout: timeout, lg: lg}
}

// WithRecorder attaches a metrics recorder.
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

// Configure swaps the advisor used by later calls.
func (e *Engine) Configure(a Advisor) {
	e.mu.Lock()
	e.advisor = a
	e.mu.Unlock()
}

// Reset removes the advisor.
func (e *Engine) Reset() { e.Configure(nil) }

func (e *Engine) currentAdvisor() Advisor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.advisor
}

// Decide never fails: AI errors of any kind end in the fallback decision.
func (e *Engine) Decide(ctx context.Context, total, threshold, excess float64, date string) models.Decision {
	uc := UsageContext{
		TotalConsumption: total,
		Threshold:        threshold,
		ExcessAmount:     excess,
		ExcessPercent:    ExcessPercent(excess, threshold),
		Date:             date,
	}
	return e.Resolve(ctx, uc).Decision
}

// Resolve runs the AI branch and, when it does not yield a valid decision,
// the fallback branch.
func (e *Engine) Resolve(ctx context.Context, uc UsageContext) Outcome {
	out := e.resolve(ctx, uc)
	if e.recorder != nil {
		e.recorder.DecisionMade(string(out.Source), string(out.Decision.Action))
	}
	e.lg.Info("decision_made",
		"date", uc.Date,
		"excessPercent", uc.ExcessPercent,
		"action", out.Decision.Action,
		"window", out.Decision.TargetWindow,
		"savings", out.Decision.ExpectedSavingsPercent,
		"confidence", out.Decision.Confidence,
		"source", out.Source)
	return out
}

func (e *Engine) resolve(ctx context.Context, uc UsageContext) Outcome {
	d, err := e.advise(ctx, uc)
	if err == nil {
		return Outcome{Decision: d, Source: models.SourceAI}
	}
	if errors.Is(err, ErrNoCredential) {
		e.lg.Debug("ai_skipped", "date", uc.Date, "reason", err.Error())
	} else {
		e.lg.Warn("ai_fallback", "date", uc.Date, "error", err)
	}
	return Outcome{Decision: Fallback(uc.ExcessPercent), Source: models.SourceFallback, Cause: err}
}

func (e *Engine) advise(ctx context.Context, uc UsageContext) (d models.Decision, err error) {
	a := e.currentAdvisor()
	if a == nil {
		return models.Decision{}, ErrNoCredential
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("advisor panic: %v", r)
		}
	}()
	d, err = a.Advise(ctx, uc)
	if err != nil {
		return models.Decision{}, err
	}
	return normalize(d, uc.ExcessPercent)
}

// normalize enforces the bounds on an advisor decision.
func normalize(d models.Decision, excessPercent float64) (models.Decision, error) {
	if !d.Action.Valid() {
		return models.Decision{}, fmt.Errorf("unknown action %q", d.Action)
	}
	if d.TargetWindow == "" {
		return models.Decision{}, errors.New("missing target window")
	}
	if math.IsNaN(d.Confidence) || math.IsNaN(d.ExpectedSavingsPercent) {
		return models.Decision{}, errors.New("non-numeric confidence or savings")
	}
	d.ExpectedSavingsPercent = clamp(d.ExpectedSavingsPercent, 0, 30)
	d.Confidence = clamp(d.Confidence, 0, 1)
	// reasoning must always cite the excess
	if pct := fmt.Sprintf("%.2f%%", excessPercent); !strings.Contains(d.Reasoning, pct) {
		d.Reasoning = strings.TrimSpace(fmt.Sprintf("Consumption exceeded the daily threshold by %s. %s", pct, d.Reasoning))
	}
	d.Source = models.SourceAI
	return d, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

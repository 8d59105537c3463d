// v2
// internal/execute/executor.go
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/lifecycle"
	"nrgchamp/optimizer/internal/models"
	"nrgchamp/optimizer/internal/store"
)

// terminalWriteTimeout bounds the FAILED/COMPLETED write, which must still
// happen after the delivery deadline has expired.
const terminalWriteTimeout = 5 * time.Second

// Recorder observes executions.
type Recorder interface {
	lifecycle.Recorder
	Executed(outcome string, took time.Duration)
}

// Executor applies decisions and performs the terminal write.
type Executor struct {
	repo     *store.Repository
	act      Actuator
	notifier lifecycle.Notifier
	recorder Recorder
	lg       *slog.Logger
	now      func() time.Time
}

// New returns an Executor that applies decisions through act.
func New(repo *store.Repository, act Actuator, lg *slog.Logger) *Executor {
	if lg == nil {
		lg = slog.Default()
	}
	return &Executor{repo: repo, act: act, lg: lg.With(slog.String("component", "executor")), now: time.Now}
}

// WithNotifier attaches a live-status notifier.
func (e *Executor) WithNotifier(n lifecycle.Notifier) *Executor {
	e.notifier = n
	return e
}

// WithRecorder attaches a metrics recorder.
func (e *Executor) WithRecorder(r Recorder) *Executor {
	e.recorder = r
	return e
}

// Execute applies decision for id. A terminal optimization is a no-op and
// the actuator is not called. On actuation failure the FAILED state is
// written and the actuation error is returned.
//
// FAILED is terminal, so the redelivery that error triggers stops at the
// terminal check and returns nil without actuating. Redelivery re-actuates
// only while no terminal write exists: the FAILED write itself failed, or
// the state record is missing.
func (e *Executor) Execute(ctx context.Context, id string, decision models.Decision, triggeredAt time.Time) error {
	st, err := e.repo.OptimizationState(ctx, id)
	present := true
	switch {
	case errors.Is(err, store.ErrNotFound):
		present = false
		e.lg.Warn("optimization_state_missing", "optimizationId", id)
	case err != nil:
		return fmt.Errorf("load optimization %s: %w", id, err)
	case st.Status.Terminal():
		e.lg.Info("execution_skipped_terminal", "optimizationId", id, "status", st.Status)
		return nil
	}

	start := e.now()
	actErr := e.act.Apply(ctx, Command{
		OptimizationID:         id,
		Action:                 decision.Action,
		TargetWindow:           decision.TargetWindow,
		ExpectedSavingsPercent: decision.ExpectedSavingsPercent,
		IssuedAt:               start.UTC(),
	})
	took := e.now().Sub(start)
	result := models.ExecutionResult{Success: actErr == nil, AppliedAt: e.now().UTC(), Details: details(decision, actErr)}

	outcome := "completed"
	if actErr != nil {
		outcome = "failed"
		e.lg.Error("execution_failed", "optimizationId", id, "action", decision.Action, "error", actErr, "sinceTrigger", time.Since(triggeredAt).String())
	} else {
		e.lg.Info("execution_applied", "optimizationId", id, "action", decision.Action, "took", took.String())
	}
	if e.recorder != nil {
		e.recorder.Executed(outcome, took)
	}

	if present {
		if err := e.finish(ctx, id, result); err != nil {
			return err
		}
	}
	if actErr != nil {
		return fmt.Errorf("execute %s: %w", id, actErr)
	}
	return nil
}

// finish is the single terminal write. Losing the race to a concurrent
// delivery that already finished the optimization is not an error.
func (e *Executor) finish(ctx context.Context, id string, result models.ExecutionResult) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	st, err := e.repo.UpdateOptimizationState(wctx, id, func(s *models.OptimizationState) error {
		return s.Finish(result, result.AppliedAt)
	})
	if errors.Is(err, models.ErrAlreadyTerminal) {
		e.lg.Info("execution_terminal_write_skipped", "optimizationId", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminal write %s: %w", id, err)
	}
	lifecycle.Observe(e.lg, e.notifier, e.recorder, st)
	return nil
}

func details(d models.Decision, err error) string {
	base := fmt.Sprintf("%s in window %s, expected savings %.2f%%", d.Action, d.TargetWindow, d.ExpectedSavingsPercent)
	if err != nil {
		return fmt.Sprintf("failed to apply %s: %v", base, err)
	}
	return "applied " + base
}

// HandleMessage is the queue handler for execution requests.
func (e *Executor) HandleMessage(ctx context.Context, msg bus.Message) error {
	var req models.ExecutionRequest
	if err := msg.Decode(&req); err != nil {
		e.lg.Error("execution_request_dropped", "key", msg.Key, "error", err)
		return nil
	}
	if msg.Attempt > 1 {
		e.lg.Info("execution_redelivered", "optimizationId", req.OptimizationID, "attempt", msg.Attempt)
	}
	return e.Execute(ctx, req.OptimizationID, req.Decision, req.TriggeredAt)
}

// v1
// internal/lifecycle/orchestrator.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/models"
	"nrgchamp/optimizer/internal/store"
)

// Decider produces a decision for a breach. It must not fail.
type Decider interface {
	Decide(ctx context.Context, total, threshold, excess float64, date string) models.Decision
}

// Notifier mirrors every persisted state to observers.
type Notifier interface {
	Notify(state models.OptimizationState)
}

// Recorder counts transitions by resulting status.
type Recorder interface {
	Transition(status string)
}

// Orchestrator drives one optimization from RECEIVED to EXECUTING and hands
// it to the executor through the queue.
type Orchestrator struct {
	repo     *store.Repository
	decider  Decider
	queue    bus.Publisher
	notifier Notifier
	recorder Recorder
	lg       *slog.Logger
}

// New returns an Orchestrator that dispatches executions through queue.
func New(repo *store.Repository, decider Decider, queue bus.Publisher, lg *slog.Logger) *Orchestrator {
	if lg == nil {
		lg = slog.Default()
	}
	return &Orchestrator{repo: repo, decider: decider, queue: queue, lg: lg}
}

// WithNotifier attaches a live-status notifier.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithRecorder attaches a metrics recorder.
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	o.recorder = r
	return o
}

// errSuperseded aborts a transition whose stored status has already moved
// past the one this delivery loaded.
var errSuperseded = errors.New("optimization advanced by another delivery")

// OnOptimizationRequired runs the forward path. Every transition is a
// compare-and-swap against the stored record. On redelivery it resumes from
// the persisted status; a terminal optimization is left untouched. When a
// concurrent delivery advances the record first, this one yields to it.
func (o *Orchestrator) OnOptimizationRequired(ctx context.Context, req models.OptimizationRequest) error {
	st, created, err := o.repo.CreateOptimizationState(ctx, models.NewOptimizationState(req.OptimizationID, req.TriggeredAt))
	if err != nil {
		return fmt.Errorf("load optimization %s: %w", req.OptimizationID, err)
	}
	if created {
		Observe(o.lg, o.notifier, o.recorder, st)
	} else {
		o.lg.Info("optimization_resumed", "optimizationId", st.ID, "status", st.Status)
	}

	for {
		switch st.Status {
		case models.StatusReceived:
			st, err = o.advance(ctx, st, func(s *models.OptimizationState) error { return s.Analyze() })
		case models.StatusAnalyzing:
			d, derr := o.decide(ctx, req)
			if derr != nil {
				return derr
			}
			st, err = o.advance(ctx, st, func(s *models.OptimizationState) error { return s.Decide(d) })
		case models.StatusDecided:
			st, err = o.advance(ctx, st, func(s *models.OptimizationState) error { return s.Execute() })
		case models.StatusExecuting:
			return o.dispatch(ctx, st)
		default:
			o.lg.Info("optimization_already_terminal", "optimizationId", st.ID, "status", st.Status)
			return nil
		}
		if errors.Is(err, errSuperseded) {
			o.lg.Info("optimization_superseded", "optimizationId", st.ID, "status", st.Status)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// decide converts a panic in the decider into an error so the request is
// redelivered.
func (o *Orchestrator) decide(ctx context.Context, req models.OptimizationRequest) (d models.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decision engine failed for %s: %v", req.OptimizationID, r)
			o.lg.Error("decision_engine_failed", "optimizationId", req.OptimizationID, "error", err)
		}
	}()
	return o.decider.Decide(ctx, req.TotalConsumption, req.Threshold, req.ExcessAmount, req.Date), nil
}

func (o *Orchestrator) dispatch(ctx context.Context, st models.OptimizationState) error {
	er := models.ExecutionRequest{OptimizationID: st.ID, Decision: *st.Decision, TriggeredAt: st.TriggeredAt}
	if err := o.queue.Publish(ctx, bus.TopicExecutionRequested, st.ID, er); err != nil {
		return fmt.Errorf("dispatch execution %s: %w", st.ID, err)
	}
	o.lg.Info("execution_dispatched", "optimizationId", st.ID, "action", er.Decision.Action, "window", er.Decision.TargetWindow)
	return nil
}

// advance applies fn to the stored record if it still has the status of
// cur. Any other stored status means another delivery moved it and
// errSuperseded is returned with the stored state.
func (o *Orchestrator) advance(ctx context.Context, cur models.OptimizationState, fn func(*models.OptimizationState) error) (models.OptimizationState, error) {
	var stored models.OptimizationState
	next, err := o.repo.UpdateOptimizationState(ctx, cur.ID, func(s *models.OptimizationState) error {
		if s.Status != cur.Status {
			stored = *s
			return errSuperseded
		}
		if err := fn(s); err != nil {
			return err
		}
		return s.Validate()
	})
	if errors.Is(err, errSuperseded) {
		return stored, err
	}
	if err != nil {
		return cur, fmt.Errorf("persist optimization %s (%s): %w", cur.ID, cur.Status, err)
	}
	Observe(o.lg, o.notifier, o.recorder, next)
	return next, nil
}

// Observe logs a persisted state and forwards it to the notifier and
// recorder. The executor uses it for the terminal write.
func Observe(lg *slog.Logger, n Notifier, r Recorder, st models.OptimizationState) {
	if n != nil {
		n.Notify(st)
	}
	if r != nil {
		r.Transition(string(st.Status))
	}
	lg.Info("optimization_transition", "optimizationId", st.ID, "status", st.Status)
}

// HandleMessage is the bus handler for optimization-required events.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg bus.Message) error {
	var req models.OptimizationRequest
	if err := msg.Decode(&req); err != nil {
		o.lg.Error("optimization_request_dropped", "key", msg.Key, "error", err)
		return nil
	}
	if req.OptimizationID == "" {
		o.lg.Error("optimization_request_dropped", "key", msg.Key, "error", "missing optimizationId")
		return nil
	}
	return o.OnOptimizationRequired(ctx, req)
}

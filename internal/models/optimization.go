// v2
// internal/models/optimization.go
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change would skip a state or move backwards.
var ErrInvalidTransition = errors.New("invalid optimization transition")

// ErrAlreadyTerminal is returned when the terminal write is attempted on a finished optimization.
var ErrAlreadyTerminal = errors.New("optimization already terminal")

// Action enumerates the remediation kinds a Decision may carry.
type Action string

const (
	ActionShiftLoad          Action = "SHIFT_LOAD"
	ActionReduceConsumption  Action = "REDUCE_CONSUMPTION"
	ActionOptimizeScheduling Action = "OPTIMIZE_SCHEDULING"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionShiftLoad, ActionReduceConsumption, ActionOptimizeScheduling:
		return true
	default:
		return false
	}
}

// Source tags which decision path produced a Decision.
type Source string

const (
	SourceAI       Source = "ai"
	SourceFallback Source = "fallback"
)

// Decision is the remediation produced by the decision engine.
type Decision struct {
	Action                 Action  `json:"action"`
	TargetWindow           string  `json:"targetWindow"`
	ExpectedSavingsPercent float64 `json:"expectedSavingsPercent"`
	Confidence             float64 `json:"confidence"`
	Reasoning              string  `json:"reasoning"`
	Source                 Source  `json:"source"`
}

// ExecutionResult records the outcome of applying a Decision.
type ExecutionResult struct {
	Success   bool      `json:"success"`
	AppliedAt time.Time `json:"appliedAt"`
	Details   string    `json:"details"`
}

// Status is the lifecycle position of an optimization.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusAnalyzing Status = "ANALYZING"
	StatusDecided   Status = "DECIDED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// rank orders statuses; COMPLETED and FAILED share the terminal rank.
func (s Status) rank() int {
	switch s {
	case StatusReceived:
		return 0
	case StatusAnalyzing:
		return 1
	case StatusDecided:
		return 2
	case StatusExecuting:
		return 3
	case StatusCompleted, StatusFailed:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool { return s.rank() == 4 }

// Before reports whether s comes strictly before other in the lifecycle order.
func (s Status) Before(other Status) bool { return s.rank() < other.rank() }

// OptimizationState is the persisted lifecycle record of one optimization.
type OptimizationState struct {
	ID              string           `json:"id"`
	Status          Status           `json:"status"`
	TriggeredAt     time.Time        `json:"triggeredAt"`
	Decision        *Decision        `json:"decision,omitempty"`
	ExecutionResult *ExecutionResult `json:"executionResult,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// NewOptimizationState creates the RECEIVED record for a request.
func NewOptimizationState(id string, triggeredAt time.Time) OptimizationState {
	return OptimizationState{ID: id, Status: StatusReceived, TriggeredAt: triggeredAt}
}

// Analyze moves RECEIVED to ANALYZING.
func (s *OptimizationState) Analyze() error {
	return s.advance(StatusReceived, StatusAnalyzing)
}

// Decide attaches the decision and moves ANALYZING to DECIDED.
func (s *OptimizationState) Decide(d Decision) error {
	if err := s.advance(StatusAnalyzing, StatusDecided); err != nil {
		return err
	}
	s.Decision = &d
	return nil
}

// Execute moves DECIDED to EXECUTING.
func (s *OptimizationState) Execute() error {
	return s.advance(StatusDecided, StatusExecuting)
}

// Finish is the single terminal write. It is refused once the state is terminal
// so redelivered executions cannot overwrite the recorded result.
func (s *OptimizationState) Finish(result ExecutionResult, at time.Time) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, s.ID, s.Status)
	}
	if s.Status != StatusExecuting {
		return fmt.Errorf("%w: %s cannot finish from %s", ErrInvalidTransition, s.ID, s.Status)
	}
	next := StatusCompleted
	if !result.Success {
		next = StatusFailed
	}
	completed := at
	s.Status = next
	s.ExecutionResult = &result
	s.CompletedAt = &completed
	return nil
}

func (s *OptimizationState) advance(from, to Status) error {
	if s.Status != from {
		return fmt.Errorf("%w: %s cannot move %s -> %s", ErrInvalidTransition, s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}

// Validate checks the presence invariants tied to the status.
func (s OptimizationState) Validate() error {
	if s.Status.rank() < 0 {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	hasDecision := s.Decision != nil
	if wantDecision := !s.Status.Before(StatusDecided); hasDecision != wantDecision {
		return fmt.Errorf("decision presence %t does not match status %s", hasDecision, s.Status)
	}
	terminal := s.Status.Terminal()
	if (s.ExecutionResult != nil) != terminal || (s.CompletedAt != nil) != terminal {
		return fmt.Errorf("execution result presence does not match status %s", s.Status)
	}
	return nil
}

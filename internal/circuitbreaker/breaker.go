// v3
// internal/circuitbreaker/breaker.go
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without invoking the operation while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // how long to stay open before probing
	SuccessesToClose int           // successes required in HalfOpen before closing
}

type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// New returns a closed breaker. Zero tunables fall back to 5 failures,
// a 30s reset timeout and a single success to close.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessesToClose < 1 {
		cfg.SuccessesToClose = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{name: name, cfg: cfg, logger: logger, state: Closed, now: time.Now}
	b.logger.Info("breaker_created", "name", name, "maxFailures", cfg.MaxFailures, "resetTimeout", cfg.ResetTimeout.String(), "successesToClose", cfg.SuccessesToClose)
	return b
}

// Execute runs op unless the breaker is open. Once the reset timeout has
// elapsed the breaker moves to half-open and lets calls through as probes.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
		return ErrOpen
	}
	b.state = HalfOpen
	b.successes = 0
	b.logger.Info("breaker_half_open", "name", b.name)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessesToClose {
				b.state = Closed
				b.logger.Info("breaker_closed", "name", b.name)
			}
		}
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.MaxFailures {
		b.trip(err)
		return
	}
	b.logger.Warn("breaker_operation_failure", "name", b.name, "failures", b.failures, "error", err.Error())
}

// trip must be called with mu held.
func (b *Breaker) trip(err error) {
	b.state = Open
	b.openedAt = b.now()
	b.successes = 0
	b.logger.Error("breaker_opened", "name", b.name, "failures", b.failures, "error", err.Error())
}

// State reports the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker label used in logs and metrics.
func (b *Breaker) Name() string { return b.name }

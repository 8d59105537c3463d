// v1
// internal/circuitbreaker/settings.go
package circuitbreaker

import (
	"errors"
	"time"
)

// Settings are the runtime tunables shared by the Kafka and HTTP wrappers.
// They are populated from the CB_* keys by the config package.
type Settings struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	AttemptTimeout   time.Duration
	Backoff          time.Duration
}

// DefaultSettings mirrors the CB_* defaults.
func DefaultSettings() Settings {
	return Settings{
		Enabled:          false,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		AttemptTimeout:   3 * time.Second,
		Backoff:          200 * time.Millisecond,
	}
}

// Validate rejects tunables the breaker cannot honour.
func (s Settings) Validate() error {
	if s.FailureThreshold < 1 {
		return errors.New("CB_KAFKA_FAILURE_THRESHOLD must be >= 1")
	}
	if s.SuccessThreshold < 1 {
		return errors.New("CB_KAFKA_SUCCESS_THRESHOLD must be >= 1")
	}
	if s.OpenTimeout <= 0 {
		return errors.New("CB_KAFKA_OPEN_SECONDS must be > 0")
	}
	if s.AttemptTimeout < 0 {
		return errors.New("CB_KAFKA_TIMEOUT_MS must be >= 0")
	}
	if s.Backoff < 0 {
		return errors.New("CB_KAFKA_BACKOFF_MS must be >= 0")
	}
	return nil
}

func (s Settings) breakerConfig() Config {
	return Config{
		MaxFailures:      s.FailureThreshold,
		ResetTimeout:     s.OpenTimeout,
		SuccessesToClose: s.SuccessThreshold,
	}
}

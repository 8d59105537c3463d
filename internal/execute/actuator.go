// v1
// internal/execute/actuator.go
package execute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/models"
)

// TopicCommands carries actuation commands when the kafka actuator is used.
const TopicCommands = "optimization.commands"

// Command is what an actuator is asked to apply.
type Command struct {
	OptimizationID         string        `json:"optimizationId"`
	Action                 models.Action `json:"action"`
	TargetWindow           string        `json:"targetWindow"`
	ExpectedSavingsPercent float64       `json:"expectedSavingsPercent"`
	IssuedAt               time.Time     `json:"issuedAt"`
}

// Actuator applies a command. An error marks the optimization FAILED.
type Actuator interface {
	Apply(ctx context.Context, cmd Command) error
}

// Doer is satisfied by *http.Client and the circuit breaker HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Simulate logs the command instead of touching real equipment.
type Simulate struct {
	lg    *slog.Logger
	delay time.Duration
}

func NewSimulate(delay time.Duration, lg *slog.Logger) *Simulate {
	return &Simulate{lg: lg, delay: delay}
}

func (s *Simulate) Apply(ctx context.Context, cmd Command) error {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.lg.Info("exec_simulated", "optimizationId", cmd.OptimizationID, "action", cmd.Action, "window", cmd.TargetWindow)
	return nil
}

// Kafka publishes the command for downstream controllers.
type Kafka struct {
	pub   bus.Publisher
	topic string
	lg    *slog.Logger
}

func NewKafka(pub bus.Publisher, topic string, lg *slog.Logger) *Kafka {
	if topic == "" {
		topic = TopicCommands
	}
	return &Kafka{pub: pub, topic: topic, lg: lg}
}

func (k *Kafka) Apply(ctx context.Context, cmd Command) error {
	k.lg.Info("exec_kafka", "topic", k.topic, "optimizationId", cmd.OptimizationID, "action", cmd.Action)
	return k.pub.Publish(ctx, k.topic, cmd.OptimizationID, cmd)
}

// HTTP posts the command to an actuation endpoint. "{action}" in the URL is
// replaced with the lower-cased action.
type HTTP struct {
	client Doer
	url    string
	lg     *slog.Logger
}

func NewHTTP(client Doer, url string, lg *slog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTP{client: client, url: url, lg: lg}
}

func (h *HTTP) Apply(ctx context.Context, cmd Command) error {
	url := strings.ReplaceAll(h.url, "{action}", strings.ToLower(string(cmd.Action)))
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	h.lg.Info("exec_http", "url", url, "optimizationId", cmd.OptimizationID)
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx from %s: %d", url, resp.StatusCode)
	}
	return nil
}

// NewActuator picks the actuator for mode ("simulate", "kafka", "http").
func NewActuator(mode string, pub bus.Publisher, client Doer, url string, lg *slog.Logger) (Actuator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "simulate":
		return NewSimulate(0, lg), nil
	case "kafka":
		if pub == nil {
			return nil, fmt.Errorf("kafka actuator needs a publisher")
		}
		return NewKafka(pub, TopicCommands, lg), nil
	case "http":
		if url == "" {
			return nil, fmt.Errorf("http actuator needs EXECUTE_HTTP_URL")
		}
		return NewHTTP(client, url, lg), nil
	default:
		return nil, fmt.Errorf("unknown execute mode %q", mode)
	}
}

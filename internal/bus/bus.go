// v1
// internal/bus/bus.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Topic names shared by the pipeline.
const (
	TopicReadings             = "energy.readings"
	TopicOptimizationRequired = "optimization.required"
	TopicExecutionRequested   = "optimization.execute"
)

// Message is one delivery handed to a Handler. Attempt starts at 1.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Time    time.Time
	Attempt int
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Handler processes a delivery. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends v, JSON encoded, on topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// Subscriber delivers messages of topic to h until ctx is cancelled. Each
// group receives every message once; Subscribe blocks.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Bus is the full transport used by the service.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic, key string, v any) error

func (f PublisherFunc) Publish(ctx context.Context, topic, key string, v any) error {
	return f(ctx, topic, key, v)
}

func encode(topic string, v any) ([]byte, error) {
	if raw, ok := v.([]byte); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", topic, err)
	}
	return b, nil
}

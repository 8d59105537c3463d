// v1
// internal/bus/memory.go
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

const (
	memoryQueueSize   = 256
	memoryBacklogSize = 1024
)

// Memory is an in-process bus. Each (topic, group) pair owns a buffered
// queue; every delivery runs in its own goroutine under the retry policy.
// Messages published before any group subscribes are held in a bounded
// backlog and handed to the first subscriber of the topic.
type Memory struct {
	policy RetryPolicy
	lg     *slog.Logger

	mu      sync.Mutex
	closed  bool
	groups  map[string]map[string]chan Message
	backlog map[string][]Message
}

// NewMemory builds an in-process bus.
func NewMemory(policy RetryPolicy, lg *slog.Logger) *Memory {
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Memory{
		policy:  policy,
		lg:      lg,
		groups:  make(map[string]map[string]chan Message),
		backlog: make(map[string][]Message),
	}
}

func (m *Memory) Publish(ctx context.Context, topic, key string, v any) error {
	raw, err := encode(topic, v)
	if err != nil {
		return err
	}
	msg := Message{Topic: topic, Key: key, Value: raw, Time: time.Now().UTC()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	targets := make([]chan Message, 0, len(m.groups[topic]))
	for _, ch := range m.groups[topic] {
		targets = append(targets, ch)
	}
	if len(targets) == 0 {
		if len(m.backlog[topic]) >= memoryBacklogSize {
			m.mu.Unlock()
			m.lg.Warn("bus_backlog_full", "topic", topic, "key", key)
			return errors.New("memory bus backlog full for " + topic)
		}
		m.backlog[topic] = append(m.backlog[topic], msg)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	ch, pending, err := m.join(topic, group)
	if err != nil {
		return err
	}
	defer m.leave(topic, group)
	m.lg.Info("bus_subscribed", "topic", topic, "group", group, "backlog", len(pending))

	var inflight sync.WaitGroup
	defer inflight.Wait()
	dispatch := func(msg Message) {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			_ = Deliver(ctx, m.policy, msg, h, m.lg)
		}()
	}
	for _, msg := range pending {
		dispatch(msg)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			dispatch(msg)
		}
	}
}

func (m *Memory) join(topic, group string) (chan Message, []Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	byGroup, ok := m.groups[topic]
	if !ok {
		byGroup = make(map[string]chan Message)
		m.groups[topic] = byGroup
	}
	if _, dup := byGroup[group]; dup {
		return nil, nil, errors.New("group " + group + " already subscribed to " + topic)
	}
	ch := make(chan Message, memoryQueueSize)
	byGroup[group] = ch
	pending := m.backlog[topic]
	delete(m.backlog, topic)
	return ch, pending, nil
}

func (m *Memory) leave(topic, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups[topic], group)
}

// Close rejects further publishes. Running subscriptions end with their ctx.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

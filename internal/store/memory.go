// v0
// internal/store/memory.go
package store

import (
	"bytes"
	"context"
	"sync"
)

// Memory keeps entries in process memory. It is the default driver for local
// runs and tests.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{groups: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, group, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.groups[group][key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *Memory) Set(ctx context.Context, group, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(group)[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) SetIfAbsent(ctx context.Context, group, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(group)
	if _, exists := b[key]; exists {
		return false, nil
	}
	b[key] = bytes.Clone(value)
	return true, nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, group, key string, old, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(group)
	cur, exists := b[key]
	if !exists || !bytes.Equal(cur, old) {
		return false, nil
	}
	b[key] = bytes.Clone(value)
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, group, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups[group], key)
	return nil
}

func (m *Memory) Close() error { return nil }

// bucket must be called with mu held for writing.
func (m *Memory) bucket(group string) map[string][]byte {
	b, ok := m.groups[group]
	if !ok {
		b = make(map[string][]byte)
		m.groups[group] = b
	}
	return b
}

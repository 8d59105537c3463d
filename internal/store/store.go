// v1
// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by typed lookups when no record exists.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic update keeps losing races.
var ErrConflict = errors.New("concurrent update conflict")

// Store is a key/value store addressed by a (group, key) pair. Implementations
// must be read-after-write consistent and safe for concurrent use.
type Store interface {
	Get(ctx context.Context, group, key string) ([]byte, bool, error)
	Set(ctx context.Context, group, key string, value []byte) error
	// SetIfAbsent writes value only when no entry exists and reports whether it wrote.
	SetIfAbsent(ctx context.Context, group, key string, value []byte) (bool, error)
	// CompareAndSwap replaces old with value and reports whether the swap happened.
	CompareAndSwap(ctx context.Context, group, key string, old, value []byte) (bool, error)
	Delete(ctx context.Context, group, key string) error
	Close() error
}

// Open builds the store selected by driver ("memory", "sqlite", "postgres").
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

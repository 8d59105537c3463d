// v2
// internal/store/repository.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"nrgchamp/optimizer/internal/models"
)

const (
	GroupDailyUsage    = "daily_usage"
	GroupBreachGuard   = "optimization_guard"
	GroupPreferences   = "preferences"
	GroupOptimizations = "optimizations"
	GroupSensors       = "sensor_state"

	keyThresholds = "thresholds"

	// maxCASAttempts bounds the optimistic read-modify-write loops.
	maxCASAttempts = 64
	casBackoff     = 200 * time.Microsecond
)

var guardValue = []byte("true")

// Repository maps the domain records onto a Store.
type Repository struct {
	kv Store
}

// NewRepository wraps kv with typed accessors.
func NewRepository(kv Store) *Repository {
	return &Repository{kv: kv}
}

// Store exposes the underlying key/value store.
func (r *Repository) Store() Store { return r.kv }

// DailyUsage loads the record for date.
func (r *Repository) DailyUsage(ctx context.Context, date string) (models.DailyUsage, error) {
	var u models.DailyUsage
	if err := r.getJSON(ctx, GroupDailyUsage, date, &u); err != nil {
		return models.DailyUsage{}, err
	}
	return u, nil
}

// UpdateDailyUsage applies fn to the record for date (created empty when
// absent) and persists it with compare-and-swap, retrying on lost races. An
// error from fn aborts the write.
func (r *Repository) UpdateDailyUsage(ctx context.Context, date string, fn func(*models.DailyUsage) error) (models.DailyUsage, error) {
	return update(ctx, r.kv, GroupDailyUsage, date,
		func() (models.DailyUsage, error) { return models.NewDailyUsage(date), nil },
		fn)
}

// UpdateOptimizationState applies fn to the stored state for id with
// compare-and-swap. An error from fn aborts the write and is returned as is.
func (r *Repository) UpdateOptimizationState(ctx context.Context, id string, fn func(*models.OptimizationState) error) (models.OptimizationState, error) {
	return update(ctx, r.kv, GroupOptimizations, id,
		func() (models.OptimizationState, error) { return models.OptimizationState{}, ErrNotFound },
		fn)
}

// update is the optimistic read-modify-write loop shared by the typed
// updaters. create supplies the value used when the key is absent.
func update[T any](ctx context.Context, kv Store, group, key string, create func() (T, error), fn func(*T) error) (T, error) {
	var zero T
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, ok, err := kv.Get(ctx, group, key)
		if err != nil {
			return zero, err
		}
		var v T
		if ok {
			if err := json.Unmarshal(raw, &v); err != nil {
				return zero, fmt.Errorf("decode %s/%s: %w", group, key, err)
			}
		} else if v, err = create(); err != nil {
			return zero, err
		}
		if err := fn(&v); err != nil {
			return zero, err
		}
		next, err := json.Marshal(v)
		if err != nil {
			return zero, fmt.Errorf("encode %s/%s: %w", group, key, err)
		}
		var swapped bool
		if ok {
			swapped, err = kv.CompareAndSwap(ctx, group, key, raw, next)
		} else {
			swapped, err = kv.SetIfAbsent(ctx, group, key, next)
		}
		if err != nil {
			return zero, err
		}
		if swapped {
			return v, nil
		}
		if err := sleepJitter(ctx, attempt); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s/%s: %w", group, key, ErrConflict)
}

// Thresholds returns the stored thresholds; ok is false when none were saved.
func (r *Repository) Thresholds(ctx context.Context) (models.Thresholds, bool, error) {
	var t models.Thresholds
	err := r.getJSON(ctx, GroupPreferences, keyThresholds, &t)
	if err == ErrNotFound {
		return models.Thresholds{}, false, nil
	}
	if err != nil {
		return models.Thresholds{}, false, err
	}
	return t, true, nil
}

// SaveThresholds replaces the stored thresholds.
func (r *Repository) SaveThresholds(ctx context.Context, t models.Thresholds) error {
	return r.setJSON(ctx, GroupPreferences, keyThresholds, t)
}

// ClaimBreach atomically sets the per-day guard. Only the first caller for a
// date receives true.
func (r *Repository) ClaimBreach(ctx context.Context, date string) (bool, error) {
	return r.kv.SetIfAbsent(ctx, GroupBreachGuard, date, guardValue)
}

// ReleaseBreach clears the guard so a failed emission can be retried.
func (r *Repository) ReleaseBreach(ctx context.Context, date string) error {
	return r.kv.Delete(ctx, GroupBreachGuard, date)
}

// BreachClaimed reports whether the guard for date is set.
func (r *Repository) BreachClaimed(ctx context.Context, date string) (bool, error) {
	_, ok, err := r.kv.Get(ctx, GroupBreachGuard, date)
	return ok, err
}

// OptimizationState loads the lifecycle record for id.
func (r *Repository) OptimizationState(ctx context.Context, id string) (models.OptimizationState, error) {
	var s models.OptimizationState
	if err := r.getJSON(ctx, GroupOptimizations, id, &s); err != nil {
		return models.OptimizationState{}, err
	}
	return s, nil
}

// CreateOptimizationState stores s unless a record for s.ID exists. It
// returns the stored record and whether this call created it.
func (r *Repository) CreateOptimizationState(ctx context.Context, s models.OptimizationState) (models.OptimizationState, bool, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return models.OptimizationState{}, false, fmt.Errorf("encode %s/%s: %w", GroupOptimizations, s.ID, err)
	}
	created, err := r.kv.SetIfAbsent(ctx, GroupOptimizations, s.ID, raw)
	if err != nil {
		return models.OptimizationState{}, false, err
	}
	if created {
		return s, true, nil
	}
	cur, err := r.OptimizationState(ctx, s.ID)
	return cur, false, err
}

// SaveOptimizationState persists the full lifecycle record.
func (r *Repository) SaveOptimizationState(ctx context.Context, s models.OptimizationState) error {
	return r.setJSON(ctx, GroupOptimizations, s.ID, s)
}

// SensorState loads the latest state recorded for a sensor.
func (r *Repository) SensorState(ctx context.Context, sensorID string) (models.SensorState, error) {
	var s models.SensorState
	if err := r.getJSON(ctx, GroupSensors, sensorID, &s); err != nil {
		return models.SensorState{}, err
	}
	return s, nil
}

// SaveSensorState stores the latest reading for a sensor.
func (r *Repository) SaveSensorState(ctx context.Context, s models.SensorState) error {
	return r.setJSON(ctx, GroupSensors, s.SensorID, s)
}

// sleepJitter waits a random slice of a window growing with attempt.
func sleepJitter(ctx context.Context, attempt int) error {
	window := casBackoff * time.Duration(min(attempt+1, 10))
	t := time.NewTimer(time.Duration(rand.Int63n(int64(window))))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Repository) getJSON(ctx context.Context, group, key string, v any) error {
	raw, ok, err := r.kv.Get(ctx, group, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", group, key, err)
	}
	return nil
}

func (r *Repository) setJSON(ctx context.Context, group, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", group, key, err)
	}
	return r.kv.Set(ctx, group, key, raw)
}

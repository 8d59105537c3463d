// v0
// internal/store/store_test.go
package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/optimizer/internal/models"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	lite, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": lite}
}

func TestStoreContract(t *testing.T) {
	for name, kv := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := kv.Get(ctx, "g", "k")
			require.NoError(t, err)
			assert.False(t, ok)

			wrote, err := kv.SetIfAbsent(ctx, "g", "k", []byte("a"))
			require.NoError(t, err)
			assert.True(t, wrote)
			wrote, err = kv.SetIfAbsent(ctx, "g", "k", []byte("b"))
			require.NoError(t, err)
			assert.False(t, wrote)

			swapped, err := kv.CompareAndSwap(ctx, "g", "k", []byte("x"), []byte("c"))
			require.NoError(t, err)
			assert.False(t, swapped)
			swapped, err = kv.CompareAndSwap(ctx, "g", "k", []byte("a"), []byte("c"))
			require.NoError(t, err)
			assert.True(t, swapped)

			v, ok, err := kv.Get(ctx, "g", "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "c", string(v))

			_, ok, err = kv.Get(ctx, "other", "k")
			require.NoError(t, err)
			assert.False(t, ok, "groups are separate namespaces")

			require.NoError(t, kv.Set(ctx, "g", "k", []byte("d")))
			require.NoError(t, kv.Delete(ctx, "g", "k"))
			_, ok, err = kv.Get(ctx, "g", "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestUpdateDailyUsageConcurrent(t *testing.T) {
	for name, kv := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			repo := NewRepository(kv)
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 1; i <= 8; i++ {
				wg.Add(1)
				go func(v float64) {
					defer wg.Done()
					_, err := repo.UpdateDailyUsage(ctx, "2024-06-01", func(u *models.DailyUsage) error { return u.Add(v) })
					assert.NoError(t, err)
				}(float64(i))
			}
			wg.Wait()

			u, err := repo.DailyUsage(ctx, "2024-06-01")
			require.NoError(t, err)
			assert.Equal(t, 8, u.ReadingCount)
			assert.Equal(t, 36.0, u.TotalConsumption)
			assert.Equal(t, 8.0, u.PeakUsage)
		})
	}
}

func TestClaimBreachOnlyOnce(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.ClaimBreach(ctx, "2024-06-01")
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	claimed, err := repo.BreachClaimed(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, repo.ReleaseBreach(ctx, "2024-06-01"))
	won, err := repo.ClaimBreach(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestThresholdsAbsent(t *testing.T) {
	repo := NewRepository(NewMemory())
	_, ok, err := repo.Thresholds(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveThresholds(context.Background(), models.Thresholds{DailyMax: 10, PeakHourLimit: 5}))
	th, ok, err := repo.Thresholds(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10.0, th.DailyMax)
}

func TestOptimizationStateNotFound(t *testing.T) {
	repo := NewRepository(NewMemory())
	_, err := repo.OptimizationState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebindPostgres(t *testing.T) {
	s := &SQL{dialect: dialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))
	s.dialect = dialectSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestCreateOptimizationStateKeepsExisting(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()
	st := models.NewOptimizationState("opt-x", time.Now())

	got, created, err := repo.CreateOptimizationState(ctx, st)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusReceived, got.Status)

	_, err = repo.UpdateOptimizationState(ctx, "opt-x", func(s *models.OptimizationState) error { return s.Analyze() })
	require.NoError(t, err)

	got, created, err = repo.CreateOptimizationState(ctx, st)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.StatusAnalyzing, got.Status)
}

func TestUpdateOptimizationState(t *testing.T) {
	repo := NewRepository(NewMemory())
	ctx := context.Background()

	_, err := repo.UpdateOptimizationState(ctx, "opt-x", func(*models.OptimizationState) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	st := models.NewOptimizationState("opt-x", time.Now())
	require.NoError(t, repo.SaveOptimizationState(ctx, st))
	got, err := repo.UpdateOptimizationState(ctx, "opt-x", func(s *models.OptimizationState) error { return s.Analyze() })
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzing, got.Status)

	_, err = repo.UpdateOptimizationState(ctx, "opt-x", func(s *models.OptimizationState) error { return s.Execute() })
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	stored, err := repo.OptimizationState(ctx, "opt-x")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzing, stored.Status)
}

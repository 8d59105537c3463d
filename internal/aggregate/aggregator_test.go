// v1
// internal/aggregate/aggregator_test.go
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/models"
	"nrgchamp/optimizer/internal/store"
)

const day = "2024-06-01"

var clock atomic.Int64

// tick returns a fresh timestamp so every reading has its own identity.
func tick() time.Time {
	return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(clock.Add(1)) * time.Millisecond)
}

type capture struct {
	mu   sync.Mutex
	reqs []models.OptimizationRequest
	fail error
}

func (c *capture) Publish(_ context.Context, topic, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	if topic != bus.TopicOptimizationRequired {
		return errors.New("unexpected topic " + topic)
	}
	c.reqs = append(c.reqs, v.(models.OptimizationRequest))
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func newAggregator(t *testing.T, dailyMax float64) (*Aggregator, *store.Repository, *capture) {
	t.Helper()
	repo := store.NewRepository(store.NewMemory())
	pub := &capture{}
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(repo, pub, models.Thresholds{DailyMax: dailyMax, PeakHourLimit: 50}, lg)
	return a, repo, pub
}

func TestTotalEqualToThresholdIsNotABreach(t *testing.T) {
	a, repo, pub := newAggregator(t, 100)
	ctx := context.Background()
	for _, v := range []float64{20, 30, 50} {
		require.NoError(t, a.ProcessReading(ctx, "s1", v, day, tick()))
	}
	u, err := repo.DailyUsage(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 100.0, u.TotalConsumption)
	assert.Equal(t, 3, u.ReadingCount)
	assert.Equal(t, 50.0, u.PeakUsage)
	assert.Equal(t, 0, pub.count())

	claimed, err := repo.BreachClaimed(ctx, day)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestFirstBreachEmitsRequest(t *testing.T) {
	a, _, pub := newAggregator(t, 100)
	require.NoError(t, a.ProcessReading(context.Background(), "s1", 150, day, tick()))

	require.Equal(t, 1, pub.count())
	req := pub.reqs[0]
	assert.Equal(t, 50.0, req.ExcessAmount)
	assert.Equal(t, 100.0, req.Threshold)
	assert.Equal(t, 150.0, req.TotalConsumption)
	assert.Equal(t, day, req.Date)
	assert.Regexp(t, regexp.MustCompile(`^opt-2024-06-01-\d+-[0-9a-f]{8}$`), req.OptimizationID)
}

func TestOneSignalPerDay(t *testing.T) {
	a, _, pub := newAggregator(t, 10)
	ctx := context.Background()
	require.NoError(t, a.ProcessReading(ctx, "s1", 20, day, tick()))
	require.NoError(t, a.ProcessReading(ctx, "s2", 30, day, tick()))
	assert.Equal(t, 1, pub.count())

	require.NoError(t, a.ProcessReading(ctx, "s1", 5, "2024-06-02", tick()))
	require.NoError(t, a.ProcessReading(ctx, "s1", 6, "2024-06-02", tick()))
	assert.Equal(t, 2, pub.count(), "a new day gets its own signal")
}

func TestConcurrentReadingsEmitOnce(t *testing.T) {
	a, repo, pub := newAggregator(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.ProcessReading(ctx, "s", 1.1, day, tick()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, pub.count())
	u, err := repo.DailyUsage(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 25, u.ReadingCount)
	assert.Equal(t, 27.5, u.TotalConsumption)
}

func TestStoredPreferencesOverrideDefaults(t *testing.T) {
	a, repo, pub := newAggregator(t, 100)
	ctx := context.Background()
	require.NoError(t, repo.SaveThresholds(ctx, models.Thresholds{DailyMax: 5, PeakHourLimit: 2}))
	require.NoError(t, a.ProcessReading(ctx, "s", 6, day, tick()))
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 1.0, pub.reqs[0].ExcessAmount)
}

func TestPublishFailureReleasesGuard(t *testing.T) {
	a, repo, pub := newAggregator(t, 10)
	ctx := context.Background()
	pub.fail = errors.New("bus down")

	err := a.ProcessReading(ctx, "s", 20, day, tick())
	require.Error(t, err)
	claimed, err := repo.BreachClaimed(ctx, day)
	require.NoError(t, err)
	assert.False(t, claimed)

	pub.fail = nil
	require.NoError(t, a.ProcessReading(ctx, "s", 1, day, tick()))
	assert.Equal(t, 1, pub.count())
}

func TestRedeliveredReadingIsCountedOnce(t *testing.T) {
	a, repo, pub := newAggregator(t, 10)
	ctx := context.Background()
	ts := tick()
	pub.fail = errors.New("bus down")
	require.Error(t, a.ProcessReading(ctx, "s", 20, day, ts))

	pub.fail = nil
	require.NoError(t, a.ProcessReading(ctx, "s", 20, day, ts))

	u, err := repo.DailyUsage(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 20.0, u.TotalConsumption)
	assert.Equal(t, 1, u.ReadingCount)
	assert.Equal(t, []float64{20}, u.Readings)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 20.0, pub.reqs[0].TotalConsumption)
	assert.Equal(t, 10.0, pub.reqs[0].ExcessAmount)
}

func TestRedeliveredMessageUsesReadingID(t *testing.T) {
	a, repo, _ := newAggregator(t, 100)
	ctx := context.Background()
	ts := tick()
	msg := func(id string) bus.Message {
		raw, err := json.Marshal(models.ReadingEvent{ReadingID: id, SensorID: "s", Value: 4, Timestamp: ts, Date: day})
		require.NoError(t, err)
		return bus.Message{Topic: bus.TopicReadings, Value: raw}
	}
	require.NoError(t, a.HandleMessage(ctx, msg("r-1")))
	require.NoError(t, a.HandleMessage(ctx, msg("r-1")))
	require.NoError(t, a.HandleMessage(ctx, msg("r-2")))

	u, err := repo.DailyUsage(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 2, u.ReadingCount, "same sensor and timestamp with distinct ids are separate readings")
	assert.Equal(t, 8.0, u.TotalConsumption)
}

func TestOverflowingReadingIsDropped(t *testing.T) {
	a, repo, _ := newAggregator(t, math.MaxFloat64)
	ctx := context.Background()
	require.NoError(t, a.ProcessReading(ctx, "s", math.MaxFloat64, day, tick()))
	require.NoError(t, a.ProcessReading(ctx, "s", math.MaxFloat64, day, tick()))

	u, err := repo.DailyUsage(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, u.ReadingCount)
	assert.Equal(t, math.MaxFloat64, u.TotalConsumption)
}

func TestHandleMessageDerivesDate(t *testing.T) {
	a, repo, _ := newAggregator(t, 100)
	ts := time.Date(2024, 6, 3, 23, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(models.ReadingEvent{SensorID: "s", Value: 4, Unit: "kWh", Type: "energy", Timestamp: ts})
	require.NoError(t, err)

	require.NoError(t, a.HandleMessage(context.Background(), bus.Message{Topic: bus.TopicReadings, Value: raw}))
	u, err := repo.DailyUsage(context.Background(), "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, 4.0, u.TotalConsumption)

	assert.NoError(t, a.HandleMessage(context.Background(), bus.Message{Value: []byte("{")}))
}

func TestOptimizationIDsAreUnique(t *testing.T) {
	at := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewOptimizationID(day, at)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

// v2
// internal/aggregate/aggregator.go
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/models"
	"nrgchamp/optimizer/internal/store"
)

// Recorder receives aggregation counters.
type Recorder interface {
	ReadingAggregated()
	BreachSignaled()
}

// Aggregator folds readings into the per-day usage record and signals a
// breach at most once per day.
type Aggregator struct {
	repo     *store.Repository
	pub      bus.Publisher
	lg       *slog.Logger
	recorder Recorder
	now      func() time.Time

	mu       sync.RWMutex
	defaults models.Thresholds
}

// New returns an Aggregator that falls back to defaults when no preferences
// are stored.
func New(repo *store.Repository, pub bus.Publisher, defaults models.Thresholds, lg *slog.Logger) *Aggregator {
	if lg == nil {
		lg = slog.Default()
	}
	return &Aggregator{repo: repo, pub: pub, defaults: defaults, lg: lg, now: time.Now}
}

// WithRecorder attaches a metrics recorder.
func (a *Aggregator) WithRecorder(r Recorder) *Aggregator {
	a.recorder = r
	return a
}

// SetDefaults replaces the thresholds used when no preferences are stored.
func (a *Aggregator) SetDefaults(t models.Thresholds) {
	a.mu.Lock()
	a.defaults = t
	a.mu.Unlock()
	a.lg.Info("default_thresholds_updated", "dailyMax", t.DailyMax, "peakHourLimit", t.PeakHourLimit)
}

// Defaults returns the thresholds applied when no preferences are stored.
func (a *Aggregator) Defaults() models.Thresholds {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.defaults
}

// Thresholds returns the stored preferences or the defaults.
func (a *Aggregator) Thresholds(ctx context.Context) (models.Thresholds, error) {
	t, ok, err := a.repo.Thresholds(ctx)
	if err != nil {
		return models.Thresholds{}, fmt.Errorf("load thresholds: %w", err)
	}
	if !ok {
		return a.Defaults(), nil
	}
	return t, nil
}

// ProcessReading appends value to the usage of date and, on the first breach
// of the day, emits an OptimizationRequest. Store and publish errors are
// returned for redelivery. The reading is identified by sensor and timestamp.
func (a *Aggregator) ProcessReading(ctx context.Context, sensorID string, value float64, date string, ts time.Time) error {
	return a.process(ctx, models.ReadingKey(sensorID, ts), sensorID, value, date, ts)
}

// process folds the reading in at most once per key. A redelivered reading
// skips the append but still re-runs breach detection, so an emission that
// failed earlier is retried.
func (a *Aggregator) process(ctx context.Context, key, sensorID string, value float64, date string, ts time.Time) error {
	var fresh bool
	usage, err := a.repo.UpdateDailyUsage(ctx, date, func(u *models.DailyUsage) (err error) {
		fresh, err = u.Apply(key, value)
		return err
	})
	if errors.Is(err, models.ErrUsageOverflow) {
		a.lg.Error("reading_dropped", "sensorId", sensorID, "date", date, "value", value, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update daily usage %s: %w", date, err)
	}
	if fresh {
		if a.recorder != nil {
			a.recorder.ReadingAggregated()
		}
		a.lg.Info("reading_aggregated", "sensorId", sensorID, "date", date, "value", value, "total", usage.TotalConsumption, "count", usage.ReadingCount, "ts", ts.Format(time.RFC3339))
	} else {
		a.lg.Info("reading_already_applied", "sensorId", sensorID, "date", date, "key", key, "total", usage.TotalConsumption)
	}

	th, err := a.Thresholds(ctx)
	if err != nil {
		return err
	}
	if !th.Exceeded(usage.TotalConsumption) {
		return nil
	}

	won, err := a.repo.ClaimBreach(ctx, date)
	if err != nil {
		return fmt.Errorf("claim breach guard %s: %w", date, err)
	}
	if !won {
		a.lg.Info("breach_already_signaled", "date", date, "total", usage.TotalConsumption, "dailyMax", th.DailyMax)
		return nil
	}

	now := a.now().UTC()
	req := models.OptimizationRequest{
		OptimizationID:   NewOptimizationID(date, now),
		Date:             date,
		TotalConsumption: usage.TotalConsumption,
		Threshold:        th.DailyMax,
		ExcessAmount:     decimal.NewFromFloat(usage.TotalConsumption).Sub(decimal.NewFromFloat(th.DailyMax)).InexactFloat64(),
		TriggeredAt:      now,
	}
	if err := a.pub.Publish(ctx, bus.TopicOptimizationRequired, req.OptimizationID, req); err != nil {
		if relErr := a.repo.ReleaseBreach(context.WithoutCancel(ctx), date); relErr != nil {
			a.lg.Error("breach_guard_release_failed", "date", date, "error", relErr)
		}
		return fmt.Errorf("publish optimization request %s: %w", req.OptimizationID, err)
	}
	if a.recorder != nil {
		a.recorder.BreachSignaled()
	}
	a.lg.Warn("breach_signaled", "optimizationId", req.OptimizationID, "date", date, "total", req.TotalConsumption, "dailyMax", th.DailyMax, "excess", req.ExcessAmount)
	return nil
}

// HandleMessage is the bus handler for reading events. Undecodable payloads
// are dropped since redelivery cannot fix them.
func (a *Aggregator) HandleMessage(ctx context.Context, msg bus.Message) error {
	var ev models.ReadingEvent
	if err := msg.Decode(&ev); err != nil {
		a.lg.Error("reading_dropped", "key", msg.Key, "error", err)
		return nil
	}
	date := ev.Date
	if date == "" {
		if ev.Timestamp.IsZero() {
			a.lg.Error("reading_dropped", "sensorId", ev.SensorID, "error", errors.New("no date or timestamp"))
			return nil
		}
		date = ev.Timestamp.UTC().Format(models.DateLayout)
	}
	return a.process(ctx, ev.Key(), ev.SensorID, ev.Value, date, ev.Timestamp)
}

// NewOptimizationID builds "opt-<date>-<unixMilli>-<8 hex>". The random
// suffix keeps ids unique for triggers within the same millisecond.
func NewOptimizationID(date string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("opt-%s-%d-%s", date, at.UnixMilli(), suffix)
}

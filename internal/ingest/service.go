// v1
// internal/ingest/service.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/models"
	"nrgchamp/optimizer/internal/store"
)

// ErrInvalidReading wraps every validation failure.
var ErrInvalidReading = errors.New("invalid reading")

const (
	defaultUnit = "kWh"
	defaultType = "energy"

	// MaxReadingValue bounds a single reading so daily totals stay finite.
	MaxReadingValue = 1e12
)

// Reading is the inbound payload from HTTP or MQTT. Value is a pointer so a
// missing value can be told apart from zero.
type Reading struct {
	SensorID  string   `json:"sensorId"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit"`
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Date      string   `json:"date"`
}

// Validate normalizes r into a ReadingEvent. Timestamp defaults to now and
// date to the UTC day of the timestamp.
func Validate(r Reading, now time.Time) (models.ReadingEvent, error) {
	sensorID := strings.TrimSpace(r.SensorID)
	if sensorID == "" {
		return models.ReadingEvent{}, fmt.Errorf("%w: sensorId is required", ErrInvalidReading)
	}
	if r.Value == nil {
		return models.ReadingEvent{}, fmt.Errorf("%w: value is required", ErrInvalidReading)
	}
	v := *r.Value
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return models.ReadingEvent{}, fmt.Errorf("%w: value must be a non-negative number", ErrInvalidReading)
	}
	if v > MaxReadingValue {
		return models.ReadingEvent{}, fmt.Errorf("%w: value must not exceed %g", ErrInvalidReading, MaxReadingValue)
	}
	ts := now.UTC()
	if raw := strings.TrimSpace(r.Timestamp); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return models.ReadingEvent{}, fmt.Errorf("%w: timestamp must be ISO-8601: %v", ErrInvalidReading, err)
		}
		ts = parsed.UTC()
	}
	date := strings.TrimSpace(r.Date)
	if date == "" {
		date = ts.Format(models.DateLayout)
	} else if _, err := time.Parse(models.DateLayout, date); err != nil {
		return models.ReadingEvent{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidReading)
	}
	unit := strings.TrimSpace(r.Unit)
	if unit == "" {
		unit = defaultUnit
	}
	typ := strings.TrimSpace(r.Type)
	if typ == "" {
		typ = defaultType
	}
	return models.ReadingEvent{SensorID: sensorID, Value: v, Unit: unit, Type: typ, Timestamp: ts, Date: date}, nil
}

// Service validates readings, records the sensor state and publishes the
// reading event.
type Service struct {
	repo *store.Repository
	pub  bus.Publisher
	lg   *slog.Logger
	now  func() time.Time
}

func NewService(repo *store.Repository, pub bus.Publisher, lg *slog.Logger) *Service {
	if lg == nil {
		lg = slog.Default()
	}
	return &Service{repo: repo, pub: pub, lg: lg, now: time.Now}
}

// Accept returns ErrInvalidReading for bad input; any other error comes
// from the store or the bus. Each accepted reading gets a fresh ReadingID.
func (s *Service) Accept(ctx context.Context, r Reading) (models.ReadingEvent, error) {
	ev, err := Validate(r, s.now())
	if err != nil {
		return models.ReadingEvent{}, err
	}
	ev.ReadingID = uuid.NewString()
	if err := s.repo.SaveSensorState(ctx, models.SensorState{
		SensorID:  ev.SensorID,
		LastValue: ev.Value,
		Unit:      ev.Unit,
		Type:      ev.Type,
		Date:      ev.Date,
		LastSeen:  ev.Timestamp,
	}); err != nil {
		return models.ReadingEvent{}, fmt.Errorf("save sensor state %s: %w", ev.SensorID, err)
	}
	if err := s.pub.Publish(ctx, bus.TopicReadings, ev.Date, ev); err != nil {
		return models.ReadingEvent{}, fmt.Errorf("publish reading %s: %w", ev.SensorID, err)
	}
	s.lg.Info("reading_accepted", "sensorId", ev.SensorID, "value", ev.Value, "date", ev.Date)
	return ev, nil
}

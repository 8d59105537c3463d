// v1
// internal/models/usage.go
package models

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUsageOverflow is returned when a reading would push a daily total past
// the float64 range.
var ErrUsageOverflow = errors.New("daily usage total overflows")

// DateLayout is the calendar-day key used for DailyUsage records and guards.
const DateLayout = "2006-01-02"

const (
	// DefaultDailyMax applies when no preferences have been stored.
	DefaultDailyMax = 100.0
	// DefaultPeakHourLimit applies when no preferences have been stored.
	DefaultPeakHourLimit = 50.0
)

// DailyUsage accumulates every reading received for one calendar day.
// Applied holds the keys of readings already folded in so a redelivered
// reading is counted once.
type DailyUsage struct {
	Date             string    `json:"date"`
	TotalConsumption float64   `json:"totalConsumption"`
	PeakUsage        float64   `json:"peakUsage"`
	AvgUsage         float64   `json:"avgUsage"`
	ReadingCount     int       `json:"readingCount"`
	Readings         []float64 `json:"readings"`
	Applied          []string  `json:"applied,omitempty"`
}

// NewDailyUsage returns the empty record used on the first reading of a day.
func NewDailyUsage(date string) DailyUsage {
	return DailyUsage{Date: date, Readings: []float64{}}
}

// ReadingKey builds the fallback identity of a reading from its sensor and
// timestamp. A zero timestamp yields an empty key.
func ReadingKey(sensorID string, ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return sensorID + "@" + ts.UTC().Format(time.RFC3339Nano)
}

// Apply adds value unless key was applied before and reports whether the
// reading was new. An empty key is always applied.
func (u *DailyUsage) Apply(key string, value float64) (bool, error) {
	if key != "" && slices.Contains(u.Applied, key) {
		return false, nil
	}
	if err := u.Add(value); err != nil {
		return false, err
	}
	if key != "" {
		u.Applied = append(u.Applied, key)
	}
	return true, nil
}

// Add appends a reading and recomputes the derived fields. The total is summed
// in decimal over the full sequence so it never drifts from the readings. The
// record is left untouched when the total would overflow.
func (u *DailyUsage) Add(value float64) error {
	readings := append(slices.Clone(u.Readings), value)

	sum := decimal.Zero
	peak := readings[0]
	for _, r := range readings {
		sum = sum.Add(decimal.NewFromFloat(r))
		if r > peak {
			peak = r
		}
	}
	total := sum.InexactFloat64()
	if math.IsInf(total, 0) {
		return fmt.Errorf("%w: %s", ErrUsageOverflow, u.Date)
	}
	u.Readings = readings
	u.ReadingCount = len(readings)
	u.TotalConsumption = total
	u.PeakUsage = peak
	u.AvgUsage = sum.Div(decimal.NewFromInt(int64(u.ReadingCount))).InexactFloat64()
	return nil
}

// Thresholds are the per-installation limits used for breach detection.
type Thresholds struct {
	DailyMax      float64 `json:"dailyMax"`
	PeakHourLimit float64 `json:"peakHourLimit"`
}

// DefaultThresholds returns the limits applied when preferences are absent.
func DefaultThresholds() Thresholds {
	return Thresholds{DailyMax: DefaultDailyMax, PeakHourLimit: DefaultPeakHourLimit}
}

// Exceeded reports whether total strictly exceeds the daily maximum.
func (t Thresholds) Exceeded(total float64) bool {
	return total > t.DailyMax
}

// SensorState is the latest reading seen for a sensor.
type SensorState struct {
	SensorID  string    `json:"sensorId"`
	LastValue float64   `json:"lastValue"`
	Unit      string    `json:"unit"`
	Type      string    `json:"type"`
	Date      string    `json:"date"`
	LastSeen  time.Time `json:"lastSeen"`
}

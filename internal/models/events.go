// v1
// internal/models/events.go
package models

import "time"

// ReadingEvent is published by ingestion and consumed by the aggregator.
// ReadingID is assigned once at ingestion and survives redelivery.
type ReadingEvent struct {
	ReadingID string    `json:"readingId,omitempty"`
	SensorID  string    `json:"sensorId"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Date      string    `json:"date"`
}

// Key identifies the reading for idempotent aggregation. Events without a
// ReadingID fall back to sensor and timestamp.
func (e ReadingEvent) Key() string {
	if e.ReadingID != "" {
		return e.ReadingID
	}
	return ReadingKey(e.SensorID, e.Timestamp)
}

// OptimizationRequest signals that a day breached its threshold.
type OptimizationRequest struct {
	OptimizationID   string    `json:"optimizationId"`
	Date             string    `json:"date"`
	TotalConsumption float64   `json:"totalConsumption"`
	Threshold        float64   `json:"threshold"`
	ExcessAmount     float64   `json:"excessAmount"`
	TriggeredAt      time.Time `json:"triggeredAt"`
}

// ExecutionRequest asks the executor to apply a decision.
type ExecutionRequest struct {
	OptimizationID string    `json:"optimizationId"`
	Decision       Decision  `json:"decision"`
	TriggeredAt    time.Time `json:"triggeredAt"`
}

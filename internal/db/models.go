package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidStatus is returned for anomaly statuses outside the accepted set
var ErrInvalidStatus = errors.New("invalid anomaly status")

// AnomalyStatus is the review state of a flagged reading
type AnomalyStatus string

const (
	StatusPending  AnomalyStatus = "pending"
	StatusVerified AnomalyStatus = "verified"
	StatusIgnored  AnomalyStatus = "ignored"
)

// AnomalyStatuses lists every accepted status in display order
var AnomalyStatuses = []AnomalyStatus{StatusPending, StatusVerified, StatusIgnored}

// ParseAnomalyStatus converts raw input into a known status
func ParseAnomalyStatus(raw string) (AnomalyStatus, error) {
	for _, s := range AnomalyStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Reading represents a consumption reading in the database.
// AnomalyScore is non-nil exactly when IsAnomaly is true.
type Reading struct {
	ID            uuid.UUID
	MeterID       uuid.UUID
	Timestamp     time.Time
	ValueKWh      float64
	IsAnomaly     bool
	AnomalyScore  *float64
	AnomalyStatus *string
	CreatedAt     time.Time
}

// AnomalyMark is a single detection outcome to persist on a reading
type AnomalyMark struct {
	ReadingID uuid.UUID
	Score     float64
}

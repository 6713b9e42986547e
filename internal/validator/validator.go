package validator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/septivank/energy-anomaly-engine/internal/anomaly"
	"github.com/septivank/energy-anomaly-engine/internal/db"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

func valid() ValidationResult {
	return ValidationResult{IsValid: true}
}

func invalid(format string, args ...interface{}) ValidationResult {
	return ValidationResult{Reason: fmt.Sprintf(format, args...)}
}

// Validator checks caller supplied detection parameters before they reach
// the engine or the database
type Validator struct {
	maxLookbackDays int
}

// NewValidator creates a new validator capping every day-based window at maxLookbackDays
func NewValidator(maxLookbackDays int) *Validator {
	return &Validator{
		maxLookbackDays: maxLookbackDays,
	}
}

// MaxLookbackDays returns the largest accepted day window
func (v *Validator) MaxLookbackDays() int {
	return v.maxLookbackDays
}

// ValidateID parses a UUID path or body parameter
func (v *Validator) ValidateID(name, raw string) (uuid.UUID, ValidationResult) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, invalid("invalid %s: %q is not a UUID", name, raw)
	}
	return id, valid()
}

// ValidateMethod accepts exactly zscore, iqr and moving_average.
// An empty value falls back to zscore.
func (v *Validator) ValidateMethod(raw string) (anomaly.Method, ValidationResult) {
	if raw == "" {
		return anomaly.MethodZScore, valid()
	}
	method, err := anomaly.ParseMethod(raw)
	if err != nil {
		return "", invalid("%v (use zscore, iqr or moving_average)", err)
	}
	return method, valid()
}

// ValidateStatus accepts exactly pending, verified and ignored
func (v *Validator) ValidateStatus(raw string) (db.AnomalyStatus, ValidationResult) {
	status, err := db.ParseAnomalyStatus(raw)
	if err != nil {
		names := make([]string, len(db.AnomalyStatuses))
		for i, s := range db.AnomalyStatuses {
			names[i] = string(s)
		}
		return "", invalid("invalid status %q, use: %s", raw, strings.Join(names, ", "))
	}
	return status, valid()
}

// ValidateDays parses a day window bounded by the configured lookback cap
func (v *Validator) ValidateDays(name, raw string, defaultValue int) (int, ValidationResult) {
	return v.ValidateIntRange(name, raw, defaultValue, 1, v.maxLookbackDays)
}

// ValidateIntRange parses an optional integer parameter within [min, max]
func (v *Validator) ValidateIntRange(name, raw string, defaultValue, min, max int) (int, ValidationResult) {
	if raw == "" {
		return defaultValue, valid()
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid("invalid %s: %v", name, err)
	}
	if value < min || value > max {
		return value, invalid("%s must be between %d and %d", name, min, max)
	}
	return value, valid()
}

// ValidatePositiveFloat parses an optional strictly positive float parameter
func (v *Validator) ValidatePositiveFloat(name, raw string, defaultValue float64) (float64, ValidationResult) {
	if raw == "" {
		return defaultValue, valid()
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, invalid("invalid %s: %v", name, err)
	}
	if value <= 0 {
		return value, invalid("%s must be positive", name)
	}
	return value, valid()
}

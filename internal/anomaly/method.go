package anomaly

import (
	"errors"
	"fmt"
)

// ErrUnknownMethod is returned for detection method names outside the supported set
var ErrUnknownMethod = errors.New("unknown detection method")

// Method selects the detection algorithm
type Method string

const (
	MethodZScore        Method = "zscore"
	MethodIQR           Method = "iqr"
	MethodMovingAverage Method = "moving_average"
)

// Methods lists the supported detection methods
var Methods = []Method{MethodZScore, MethodIQR, MethodMovingAverage}

// Valid reports whether m is one of the supported methods
func (m Method) Valid() bool {
	switch m {
	case MethodZScore, MethodIQR, MethodMovingAverage:
		return true
	}
	return false
}

// ParseMethod converts a raw method name into a Method
func ParseMethod(raw string) (Method, error) {
	m := Method(raw)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, raw)
	}
	return m, nil
}

// Severity buckets an anomaly score for display
func Severity(score float64) string {
	switch {
	case score > 4:
		return "critical"
	case score > 3:
		return "high"
	default:
		return "moderate"
	}
}

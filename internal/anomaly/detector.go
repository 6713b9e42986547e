package anomaly

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/septivank/energy-anomaly-engine/internal/db"
	"gonum.org/v1/gonum/stat"
)

// IQRFenceMultiplier scales the interquartile range to build the outlier fences
const IQRFenceMultiplier = 1.5

// Result is a reading classified as anomalous together with its score
type Result struct {
	ReadingID uuid.UUID `json:"reading_id"`
	Score     float64   `json:"score"`
}

// Detector classifies readings of a single meter with configurable thresholds
type Detector struct {
	zScoreThreshold float64
	minReadings     int
}

// NewDetector creates a new anomaly detector.
// zScoreThreshold is the |z| above which a reading is flagged, minReadings the
// sample size below which zscore and iqr report nothing.
func NewDetector(zScoreThreshold float64, minReadings int) *Detector {
	return &Detector{
		zScoreThreshold: zScoreThreshold,
		minReadings:     minReadings,
	}
}

// ZScoreThreshold returns the configured z-score threshold
func (d *Detector) ZScoreThreshold() float64 {
	return d.zScoreThreshold
}

// MinReadings returns the minimum sample size for zscore and iqr
func (d *Detector) MinReadings() int {
	return d.minReadings
}

// ZScore flags readings whose absolute z-score over the whole sample exceeds
// the threshold. Mean and standard deviation are population statistics.
func (d *Detector) ZScore(readings []db.Reading) []Result {
	if len(readings) < d.minReadings {
		return nil
	}

	values := valuesOf(readings)
	if zeroSpread(values) {
		return nil
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	if std == 0 {
		return nil
	}

	var results []Result
	for i, r := range readings {
		z := math.Abs(values[i]-mean) / std
		if z > d.zScoreThreshold {
			results = append(results, Result{ReadingID: r.ID, Score: z})
		}
	}
	return results
}

// IQR flags readings strictly outside [Q1 - 1.5*IQR, Q3 + 1.5*IQR].
// The score is the distance past the nearer fence in IQR units. A zero IQR
// never flags anything.
func (d *Detector) IQR(readings []db.Reading) []Result {
	if len(readings) < d.minReadings {
		return nil
	}

	values := valuesOf(readings)
	q1 := percentile(values, 25)
	q3 := percentile(values, 75)
	iqr := q3 - q1
	if iqr <= 0 {
		return nil
	}

	lower := q1 - IQRFenceMultiplier*iqr
	upper := q3 + IQRFenceMultiplier*iqr

	var results []Result
	for i, r := range readings {
		v := values[i]
		switch {
		case v < lower:
			results = append(results, Result{ReadingID: r.ID, Score: (lower - v) / iqr})
		case v > upper:
			results = append(results, Result{ReadingID: r.ID, Score: (v - upper) / iqr})
		}
	}
	return results
}

// MovingAverage compares each reading with the trailing average of the
// previous window readings (itself included). The first window-1 readings
// have no average and are never flagged. A reading is anomalous when its
// deviation exceeds multiplier times the trailing standard deviation.
func (d *Detector) MovingAverage(readings []db.Reading, window int, multiplier float64) []Result {
	if window <= 0 || len(readings) < window {
		return nil
	}

	ordered := make([]db.Reading, len(readings))
	copy(ordered, readings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	values := valuesOf(ordered)
	averages := movingAverage(values, window)
	stds := trailingStdDev(values, window)

	var results []Result
	for i := window - 1; i < len(ordered); i++ {
		std := stds[i]
		if std <= 0 {
			continue
		}
		deviation := math.Abs(values[i] - averages[i-window+1])
		if deviation > multiplier*std {
			results = append(results, Result{ReadingID: ordered[i].ID, Score: deviation / std})
		}
	}
	return results
}

func valuesOf(readings []db.Reading) []float64 {
	values := make([]float64, len(readings))
	for i, r := range readings {
		values[i] = r.ValueKWh
	}
	return values
}

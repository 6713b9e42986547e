package anomaly

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// zeroSpread reports whether every value in the sample is identical
func zeroSpread(values []float64) bool {
	return len(values) == 0 || floats.Min(values) == floats.Max(values)
}

// percentile returns the pct-th percentile of values using linear
// interpolation between closest ranks (rank = pct/100 * (n-1)).
func percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := pct / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

// movingAverage returns the trailing simple moving average for every full
// window; element k covers values[k : k+window].
func movingAverage(values []float64, window int) []float64 {
	if window <= 0 || len(values) < window {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	sum := floats.Sum(values[:window])
	out = append(out, sum/float64(window))
	for i := window; i < len(values); i++ {
		sum += values[i] - values[i-window]
		out = append(out, sum/float64(window))
	}
	return out
}

// trailingStdDev returns, for each index i, the population standard deviation
// of values[max(0, i-window) : i+1].
func trailingStdDev(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		win := values[lo : i+1]
		if zeroSpread(win) {
			continue
		}
		out[i] = stat.PopStdDev(win, nil)
	}
	return out
}

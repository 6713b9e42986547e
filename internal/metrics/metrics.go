package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "anomaly"

// Outcome labels for detection runs
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	DetectionRuns     *prometheus.CounterVec
	ReadingsMarked    *prometheus.CounterVec
	DetectionDuration *prometheus.HistogramVec
	Resets            prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		DetectionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_runs_total",
			Help:      "Detection runs by method and outcome.",
		}, []string{"method", "outcome"}),
		ReadingsMarked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_marked_total",
			Help:      "Readings flagged as anomalous by mark runs.",
		}, []string{"method"}),
		DetectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Time spent loading and classifying readings.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Meter anomaly resets.",
		}),
	}

	for _, c := range []prometheus.Collector{m.DetectionRuns, m.ReadingsMarked, m.DetectionDuration, m.Resets} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveDetection records one detection run
func (m *Metrics) ObserveDetection(method string, started time.Time, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.DetectionRuns.WithLabelValues(method, outcome).Inc()
	m.DetectionDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

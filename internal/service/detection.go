package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/energy-anomaly-engine/internal/anomaly"
	"github.com/septivank/energy-anomaly-engine/internal/config"
	"github.com/septivank/energy-anomaly-engine/internal/db"
	"github.com/septivank/energy-anomaly-engine/internal/logging"
	"github.com/septivank/energy-anomaly-engine/internal/metrics"
	"github.com/septivank/energy-anomaly-engine/internal/mq"
	"go.uber.org/zap"
)

var (
	// ErrMeterNotFound is returned when the requested meter does not exist
	ErrMeterNotFound = errors.New("meter not found")
	// ErrNotAnomalous is returned when changing the status of an unflagged reading
	ErrNotAnomalous = errors.New("reading is not marked as an anomaly")
)

// Store is the storage collaborator of the engine
type Store interface {
	MeterExists(ctx context.Context, meterID uuid.UUID) (bool, error)
	ReadingsSince(ctx context.Context, meterID uuid.UUID, cutoff time.Time) ([]db.Reading, error)
	CountReadingsSince(ctx context.Context, meterID uuid.UUID, cutoff time.Time, anomaliesOnly bool) (int, error)
	ApplyAnomalyMarks(ctx context.Context, meterID uuid.UUID, marks []db.AnomalyMark) error
	ResetAnomalies(ctx context.Context, meterID uuid.UUID) (int64, error)
	RecentAnomalies(ctx context.Context, cutoff time.Time, limit int) ([]db.Reading, error)
	GetReading(ctx context.Context, readingID uuid.UUID) (*db.Reading, error)
	UpdateAnomalyStatus(ctx context.Context, readingID uuid.UUID, status db.AnomalyStatus) error
}

// EventPublisher announces committed mark and reset runs
type EventPublisher interface {
	PublishAnomalyEvent(ctx context.Context, event mq.AnomalyEvent, routingKey string) error
}

// DetectOptions are the per-call detection parameters. Zero values fall
// back to the configured defaults.
type DetectOptions struct {
	LookbackDays int
	WindowHours  int
	Multiplier   float64
}

// Summary aggregates flagged readings of a meter over a period
type Summary struct {
	MeterID       uuid.UUID `json:"meter_id"`
	PeriodDays    int       `json:"period_days"`
	TotalReadings int       `json:"total_readings"`
	AnomalyCount  int       `json:"anomaly_count"`
	AnomalyRate   float64   `json:"anomaly_rate"`
}

// RecentAnomaly is a flagged reading with its display severity
type RecentAnomaly struct {
	ReadingID     uuid.UUID `json:"reading_id"`
	MeterID       uuid.UUID `json:"meter_id"`
	Timestamp     time.Time `json:"timestamp"`
	ValueKWh      float64   `json:"value_kwh"`
	AnomalyScore  float64   `json:"anomaly_score"`
	AnomalyStatus string    `json:"anomaly_status"`
	Severity      string    `json:"severity"`
}

// StatusChange describes an applied anomaly status transition
type StatusChange struct {
	ReadingID      uuid.UUID `json:"reading_id"`
	MeterID        uuid.UUID `json:"meter_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
}

// DetectionRequest is the message body consumed from the detection queue
type DetectionRequest struct {
	RequestID string `json:"request_id"`
	MeterID   string `json:"meter_id"`
	Method    string `json:"method"`
}

// DetectionService runs detection, marking and summaries for single meters
type DetectionService struct {
	store     Store
	publisher EventPublisher
	detector  *anomaly.Detector
	metrics   *metrics.Metrics
	cfg       *config.Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewDetectionService creates a new detection service
func NewDetectionService(
	store Store,
	publisher EventPublisher,
	detector *anomaly.Detector,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *DetectionService {
	return &DetectionService{
		store:     store,
		publisher: publisher,
		detector:  detector,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// DefaultOptions returns the configured detection parameters
func (s *DetectionService) DefaultOptions() DetectOptions {
	return DetectOptions{
		LookbackDays: s.cfg.Anomaly.LookbackDays,
		WindowHours:  s.cfg.Anomaly.MovingAverageWindowHours,
		Multiplier:   s.cfg.Anomaly.MovingAverageMultiplier,
	}
}

func (s *DetectionService) withDefaults(opts DetectOptions) DetectOptions {
	def := s.DefaultOptions()
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = def.LookbackDays
	}
	if opts.LookbackDays > s.cfg.Anomaly.MaxLookbackDays {
		opts.LookbackDays = s.cfg.Anomaly.MaxLookbackDays
	}
	if opts.WindowHours <= 0 {
		opts.WindowHours = def.WindowHours
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = def.Multiplier
	}
	return opts
}

// EnsureMeter returns ErrMeterNotFound when the meter does not exist
func (s *DetectionService) EnsureMeter(ctx context.Context, meterID uuid.UUID) error {
	exists, err := s.store.MeterExists(ctx, meterID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrMeterNotFound, meterID)
	}
	return nil
}

// Detect classifies the meter's readings with the given method without
// persisting anything. Too few readings yield an empty result.
func (s *DetectionService) Detect(ctx context.Context, meterID uuid.UUID, method anomaly.Method, opts DetectOptions) ([]anomaly.Result, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", anomaly.ErrUnknownMethod, method)
	}
	opts = s.withDefaults(opts)

	started := time.Now()
	results, err := s.detect(ctx, meterID, method, opts)
	s.metrics.ObserveDetection(string(method), started, err)
	return results, err
}

func (s *DetectionService) detect(ctx context.Context, meterID uuid.UUID, method anomaly.Method, opts DetectOptions) ([]anomaly.Result, error) {
	now := s.now().UTC()

	if method == anomaly.MethodMovingAverage {
		cutoff := now.Add(-time.Duration(2*opts.WindowHours) * time.Hour)
		readings, err := s.store.ReadingsSince(ctx, meterID, cutoff)
		if err != nil {
			return nil, err
		}
		return s.detector.MovingAverage(readings, opts.WindowHours, opts.Multiplier), nil
	}

	cutoff := now.AddDate(0, 0, -opts.LookbackDays)
	readings, err := s.store.ReadingsSince(ctx, meterID, cutoff)
	if err != nil {
		return nil, err
	}
	if method == anomaly.MethodIQR {
		return s.detector.IQR(readings), nil
	}
	return s.detector.ZScore(readings), nil
}

// Mark detects with default parameters and flags every result in a single
// transaction. It returns the number of flagged readings.
func (s *DetectionService) Mark(ctx context.Context, meterID uuid.UUID, method anomaly.Method) (int, error) {
	return s.mark(ctx, "", meterID, method)
}

func (s *DetectionService) mark(ctx context.Context, requestID string, meterID uuid.UUID, method anomaly.Method) (int, error) {
	logger := logging.WithMeterID(s.logger, meterID.String())
	if requestID != "" {
		logger = logging.WithRequestID(logger, requestID)
	}

	results, err := s.Detect(ctx, meterID, method, DetectOptions{})
	if err != nil {
		return 0, err
	}

	marks := make([]db.AnomalyMark, len(results))
	readingIDs := make([]string, len(results))
	for i, r := range results {
		marks[i] = db.AnomalyMark{ReadingID: r.ReadingID, Score: r.Score}
		readingIDs[i] = r.ReadingID.String()
	}

	if err := s.store.ApplyAnomalyMarks(ctx, meterID, marks); err != nil {
		logger.Error("failed to persist anomaly marks", zap.Error(err), zap.String("method", string(method)))
		return 0, err
	}
	s.metrics.ReadingsMarked.WithLabelValues(string(method)).Add(float64(len(marks)))

	event := mq.AnomalyEvent{
		EventType:         mq.EventAnomaliesMarked,
		RequestID:         requestID,
		MeterID:           meterID.String(),
		Method:            string(method),
		AnomaliesDetected: len(marks),
		ReadingIDs:        readingIDs,
		OccurredAt:        s.now().UTC().Format(time.RFC3339),
	}
	s.publish(ctx, logger, event, s.cfg.RabbitMQ.MarkedRoutingKey)

	logger.Info("anomalies marked",
		zap.String("method", string(method)),
		zap.Int("anomalies_detected", len(marks)),
	)
	return len(marks), nil
}

// Summary counts readings and flagged readings of the meter over the last
// days days. Zero days uses the configured default.
func (s *DetectionService) Summary(ctx context.Context, meterID uuid.UUID, days int) (*Summary, error) {
	if days <= 0 {
		days = s.cfg.Anomaly.SummaryDays
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)

	total, err := s.store.CountReadingsSince(ctx, meterID, cutoff, false)
	if err != nil {
		return nil, err
	}
	flagged, err := s.store.CountReadingsSince(ctx, meterID, cutoff, true)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		MeterID:       meterID,
		PeriodDays:    days,
		TotalReadings: total,
		AnomalyCount:  flagged,
	}
	if total > 0 {
		summary.AnomalyRate = float64(flagged) / float64(total)
	}
	return summary, nil
}

// Reset clears the anomaly fields of every flagged reading of the meter
func (s *DetectionService) Reset(ctx context.Context, meterID uuid.UUID) (int64, error) {
	logger := logging.WithMeterID(s.logger, meterID.String())

	cleared, err := s.store.ResetAnomalies(ctx, meterID)
	if err != nil {
		logger.Error("failed to reset anomalies", zap.Error(err))
		return 0, err
	}
	s.metrics.Resets.Inc()

	s.publish(ctx, logger, mq.AnomalyEvent{
		EventType:        mq.EventAnomaliesReset,
		MeterID:          meterID.String(),
		AnomaliesCleared: int(cleared),
		OccurredAt:       s.now().UTC().Format(time.RFC3339),
	}, s.cfg.RabbitMQ.ResetRoutingKey)

	logger.Info("anomalies reset", zap.Int64("anomalies_cleared", cleared))
	return cleared, nil
}

// RecentAnomalies lists flagged readings of all meters from the last hours hours
func (s *DetectionService) RecentAnomalies(ctx context.Context, hours, limit int) ([]RecentAnomaly, error) {
	cutoff := s.now().UTC().Add(-time.Duration(hours) * time.Hour)

	readings, err := s.store.RecentAnomalies(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}

	out := make([]RecentAnomaly, 0, len(readings))
	for _, r := range readings {
		var score float64
		if r.AnomalyScore != nil {
			score = *r.AnomalyScore
		}
		status := string(db.StatusPending)
		if r.AnomalyStatus != nil {
			status = *r.AnomalyStatus
		}
		out = append(out, RecentAnomaly{
			ReadingID:     r.ID,
			MeterID:       r.MeterID,
			Timestamp:     r.Timestamp,
			ValueKWh:      r.ValueKWh,
			AnomalyScore:  score,
			AnomalyStatus: status,
			Severity:      anomaly.Severity(score),
		})
	}
	return out, nil
}

// UpdateStatus moves a flagged reading to a new review status
func (s *DetectionService) UpdateStatus(ctx context.Context, readingID uuid.UUID, status db.AnomalyStatus) (*StatusChange, error) {
	if _, err := db.ParseAnomalyStatus(string(status)); err != nil {
		return nil, err
	}

	reading, err := s.store.GetReading(ctx, readingID)
	if err != nil {
		return nil, err
	}
	if !reading.IsAnomaly {
		return nil, fmt.Errorf("%w: %s", ErrNotAnomalous, readingID)
	}

	previous := string(db.StatusPending)
	if reading.AnomalyStatus != nil {
		previous = *reading.AnomalyStatus
	}

	if err := s.store.UpdateAnomalyStatus(ctx, readingID, status); err != nil {
		return nil, err
	}

	s.logger.Info("anomaly status updated",
		zap.String("reading_id", readingID.String()),
		zap.String("previous_status", previous),
		zap.String("new_status", string(status)),
	)

	return &StatusChange{
		ReadingID:      readingID,
		MeterID:        reading.MeterID,
		PreviousStatus: previous,
		NewStatus:      string(status),
	}, nil
}

// HandleDetectionRequest processes a detection request message from RabbitMQ
func (s *DetectionService) HandleDetectionRequest(ctx context.Context, body []byte) error {
	var req DetectionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("failed to unmarshal detection request: %w", err)
	}

	method := anomaly.MethodZScore
	if req.Method != "" {
		m, err := anomaly.ParseMethod(req.Method)
		if err != nil {
			return err
		}
		method = m
	}

	meterID, err := uuid.Parse(req.MeterID)
	if err != nil {
		return fmt.Errorf("invalid meter_id %q: %w", req.MeterID, err)
	}

	reqLogger := logging.WithRequestID(s.logger, req.RequestID)
	reqLogger.Info("processing detection request",
		zap.String("meter_id", meterID.String()),
		zap.String("method", string(method)),
	)

	if err := s.EnsureMeter(ctx, meterID); err != nil {
		return err
	}

	_, err = s.mark(ctx, req.RequestID, meterID, method)
	return err
}

func (s *DetectionService) publish(ctx context.Context, logger *zap.Logger, event mq.AnomalyEvent, routingKey string) {
	if s.publisher == nil {
		return
	}
	// Events follow the commit, so publish failures are only logged
	if err := s.publisher.PublishAnomalyEvent(ctx, event, routingKey); err != nil {
		logger.Error("failed to publish anomaly event",
			zap.Error(err),
			zap.String("event_type", event.EventType),
		)
	}
}

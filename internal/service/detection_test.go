package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/septivank/energy-anomaly-engine/internal/anomaly"
	"github.com/septivank/energy-anomaly-engine/internal/config"
	"github.com/septivank/energy-anomaly-engine/internal/db"
	"github.com/septivank/energy-anomaly-engine/internal/metrics"
	"github.com/septivank/energy-anomaly-engine/internal/mq"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 12, 29, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory Store
type memStore struct {
	mu       sync.Mutex
	meters   map[uuid.UUID]bool
	readings map[uuid.UUID]*db.Reading
	calls    int
	markErr  error
}

func newMemStore() *memStore {
	return &memStore{
		meters:   make(map[uuid.UUID]bool),
		readings: make(map[uuid.UUID]*db.Reading),
	}
}

func (m *memStore) addMeter() uuid.UUID {
	id := uuid.New()
	m.meters[id] = true
	return id
}

// addHourly stores one reading per hour ending just before testNow
func (m *memStore) addHourly(meterID uuid.UUID, values []float64) []uuid.UUID {
	ids := make([]uuid.UUID, len(values))
	for i, v := range values {
		id := uuid.New()
		m.readings[id] = &db.Reading{
			ID:        id,
			MeterID:   meterID,
			Timestamp: testNow.Add(-time.Duration(len(values)-i)*time.Hour + time.Minute),
			ValueKWh:  v,
		}
		ids[i] = id
	}
	return ids
}

func (m *memStore) addAt(meterID uuid.UUID, ts time.Time, value float64) uuid.UUID {
	id := uuid.New()
	m.readings[id] = &db.Reading{ID: id, MeterID: meterID, Timestamp: ts, ValueKWh: value}
	return id
}

func (m *memStore) flagged(meterID uuid.UUID) map[uuid.UUID]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]float64)
	for _, r := range m.readings {
		if r.MeterID == meterID && r.IsAnomaly {
			out[r.ID] = *r.AnomalyScore
		}
	}
	return out
}

func (m *memStore) MeterExists(ctx context.Context, meterID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.meters[meterID], nil
}

func (m *memStore) ReadingsSince(ctx context.Context, meterID uuid.UUID, cutoff time.Time) ([]db.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var out []db.Reading
	for _, r := range m.readings {
		if r.MeterID == meterID && !r.Timestamp.Before(cutoff) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *memStore) CountReadingsSince(ctx context.Context, meterID uuid.UUID, cutoff time.Time, anomaliesOnly bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	count := 0
	for _, r := range m.readings {
		if r.MeterID == meterID && !r.Timestamp.Before(cutoff) && (!anomaliesOnly || r.IsAnomaly) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ApplyAnomalyMarks(ctx context.Context, meterID uuid.UUID, marks []db.AnomalyMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.markErr != nil {
		return m.markErr
	}
	for _, mark := range marks {
		r, ok := m.readings[mark.ReadingID]
		if !ok || r.MeterID != meterID {
			continue
		}
		score := mark.Score
		r.IsAnomaly = true
		r.AnomalyScore = &score
		if r.AnomalyStatus == nil {
			pending := string(db.StatusPending)
			r.AnomalyStatus = &pending
		}
	}
	return nil
}

func (m *memStore) ResetAnomalies(ctx context.Context, meterID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var cleared int64
	for _, r := range m.readings {
		if r.MeterID == meterID && r.IsAnomaly {
			r.IsAnomaly = false
			r.AnomalyScore = nil
			r.AnomalyStatus = nil
			cleared++
		}
	}
	return cleared, nil
}

func (m *memStore) RecentAnomalies(ctx context.Context, cutoff time.Time, limit int) ([]db.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var out []db.Reading
	for _, r := range m.readings {
		if r.IsAnomaly && !r.Timestamp.Before(cutoff) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetReading(ctx context.Context, readingID uuid.UUID) (*db.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	r, ok := m.readings[readingID]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *memStore) UpdateAnomalyStatus(ctx context.Context, readingID uuid.UUID, status db.AnomalyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	r, ok := m.readings[readingID]
	if !ok {
		return db.ErrNotFound
	}
	s := string(status)
	r.AnomalyStatus = &s
	return nil
}

type recordingPublisher struct {
	events []mq.AnomalyEvent
	keys   []string
	err    error
}

func (p *recordingPublisher) PublishAnomalyEvent(ctx context.Context, event mq.AnomalyEvent, routingKey string) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	p.keys = append(p.keys, routingKey)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName: "energy-anomaly-engine-test",
		RabbitMQ: config.RabbitMQConfig{
			MarkedRoutingKey: "meter.anomalies.marked",
			ResetRoutingKey:  "meter.anomalies.reset",
		},
		Anomaly: config.AnomalyConfig{
			ZScoreThreshold:          2.5,
			MinReadings:              10,
			LookbackDays:             30,
			MovingAverageWindowHours: 24,
			MovingAverageMultiplier:  2.0,
			SummaryDays:              7,
			MaxLookbackDays:          365,
		},
	}
}

func newTestService(t *testing.T) (*DetectionService, *memStore, *recordingPublisher, *metrics.Metrics) {
	t.Helper()
	cfg := testConfig()
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	store := newMemStore()
	pub := &recordingPublisher{}
	detector := anomaly.NewDetector(cfg.Anomaly.ZScoreThreshold, cfg.Anomaly.MinReadings)

	svc := NewDetectionService(store, pub, detector, m, cfg, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, store, pub, m
}

// spikySeries is 165 readings at 100 kWh with 3 readings at 300 kWh interspersed
func spikySeries() ([]float64, []int) {
	values := make([]float64, 168)
	for i := range values {
		values[i] = 100
	}
	spikes := []int{24, 80, 150}
	for _, i := range spikes {
		values[i] = 300
	}
	return values, spikes
}

func TestDetect_UnknownMethodBeforeStorage(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	_, err := svc.Detect(context.Background(), uuid.New(), anomaly.Method("median"), DetectOptions{})
	if !errors.Is(err, anomaly.ErrUnknownMethod) {
		t.Fatalf("Expected ErrUnknownMethod, got %v", err)
	}
	if store.calls != 0 {
		t.Errorf("Expected no storage access, got %d calls", store.calls)
	}
}

func TestMark_UnknownMethodBeforeStorage(t *testing.T) {
	svc, store, pub, _ := newTestService(t)

	_, err := svc.Mark(context.Background(), uuid.New(), anomaly.Method("invalid_method"))
	if !errors.Is(err, anomaly.ErrUnknownMethod) {
		t.Fatalf("Expected ErrUnknownMethod, got %v", err)
	}
	if store.calls != 0 {
		t.Errorf("Expected no storage access, got %d calls", store.calls)
	}
	if len(pub.events) != 0 {
		t.Error("Expected no event for a rejected method")
	}
}

func TestDetect_InsufficientReadings(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()
	store.addHourly(meterID, []float64{100, 100, 100, 100, 100, 100, 100, 100, 900})

	for _, method := range []anomaly.Method{anomaly.MethodZScore, anomaly.MethodIQR} {
		results, err := svc.Detect(context.Background(), meterID, method, DetectOptions{})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", method, err)
		}
		if len(results) != 0 {
			t.Errorf("%s: expected no anomalies with 9 readings, got %d", method, len(results))
		}
	}
}

func TestDetect_LookbackWindow(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()

	values := make([]float64, 30)
	for i := range values {
		values[i] = 100 + float64(i%5)
	}
	store.addHourly(meterID, values)
	old := store.addAt(meterID, testNow.AddDate(0, 0, -45), 300)

	results, err := svc.Detect(context.Background(), meterID, anomaly.MethodZScore, DetectOptions{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected the 45 day old reading to be outside the default lookback, got %d anomalies", len(results))
	}

	results, err = svc.Detect(context.Background(), meterID, anomaly.MethodZScore, DetectOptions{LookbackDays: 60})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].ReadingID != old {
		t.Errorf("Expected the old spike to be flagged with a 60 day lookback, got %v", results)
	}
}

func TestMark_FlagsInjectedOutliers(t *testing.T) {
	svc, store, pub, m := newTestService(t)
	meterID := store.addMeter()
	values, spikes := spikySeries()
	ids := store.addHourly(meterID, values)

	count, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore)
	if err != nil {
		t.Fatalf("Failed to mark anomalies: %v", err)
	}
	if count != len(spikes) {
		t.Fatalf("Expected %d anomalies, got %d", len(spikes), count)
	}

	flagged := store.flagged(meterID)
	for _, i := range spikes {
		score, ok := flagged[ids[i]]
		if !ok {
			t.Errorf("Expected reading %d to be flagged", i)
			continue
		}
		if score <= 2.5 {
			t.Errorf("Expected score above 2.5, got %.3f", score)
		}
		status := store.readings[ids[i]].AnomalyStatus
		if status == nil || *status != string(db.StatusPending) {
			t.Errorf("Expected newly flagged reading to be pending, got %v", status)
		}
	}

	if len(pub.events) != 1 || pub.events[0].EventType != mq.EventAnomaliesMarked {
		t.Fatalf("Expected one marked event, got %v", pub.events)
	}
	if pub.events[0].AnomaliesDetected != len(spikes) || len(pub.events[0].ReadingIDs) != len(spikes) {
		t.Errorf("Unexpected event payload: %+v", pub.events[0])
	}
	if pub.keys[0] != "meter.anomalies.marked" {
		t.Errorf("Expected marked routing key, got %s", pub.keys[0])
	}

	if got := testutil.ToFloat64(m.ReadingsMarked.WithLabelValues("zscore")); got != float64(len(spikes)) {
		t.Errorf("Expected %d marked readings metric, got %v", len(spikes), got)
	}
}

func TestMark_Idempotent(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()
	values, _ := spikySeries()
	store.addHourly(meterID, values)

	for _, method := range anomaly.Methods {
		first, err := svc.Mark(context.Background(), meterID, method)
		if err != nil {
			t.Fatalf("%s: first mark failed: %v", method, err)
		}
		firstSet := store.flagged(meterID)

		second, err := svc.Mark(context.Background(), meterID, method)
		if err != nil {
			t.Fatalf("%s: second mark failed: %v", method, err)
		}
		secondSet := store.flagged(meterID)

		if first != second {
			t.Errorf("%s: expected equal counts, got %d and %d", method, first, second)
		}
		if len(firstSet) != len(secondSet) {
			t.Errorf("%s: flagged sets differ in size: %d vs %d", method, len(firstSet), len(secondSet))
		}
		for id, score := range firstSet {
			if secondScore, ok := secondSet[id]; !ok || secondScore != score {
				t.Errorf("%s: reading %s changed between runs", method, id)
			}
		}

		if _, err := svc.Reset(context.Background(), meterID); err != nil {
			t.Fatalf("%s: reset failed: %v", method, err)
		}
	}
}

func TestMark_KeepsReviewedStatus(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()
	values, spikes := spikySeries()
	ids := store.addHourly(meterID, values)

	if _, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore); err != nil {
		t.Fatalf("Failed to mark anomalies: %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), ids[spikes[0]], db.StatusVerified); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}
	if _, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore); err != nil {
		t.Fatalf("Failed to re-mark anomalies: %v", err)
	}

	status := store.readings[ids[spikes[0]]].AnomalyStatus
	if status == nil || *status != string(db.StatusVerified) {
		t.Errorf("Expected verified status to survive re-marking, got %v", status)
	}
}

func TestMark_StorageFailurePropagates(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	meterID := store.addMeter()
	values, _ := spikySeries()
	store.addHourly(meterID, values)
	store.markErr = errors.New("connection reset")

	if _, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore); !errors.Is(err, store.markErr) {
		t.Errorf("Expected storage error to propagate, got %v", err)
	}
	if len(store.flagged(meterID)) != 0 {
		t.Error("Expected no readings flagged after a failed batch")
	}
	if len(pub.events) != 0 {
		t.Error("Expected no event after a failed batch")
	}
}

func TestMark_PublishFailureIsNotFatal(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	meterID := store.addMeter()
	values, spikes := spikySeries()
	store.addHourly(meterID, values)
	pub.err = errors.New("channel closed")

	count, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore)
	if err != nil {
		t.Fatalf("Expected publish failure to be logged only, got %v", err)
	}
	if count != len(spikes) {
		t.Errorf("Expected %d anomalies, got %d", len(spikes), count)
	}
}

func TestMark_MovingAverage(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()

	values := make([]float64, 48)
	for i := range values {
		values[i] = 100
	}
	values[30] = 400
	ids := store.addHourly(meterID, values)
	// Outside the 2x window range, so never considered
	store.addAt(meterID, testNow.Add(-72*time.Hour), 5000)

	count, err := svc.Mark(context.Background(), meterID, anomaly.MethodMovingAverage)
	if err != nil {
		t.Fatalf("Failed to mark anomalies: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 anomaly, got %d", count)
	}
	if _, ok := store.flagged(meterID)[ids[30]]; !ok {
		t.Error("Expected the spike to be flagged")
	}
}

func TestSummary_Rate(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()
	values, spikes := spikySeries()
	store.addHourly(meterID, values)

	if _, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore); err != nil {
		t.Fatalf("Failed to mark anomalies: %v", err)
	}

	summary, err := svc.Summary(context.Background(), meterID, 7)
	if err != nil {
		t.Fatalf("Failed to get summary: %v", err)
	}

	if summary.MeterID != meterID || summary.PeriodDays != 7 {
		t.Errorf("Unexpected summary identity: %+v", summary)
	}
	if summary.TotalReadings != len(values) {
		t.Errorf("Expected %d readings, got %d", len(values), summary.TotalReadings)
	}
	if summary.AnomalyCount != len(spikes) {
		t.Errorf("Expected %d anomalies, got %d", len(spikes), summary.AnomalyCount)
	}
	if summary.AnomalyRate < 0 || summary.AnomalyRate > 1 {
		t.Errorf("Expected rate within [0, 1], got %v", summary.AnomalyRate)
	}
	expected := float64(len(spikes)) / float64(len(values))
	if summary.AnomalyRate != expected {
		t.Errorf("Expected rate %v, got %v", expected, summary.AnomalyRate)
	}
}

func TestSummary_NoReadings(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()

	summary, err := svc.Summary(context.Background(), meterID, 0)
	if err != nil {
		t.Fatalf("Failed to get summary: %v", err)
	}
	if summary.TotalReadings != 0 || summary.AnomalyRate != 0 {
		t.Errorf("Expected empty summary with zero rate, got %+v", summary)
	}
	if summary.PeriodDays != 7 {
		t.Errorf("Expected default period of 7 days, got %d", summary.PeriodDays)
	}
}

func TestReset_ClearsAnomalies(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	meterID := store.addMeter()
	values, spikes := spikySeries()
	ids := store.addHourly(meterID, values)

	if _, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore); err != nil {
		t.Fatalf("Failed to mark anomalies: %v", err)
	}

	cleared, err := svc.Reset(context.Background(), meterID)
	if err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	if cleared != int64(len(spikes)) {
		t.Errorf("Expected %d cleared, got %d", len(spikes), cleared)
	}

	summary, err := svc.Summary(context.Background(), meterID, 7)
	if err != nil {
		t.Fatalf("Failed to get summary: %v", err)
	}
	if summary.AnomalyCount != 0 {
		t.Errorf("Expected no anomalies after reset, got %d", summary.AnomalyCount)
	}

	r := store.readings[ids[spikes[0]]]
	if r.AnomalyScore != nil || r.AnomalyStatus != nil || r.ValueKWh != 300 {
		t.Errorf("Expected anomaly fields cleared and value untouched, got %+v", r)
	}

	again, err := svc.Reset(context.Background(), meterID)
	if err != nil || again != 0 {
		t.Errorf("Expected second reset to be a no-op, got %d (%v)", again, err)
	}

	last := pub.events[len(pub.events)-1]
	if last.EventType != mq.EventAnomaliesReset {
		t.Errorf("Expected reset event, got %s", last.EventType)
	}
}

func TestRecentAnomalies_Severity(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()
	values, spikes := spikySeries()
	store.addHourly(meterID, values)

	if _, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore); err != nil {
		t.Fatalf("Failed to mark anomalies: %v", err)
	}

	recent, err := svc.RecentAnomalies(context.Background(), 168, 50)
	if err != nil {
		t.Fatalf("Failed to list recent anomalies: %v", err)
	}
	if len(recent) != len(spikes) {
		t.Fatalf("Expected %d recent anomalies, got %d", len(spikes), len(recent))
	}
	for i, r := range recent {
		if r.Severity != "critical" {
			t.Errorf("Expected critical severity for score %.2f, got %s", r.AnomalyScore, r.Severity)
		}
		if i > 0 && r.Timestamp.After(recent[i-1].Timestamp) {
			t.Error("Expected newest first")
		}
	}

	limited, err := svc.RecentAnomalies(context.Background(), 168, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d (%v)", len(limited), err)
	}
}

func TestUpdateStatus(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()
	values, spikes := spikySeries()
	ids := store.addHourly(meterID, values)

	if _, err := svc.Mark(context.Background(), meterID, anomaly.MethodZScore); err != nil {
		t.Fatalf("Failed to mark anomalies: %v", err)
	}

	change, err := svc.UpdateStatus(context.Background(), ids[spikes[1]], db.StatusIgnored)
	if err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}
	if change.PreviousStatus != "pending" || change.NewStatus != "ignored" || change.MeterID != meterID {
		t.Errorf("Unexpected status change: %+v", change)
	}

	if _, err := svc.UpdateStatus(context.Background(), ids[0], db.StatusVerified); !errors.Is(err, ErrNotAnomalous) {
		t.Errorf("Expected ErrNotAnomalous, got %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), uuid.New(), db.StatusVerified); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected db.ErrNotFound, got %v", err)
	}

	calls := store.calls
	if _, err := svc.UpdateStatus(context.Background(), ids[spikes[1]], db.AnomalyStatus("closed")); !errors.Is(err, db.ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
	if store.calls != calls {
		t.Error("Expected invalid status to be rejected before storage access")
	}
}

func TestHandleDetectionRequest(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	meterID := store.addMeter()
	values, spikes := spikySeries()
	store.addHourly(meterID, values)

	body := []byte(`{"request_id":"req-1","meter_id":"` + meterID.String() + `","method":"zscore"}`)
	if err := svc.HandleDetectionRequest(context.Background(), body); err != nil {
		t.Fatalf("Failed to handle request: %v", err)
	}
	if len(store.flagged(meterID)) != len(spikes) {
		t.Errorf("Expected %d flagged readings", len(spikes))
	}
	if len(pub.events) != 1 || pub.events[0].RequestID != "req-1" {
		t.Errorf("Expected event carrying the request id, got %+v", pub.events)
	}
}

func TestHandleDetectionRequest_Rejections(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	meterID := store.addMeter()

	cases := []struct {
		name string
		body string
		want error
	}{
		{"unknown method", `{"meter_id":"` + meterID.String() + `","method":"median"}`, anomaly.ErrUnknownMethod},
		{"unknown meter", `{"meter_id":"` + uuid.New().String() + `","method":"iqr"}`, ErrMeterNotFound},
	}
	for _, tc := range cases {
		if err := svc.HandleDetectionRequest(context.Background(), []byte(tc.body)); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if err := svc.HandleDetectionRequest(context.Background(), []byte(`{not json`)); err == nil {
		t.Error("Expected error for malformed body")
	}
	if err := svc.HandleDetectionRequest(context.Background(), []byte(`{"meter_id":"42"}`)); err == nil {
		t.Error("Expected error for a non-UUID meter id")
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/septivank/energy-anomaly-engine/internal/anomaly"
	"github.com/septivank/energy-anomaly-engine/internal/db"
	"github.com/septivank/energy-anomaly-engine/internal/service"
	"github.com/septivank/energy-anomaly-engine/internal/validator"
	"go.uber.org/zap"
)

// Query parameter bounds of the listing endpoints
const (
	defaultRecentHours = 24
	maxRecentHours     = 168
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// Engine is the detection service as seen by the HTTP layer
type Engine interface {
	DefaultOptions() service.DetectOptions
	EnsureMeter(ctx context.Context, meterID uuid.UUID) error
	Detect(ctx context.Context, meterID uuid.UUID, method anomaly.Method, opts service.DetectOptions) ([]anomaly.Result, error)
	Mark(ctx context.Context, meterID uuid.UUID, method anomaly.Method) (int, error)
	Summary(ctx context.Context, meterID uuid.UUID, days int) (*service.Summary, error)
	Reset(ctx context.Context, meterID uuid.UUID) (int64, error)
	RecentAnomalies(ctx context.Context, hours, limit int) ([]service.RecentAnomaly, error)
	UpdateStatus(ctx context.Context, readingID uuid.UUID, status db.AnomalyStatus) (*service.StatusChange, error)
}

// Handler serves the anomaly endpoints
type Handler struct {
	engine      Engine
	validator   *validator.Validator
	summaryDays int
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(engine Engine, v *validator.Validator, summaryDays int, logger *zap.Logger) *Handler {
	return &Handler{
		engine:      engine,
		validator:   v,
		summaryDays: summaryDays,
		logger:      logger,
	}
}

type detectResponse struct {
	MeterID           uuid.UUID `json:"meter_id"`
	Method            string    `json:"method"`
	AnomaliesDetected int       `json:"anomalies_detected"`
	Message           string    `json:"message"`
}

type previewResponse struct {
	MeterID      uuid.UUID        `json:"meter_id"`
	Method       string           `json:"method"`
	LookbackDays int              `json:"lookback_days"`
	WindowHours  int              `json:"window_hours,omitempty"`
	Multiplier   float64          `json:"multiplier,omitempty"`
	Count        int              `json:"count"`
	Anomalies    []anomaly.Result `json:"anomalies"`
}

type recentResponse struct {
	Hours     int                     `json:"hours"`
	Count     int                     `json:"count"`
	Anomalies []service.RecentAnomaly `json:"anomalies"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	*service.StatusChange
	Message string `json:"message"`
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Detect runs a mark pass for one meter
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	meterID, ok := h.meterID(w, r)
	if !ok {
		return
	}
	method, res := h.validator.ValidateMethod(r.URL.Query().Get("method"))
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}

	if err := h.engine.EnsureMeter(r.Context(), meterID); err != nil {
		h.fail(w, err)
		return
	}

	count, err := h.engine.Mark(r.Context(), meterID, method)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detectResponse{
		MeterID:           meterID,
		Method:            string(method),
		AnomaliesDetected: count,
		Message:           "anomaly detection completed",
	})
}

// Preview classifies readings without persisting flags
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	meterID, ok := h.meterID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	def := h.engine.DefaultOptions()

	method, res := h.validator.ValidateMethod(q.Get("method"))
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}
	lookback, res := h.validator.ValidateDays("lookback_days", q.Get("lookback_days"), def.LookbackDays)
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}
	window, res := h.validator.ValidateIntRange("window_hours", q.Get("window_hours"), def.WindowHours, 2, maxRecentHours)
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}
	multiplier, res := h.validator.ValidatePositiveFloat("multiplier", q.Get("multiplier"), def.Multiplier)
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}

	if err := h.engine.EnsureMeter(r.Context(), meterID); err != nil {
		h.fail(w, err)
		return
	}

	opts := service.DetectOptions{LookbackDays: lookback, WindowHours: window, Multiplier: multiplier}
	results, err := h.engine.Detect(r.Context(), meterID, method, opts)
	if err != nil {
		h.fail(w, err)
		return
	}
	if results == nil {
		results = []anomaly.Result{}
	}

	resp := previewResponse{
		MeterID:      meterID,
		Method:       string(method),
		LookbackDays: lookback,
		Count:        len(results),
		Anomalies:    results,
	}
	if method == anomaly.MethodMovingAverage {
		resp.WindowHours = window
		resp.Multiplier = multiplier
	}
	writeJSON(w, http.StatusOK, resp)
}

// Summary returns flagged reading counts for one meter
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	meterID, ok := h.meterID(w, r)
	if !ok {
		return
	}
	days, res := h.validator.ValidateDays("days", r.URL.Query().Get("days"), h.summaryDays)
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}

	if err := h.engine.EnsureMeter(r.Context(), meterID); err != nil {
		h.fail(w, err)
		return
	}

	summary, err := h.engine.Summary(r.Context(), meterID, days)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Recent lists flagged readings across meters
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours, res := h.validator.ValidateIntRange("hours", q.Get("hours"), defaultRecentHours, 1, maxRecentHours)
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}
	limit, res := h.validator.ValidateIntRange("limit", q.Get("limit"), defaultRecentLimit, 1, maxRecentLimit)
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}

	anomalies, err := h.engine.RecentAnomalies(r.Context(), hours, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if anomalies == nil {
		anomalies = []service.RecentAnomaly{}
	}
	writeJSON(w, http.StatusOK, recentResponse{Hours: hours, Count: len(anomalies), Anomalies: anomalies})
}

// Reset clears all anomaly flags of one meter
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	meterID, ok := h.meterID(w, r)
	if !ok {
		return
	}

	if err := h.engine.EnsureMeter(r.Context(), meterID); err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.engine.Reset(r.Context(), meterID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateStatus changes the review status of a flagged reading
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	readingID, res := h.validator.ValidateID("reading_id", mux.Vars(r)["reading_id"])
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, res := h.validator.ValidateStatus(req.Status)
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return
	}

	change, err := h.engine.UpdateStatus(r.Context(), readingID, status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{StatusChange: change, Message: "anomaly status updated"})
}

func (h *Handler) meterID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, res := h.validator.ValidateID("meter_id", mux.Vars(r)["meter_id"])
	if !res.IsValid {
		writeError(w, http.StatusBadRequest, res.Reason)
		return uuid.Nil, false
	}
	return id, true
}

// fail maps engine errors onto HTTP status codes
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrMeterNotFound), errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, anomaly.ErrUnknownMethod),
		errors.Is(err, db.ErrInvalidStatus),
		errors.Is(err, service.ErrNotAnomalous):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

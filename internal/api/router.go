package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers the anomaly, health and metrics routes
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	analytics := r.PathPrefix("/api/v1/analytics/anomalies").Subrouter()
	analytics.HandleFunc("/detect/{meter_id}", h.Detect).Methods(http.MethodPost)
	analytics.HandleFunc("/preview/{meter_id}", h.Preview).Methods(http.MethodGet)
	analytics.HandleFunc("/summary/{meter_id}", h.Summary).Methods(http.MethodGet)
	analytics.HandleFunc("/recent", h.Recent).Methods(http.MethodGet)
	analytics.HandleFunc("/reset/{meter_id}", h.Reset).Methods(http.MethodDelete)

	r.HandleFunc("/api/v1/anomalies/{reading_id}/status", h.UpdateStatus).Methods(http.MethodPatch)

	return r
}

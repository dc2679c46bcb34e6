// Package metrics defines the Prometheus collectors for ingest, hashing,
// clustering and stage transitions, and exposes a scrape handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canon"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DocumentsIngestedTotal *prometheus.CounterVec
	DocumentsHashedTotal   *prometheus.CounterVec
	ClusterPassesTotal     *prometheus.CounterVec
	ClusterPassDuration    *prometheus.HistogramVec
	ClusterAssignments     *prometheus.CounterVec
	StageTransitionsTotal  *prometheus.CounterVec
	StageProcessDuration   *prometheus.HistogramVec
	HTTPRequestsTotal      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		DocumentsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_ingested_total",
				Help:      "Ingest requests by result (inserted, existing).",
			},
			[]string{"result"},
		),
		DocumentsHashedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_hashed_total",
				Help:      "Fingerprinted documents by simhash presence.",
			},
			[]string{"simhash"},
		),
		ClusterPassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_passes_total",
				Help:      "Clustering passes by mode (incremental, full).",
			},
			[]string{"mode"},
		),
		ClusterPassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cluster_pass_duration_seconds",
				Help:      "Clustering pass latency in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		ClusterAssignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_assignments_total",
				Help:      "Documents assigned by role (primary, duplicate).",
			},
			[]string{"role"},
		),
		StageTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Stage state machine results by stage and result.",
			},
			[]string{"stage", "result"},
		),
		StageProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_process_duration_seconds",
				Help:      "Stage processor latency per document in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.DocumentsIngestedTotal,
		m.DocumentsHashedTotal,
		m.ClusterPassesTotal,
		m.ClusterPassDuration,
		m.ClusterAssignments,
		m.StageTransitionsTotal,
		m.StageProcessDuration,
		m.HTTPRequestsTotal,
	)
	return m
}

func (m *Metrics) Ingested(inserted bool) {
	if m == nil {
		return
	}
	result := "existing"
	if inserted {
		result = "inserted"
	}
	m.DocumentsIngestedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Hashed(hasSimhash bool) {
	if m == nil {
		return
	}
	label := "absent"
	if hasSimhash {
		label = "present"
	}
	m.DocumentsHashedTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) ClusterPass(mode string, elapsed time.Duration, primaries, duplicates int) {
	if m == nil {
		return
	}
	m.ClusterPassesTotal.WithLabelValues(mode).Inc()
	m.ClusterPassDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	m.ClusterAssignments.WithLabelValues("primary").Add(float64(primaries))
	m.ClusterAssignments.WithLabelValues("duplicate").Add(float64(duplicates))
}

func (m *Metrics) Transition(stage, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StageTransitionsTotal.WithLabelValues(stage, result).Add(float64(n))
}

func (m *Metrics) Processed(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageProcessDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) Request(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}

// Handler returns the scrape handler for the registry the collectors live in.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

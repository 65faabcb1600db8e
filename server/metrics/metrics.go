// Package metrics holds the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine emits. Construct one per
// process with a dedicated registry so tests can build them freely.
type Metrics struct {
	MatchesRecorded *prometheus.CounterVec
	RatingShift     prometheus.Histogram
	RunnerLatency   prometheus.Histogram
	RunnerFailures  prometheus.Counter
	ProposalsTotal  *prometheus.CounterVec
	BatchDuration   prometheus.Histogram
	BatchesActive   prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MatchesRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_matches_recorded_total",
				Help: "Ledger rows written, by termination reason",
			},
			[]string{"termination"},
		),
		RatingShift: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arena_rating_shift",
				Help:    "Absolute mu change per scored participant update",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
		),
		RunnerLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arena_runner_latency_seconds",
				Help:    "Wall time of external contest runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		RunnerFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "arena_runner_failures_total",
				Help: "Contests that produced no scorable outcome",
			},
		),
		ProposalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_proposals_total",
				Help: "Matchmaker proposals served, by kind",
			},
			[]string{"kind"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arena_batch_duration_seconds",
				Help:    "End-to-end batch run time",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		BatchesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "arena_batches_active",
				Help: "Batches currently running",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arena_http_requests_total",
				Help: "API requests, by route and status",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arena_http_request_seconds",
				Help:    "API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

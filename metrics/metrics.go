package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed client
	MLSRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mls_requests_total",
			Help: "MLS API requests by resource and outcome",
		},
		[]string{"resource", "outcome"}, // outcome: ok, retry, error, auth
	)

	MLSRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mls_request_duration_seconds",
			Help:    "MLS API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Sync runs
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Sync runs by mode and final status",
		},
		[]string{"mode", "status"},
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Wall time of sync runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"mode"},
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_total",
			Help: "Reconciled records by outcome",
		},
		[]string{"outcome"}, // created, updated, unchanged, failed, deactivated
	)

	SyncInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_in_progress",
			Help: "1 while a sync run holds the lock",
		},
	)

	// Geocoding
	GeocodeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_requests_total",
			Help: "Geocoding provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"}, // outcome: ok, not_found, error, cached
	)

	// Images
	ImageSyncProperties = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_sync_properties_total",
			Help: "Properties visited by image sync by outcome",
		},
		[]string{"outcome"}, // updated, skipped, failed
	)

	// Store snapshot, refreshed by the stats reporter
	PropertiesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "properties",
			Help: "Stored properties by segment",
		},
		[]string{"segment"}, // total, active, inactive, with_images, with_coordinates, sync_failed
	)
)

// RecordMLSRequest records one feed API round trip.
func RecordMLSRequest(resource, outcome string, d time.Duration) {
	MLSRequests.WithLabelValues(resource, outcome).Inc()
	MLSRequestDuration.WithLabelValues(resource).Observe(d.Seconds())
}

func RecordSyncRun(mode, status string, d time.Duration) {
	SyncRuns.WithLabelValues(mode, status).Inc()
	SyncRunDuration.WithLabelValues(mode).Observe(d.Seconds())
}

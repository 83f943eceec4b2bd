package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_workers_total",
			Help: "Total number of pool workers by state",
		},
		[]string{"state"},
	)

	PoolTargetLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_pool_target_length",
			Help: "Configured target number of ready+provisioning workers",
		},
	)

	PoolAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_pool_acquire_duration_seconds",
			Help:    "Time spent waiting for Acquire to return a ready worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolAcquireTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_pool_acquire_timeouts_total",
			Help: "Total number of Acquire calls that returned Unavailable",
		},
	)

	WorkersForceDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_workers_force_deleted_total",
			Help: "Total number of workers force-deleted for being stuck in Provisioning",
		},
	)

	// Execution metrics
	ExecuteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_execute_duration_seconds",
			Help:    "End-to-end duration of /v1/execute requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecuteResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_execute_results_total",
			Help: "Total execute requests by outcome",
		},
		[]string{"outcome"},
	)

	WorkspaceProjectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_workspace_projection_duration_seconds",
			Help:    "Time to project requested files into a worker workspace",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkspaceExtractionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_workspace_extraction_duration_seconds",
			Help:    "Time to extract a worker workspace back into the file store",
			Buckets: prometheus.DefBuckets,
		},
	)

	// File store metrics
	BlobPutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_blob_puts_total",
			Help: "Total number of blobs written to the file store",
		},
	)

	BlobGetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_blob_gets_total",
			Help: "Total number of blob reads by outcome",
		},
		[]string{"outcome"},
	)

	QuotaExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_quota_exhausted_total",
			Help: "Total number of reads rejected due to exhausted download quota",
		},
	)

	ReclaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_reclaim_duration_seconds",
			Help:    "Time taken for a file store reclaim sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReclaimedObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_reclaimed_objects_total",
			Help: "Total number of expired or quota-exhausted objects removed by reclaim",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Orchestrator metrics
	OrchestratorOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_orchestrator_op_duration_seconds",
			Help:    "Duration of orchestrator operations (create/exec/delete)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	OrchestratorRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_orchestrator_retries_total",
			Help: "Total retry attempts against the orchestrator by operation",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(PoolTargetLength)
	prometheus.MustRegister(PoolAcquireDuration)
	prometheus.MustRegister(PoolAcquireTimeoutsTotal)
	prometheus.MustRegister(WorkersForceDeletedTotal)

	prometheus.MustRegister(ExecuteDuration)
	prometheus.MustRegister(ExecuteResultsTotal)
	prometheus.MustRegister(WorkspaceProjectionDuration)
	prometheus.MustRegister(WorkspaceExtractionDuration)

	prometheus.MustRegister(BlobPutsTotal)
	prometheus.MustRegister(BlobGetsTotal)
	prometheus.MustRegister(QuotaExhaustedTotal)
	prometheus.MustRegister(ReclaimDuration)
	prometheus.MustRegister(ReclaimedObjectsTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(OrchestratorOpDuration)
	prometheus.MustRegister(OrchestratorRetriesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

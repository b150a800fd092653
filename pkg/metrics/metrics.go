package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Retry metrics
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawner_retry_attempts_total",
			Help: "Total number of remote call attempts by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Lifecycle metrics
	LifecycleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawner_lifecycle_operations_total",
			Help: "Total number of lifecycle operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	LifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spawner_lifecycle_duration_seconds",
			Help:    "Lifecycle operation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"operation"},
	)

	HangsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spawner_hangs_detected_total",
			Help: "Total number of running instances classified as hung",
		},
	)

	// Registry metrics
	InstancesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spawner_instances_tracked",
			Help: "Number of instance records held by the registry",
		},
	)

	InstancesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spawner_instances_by_status",
			Help: "Tracked instances by last observed poll status",
		},
		[]string{"status"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spawner_reconciliation_duration_seconds",
			Help:    "Time taken to poll every tracked user",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spawner_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawner_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spawner_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Worker pool metrics
	PoolInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spawner_pool_in_flight",
			Help: "Lifecycle operations currently holding a pool slot",
		},
	)
)

func init() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(LifecycleOperationsTotal)
	prometheus.MustRegister(LifecycleDuration)
	prometheus.MustRegister(HangsDetected)
	prometheus.MustRegister(InstancesTracked)
	prometheus.MustRegister(InstancesByStatus)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(PoolInFlight)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Runner metrics

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scanner",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of job callback execution.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 7200, 21600},
	}, []string{"status"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scanner",
		Name:      "jobs_in_flight",
		Help:      "Number of jobs currently executing.",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finished, by outcome.",
	}, []string{"outcome"})

	JobsRescuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "jobs_rescued_total",
		Help:      "Running records force-failed by stuck detection or emergency rescue.",
	})

	// Cycled orchestrator metrics

	CyclesCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "cycles_completed_total",
		Help:      "Full workflow cycles completed.",
	})

	CycledPausesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "cycled_pauses_total",
		Help:      "Transitions into paused state, by cause.",
	}, []string{"cause"})

	WorkflowStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scanner",
		Name:      "workflow_step_duration_seconds",
		Help:      "Duration of individual workflow steps.",
		Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
	}, []string{"step", "status"})

	// Fetch client metrics

	FetchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "fetch_requests_total",
		Help:      "Vendor HTTP requests, by outcome.",
	}, []string{"outcome"})

	FetchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scanner",
		Name:      "fetch_queue_depth",
		Help:      "Requests waiting in the priority queue.",
	})

	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "cache_hits_total",
		Help:      "Cache hits, by tier.",
	}, []string{"tier"})

	// Maintenance metrics

	MaintenanceDeletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "maintenance_deletions_total",
		Help:      "Documents removed by maintenance, by target.",
	}, []string{"target"})

	MaintenanceCycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scanner",
		Name:      "maintenance_cycle_duration_seconds",
		Help:      "Time taken for one maintenance pass.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// Index manager metrics

	IndexesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "indexes_created_total",
		Help:      "Indexes created by the index manager.",
	})

	// HTTP metrics (ops API)

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scanner",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanner",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobExecutionDuration,
		JobsInFlight,
		JobsCompletedTotal,
		JobsRescuedTotal,
		CyclesCompletedTotal,
		CycledPausesTotal,
		WorkflowStepDuration,
		FetchRequestsTotal,
		FetchQueueDepth,
		CacheHitsTotal,
		MaintenanceDeletionsTotal,
		MaintenanceCycleDuration,
		IndexesCreatedTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

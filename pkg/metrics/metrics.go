package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingress metrics
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_events_ingested_total",
			Help: "Total number of webhook events accepted by source and kind",
		},
		[]string{"source", "kind"},
	)

	EventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_events_rejected_total",
			Help: "Total number of webhook deliveries rejected by reason",
		},
		[]string{"source", "reason"},
	)

	IngressQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_ingress_queue_depth",
			Help: "Current depth of the ingress event queue",
		},
	)

	// Pipeline metrics
	DedupHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_dedup_hits_total",
			Help: "Total dedup observe outcomes by result",
		},
		[]string{"result"},
	)

	RuleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_rule_evaluations_total",
			Help: "Total rule evaluations by outcome",
		},
		[]string{"outcome"},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_decisions_total",
			Help: "Total routing decisions by disposition",
		},
		[]string{"disposition"},
	)

	ClassifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookline_classify_duration_seconds",
			Help:    "Time taken to classify an event in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Batcher metrics
	BatchesFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_batches_flushed_total",
			Help: "Total batches flushed by trigger",
		},
		[]string{"trigger"},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookline_batch_size",
			Help:    "Number of decisions per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	BurstsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_bursts_detected_total",
			Help: "Total burst windows detected by the batcher",
		},
	)

	// Scheduler metrics
	DecisionsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_decisions_scheduled_total",
			Help: "Total decisions deferred to a work window",
		},
	)

	DigestsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_digests_emitted_total",
			Help: "Total morning digests emitted",
		},
	)

	// Dispatcher metrics
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookline_dispatch_duration_seconds",
			Help:    "Hook execution duration in seconds by status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	DispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_dispatch_retries_total",
			Help: "Total retry attempts across hook executions",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookline_circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	RecoveryWorkflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_recovery_workflows_total",
			Help: "Total recovery workflow runs by outcome",
		},
		[]string{"outcome"},
	)

	DeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_dead_lettered_total",
			Help: "Total deliveries routed to the dead-letter queue",
		},
	)

	// Execution log metrics
	ExecutionsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_executions_recorded_total",
			Help: "Total execution records written by status",
		},
		[]string{"status"},
	)

	AggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookline_aggregation_duration_seconds",
			Help:    "Time taken for an hourly aggregation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control-plane metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_config_reloads_total",
			Help: "Total team config reloads by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(EventsIngested)
	prometheus.MustRegister(EventsRejected)
	prometheus.MustRegister(IngressQueueDepth)
	prometheus.MustRegister(DedupHits)
	prometheus.MustRegister(RuleEvaluations)
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(ClassifyDuration)
	prometheus.MustRegister(BatchesFlushed)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(BurstsDetected)
	prometheus.MustRegister(DecisionsScheduled)
	prometheus.MustRegister(DigestsEmitted)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(DispatchRetries)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(RecoveryWorkflows)
	prometheus.MustRegister(DeadLettered)
	prometheus.MustRegister(ExecutionsRecorded)
	prometheus.MustRegister(AggregationDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(ConfigReloads)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Monitor metrics
	ActiveMonitors   prometheus.Gauge
	QueuedMonitors   prometheus.Gauge
	SamplesProcessed *prometheus.CounterVec
	PollsFailed      prometheus.Counter
	TargetCrossings  prometheus.Counter
	DwellResets      prometheus.Counter

	// Execution metrics
	ExecutionTests *prometheus.CounterVec

	// Outcome metrics
	OutcomesFinalized *prometheus.CounterVec

	// Client metrics
	ClientRequestLatency *prometheus.HistogramVec

	// Database metrics
	StoreWriteRetries *prometheus.CounterVec
	DBQueryDuration   *prometheus.HistogramVec
	DBQueryErrors     *prometheus.CounterVec

	// Health metrics
	LastSampleTimestamp prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "token_outcome_lab"
	}

	return &Metrics{
		// Monitor metrics
		ActiveMonitors: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Number of calls currently monitored live",
		}),
		QueuedMonitors: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "queued",
			Help:      "Number of calls waiting for a live monitoring slot",
		}),
		SamplesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "samples_processed_total",
			Help:      "Total number of price samples fed to the state machine by mode",
		}, []string{"mode"}),
		PollsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "polls_failed_total",
			Help:      "Total number of live price polls skipped after retries",
		}),
		TargetCrossings: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "target_crossings_total",
			Help:      "Total number of above-target periods started",
		}),
		DwellResets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "dwell_resets_total",
			Help:      "Total number of above-target periods cleared by a dip",
		}),

		// Execution metrics
		ExecutionTests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "tests_total",
			Help:      "Total number of execution round-trip simulations by result",
		}, []string{"result"}),

		// Outcome metrics
		OutcomesFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outcomes",
			Name:      "finalized_total",
			Help:      "Total number of terminal outcomes written by label",
		}, []string{"label"}),

		// Client metrics
		ClientRequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_latency_seconds",
			Help:      "External client request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"client"}),

		// Database metrics
		StoreWriteRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "write_retries_total",
			Help:      "Total number of persistence writes that needed a retry",
		}, []string{"operation"}),
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSampleTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_sample_timestamp",
			Help:      "Unix timestamp of the last processed price sample",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// UpdateMonitorCounts updates the active and queued monitor gauges.
func UpdateMonitorCounts(active, queued int) {
	DefaultMetrics.ActiveMonitors.Set(float64(active))
	DefaultMetrics.QueuedMonitors.Set(float64(queued))
}

// RecordSampleProcessed increments the samples processed counter.
func RecordSampleProcessed(mode string) {
	DefaultMetrics.SamplesProcessed.WithLabelValues(mode).Inc()
}

// RecordPollFailed increments the failed polls counter.
func RecordPollFailed() {
	DefaultMetrics.PollsFailed.Inc()
}

// RecordTargetCrossing increments the target crossings counter.
func RecordTargetCrossing() {
	DefaultMetrics.TargetCrossings.Inc()
}

// RecordDwellReset increments the dwell resets counter.
func RecordDwellReset() {
	DefaultMetrics.DwellResets.Inc()
}

// RecordExecutionTest records an execution simulation result.
func RecordExecutionTest(result string) {
	DefaultMetrics.ExecutionTests.WithLabelValues(result).Inc()
}

// RecordOutcomeFinalized records a finalized outcome by label.
func RecordOutcomeFinalized(label string) {
	DefaultMetrics.OutcomesFinalized.WithLabelValues(label).Inc()
}

// RecordClientLatency records external client request latency.
func RecordClientLatency(client string, seconds float64) {
	DefaultMetrics.ClientRequestLatency.WithLabelValues(client).Observe(seconds)
}

// RecordStoreRetry records a persistence write retry.
func RecordStoreRetry(operation string) {
	DefaultMetrics.StoreWriteRetries.WithLabelValues(operation).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// UpdateLastSample updates the last sample timestamp gauge.
func UpdateLastSample(unixSeconds int64) {
	DefaultMetrics.LastSampleTimestamp.Set(float64(unixSeconds))
}

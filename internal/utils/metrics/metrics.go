package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Queue metrics
	QueueJobsTotal    *prometheus.CounterVec
	QueueJobsInFlight *prometheus.GaugeVec
	QueueRetriesTotal *prometheus.CounterVec

	// Poll metrics
	PollAttempts      prometheus.Histogram
	PollOutcomesTotal *prometheus.CounterVec

	// Provider metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec

	// Ledger and task metrics
	LedgerOperationsTotal *prometheus.CounterVec
	TasksTotal            *prometheus.CounterVec
	ReconciledTotal       *prometheus.CounterVec
}

// New creates a new Metrics instance registered with the default registry.
func New(namespace string) *Metrics {
	return NewWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a new Metrics instance registered with reg.
func NewWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "taskorch"
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		QueueJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "jobs_total",
				Help:      "Total number of finished queue jobs",
			},
			[]string{"backend", "outcome"}, // outcome: succeeded, failed
		),
		QueueJobsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "jobs_in_flight",
				Help:      "Number of queue jobs currently executing",
			},
			[]string{"backend"},
		),
		QueueRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "retries_total",
				Help:      "Total number of job retries",
			},
			[]string{"backend"},
		),

		PollAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "attempts",
				Help:      "Status checks made before a poll loop ended",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
			},
		),
		PollOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "outcomes_total",
				Help:      "Poll loop outcomes",
			},
			[]string{"outcome"},
		),

		ProviderRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "requests_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation", "status"}, // status: ok, rejected, unavailable
		),
		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "request_duration_seconds",
				Help:      "Provider call duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),

		LedgerOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger debit and refund operations",
			},
			[]string{"operation", "outcome"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "task",
				Name:      "finished_total",
				Help:      "Tasks reaching a terminal state",
			},
			[]string{"kind", "state"},
		),
		ReconciledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "task",
				Name:      "reconciled_total",
				Help:      "Tasks settled by the reconciliation sweep",
			},
			[]string{"action"}, // committed, refunded, timed_out
		),
	}
}

// --- Convenience methods ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// JobStarted marks a job as executing.
func (m *Metrics) JobStarted(backend string) {
	if m == nil {
		return
	}
	m.QueueJobsInFlight.WithLabelValues(backend).Inc()
}

// JobFinished records the end of a job.
func (m *Metrics) JobFinished(backend string, err error) {
	if m == nil {
		return
	}
	m.QueueJobsInFlight.WithLabelValues(backend).Dec()
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	m.QueueJobsTotal.WithLabelValues(backend, outcome).Inc()
}

// RecordRetry records a job retry.
func (m *Metrics) RecordRetry(backend string) {
	if m == nil {
		return
	}
	m.QueueRetriesTotal.WithLabelValues(backend).Inc()
}

// RecordPoll records a finished poll loop.
func (m *Metrics) RecordPoll(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.PollOutcomesTotal.WithLabelValues(outcome).Inc()
	m.PollAttempts.Observe(float64(attempts))
}

// RecordProviderCall records a provider call.
func (m *Metrics) RecordProviderCall(provider, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, operation, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordLedgerOperation records a debit or refund outcome.
func (m *Metrics) RecordLedgerOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordTask records a task reaching a terminal state.
func (m *Metrics) RecordTask(kind, state string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(kind, state).Inc()
}

// RecordReconciled records a reconciliation action.
func (m *Metrics) RecordReconciled(action string) {
	if m == nil {
		return
	}
	m.ReconciledTotal.WithLabelValues(action).Inc()
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

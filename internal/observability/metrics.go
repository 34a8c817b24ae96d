package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the paper pipeline service.
// Metrics are organized by subsystem: lifecycle transitions, dispatcher
// tasks, retries, processing chains, the notification bus and the
// extraction client. All counters and histograms are registered via promauto
// with the default Prometheus registry.
//
// Record methods are safe to call on a nil *Metrics, which lets components
// run without metrics in tests.
type Metrics struct {
	// TransitionsTotal counts applied lifecycle transitions, labeled by from and to status.
	TransitionsTotal *prometheus.CounterVec

	// TransitionsRejected counts illegal transition attempts, labeled by from and to status.
	TransitionsRejected *prometheus.CounterVec

	// TasksSubmitted counts tasks handed to an executor, labeled by task name and queue.
	TasksSubmitted *prometheus.CounterVec

	// TasksCompleted counts tasks that finished successfully, labeled by task name and queue.
	TasksCompleted *prometheus.CounterVec

	// TasksFailed counts tasks that exhausted their retries, labeled by task name, queue and error category.
	TasksFailed *prometheus.CounterVec

	// TaskDuration observes task wall time in seconds including retry backoff, labeled by task name.
	TaskDuration *prometheus.HistogramVec

	// TaskAttempts observes how many attempts a task needed, labeled by task name.
	TaskAttempts *prometheus.HistogramVec

	// RetriesTotal counts scheduled retries, labeled by task name and error category.
	RetriesTotal *prometheus.CounterVec

	// ChainsStarted counts processing chains started.
	ChainsStarted prometheus.Counter

	// ChainsCompleted counts processing chains whose every stage succeeded.
	ChainsCompleted prometheus.Counter

	// ChainsFailed counts processing chains halted by a failed stage.
	ChainsFailed prometheus.Counter

	// ChainsCanceled counts processing chains canceled between stages.
	ChainsCanceled prometheus.Counter

	// BusConnections tracks currently connected notification bus subscribers.
	BusConnections prometheus.Gauge

	// BusEventsPublished counts events accepted for delivery, labeled by event type.
	BusEventsPublished *prometheus.CounterVec

	// BusEventsDropped counts events dropped because a subscriber queue was full.
	BusEventsDropped prometheus.Counter

	// ExtractionRequestsTotal counts calls to the extraction service, labeled by stage and outcome.
	ExtractionRequestsTotal *prometheus.CounterVec

	// ExtractionRequestDuration observes extraction call duration in seconds, labeled by stage.
	ExtractionRequestDuration *prometheus.HistogramVec

	// RequeueMessagesConsumed counts requeue requests read from Kafka, labeled by outcome.
	RequeueMessagesConsumed *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Lifecycle
		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of applied paper status transitions",
		}, []string{"from", "to"}),
		TransitionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_rejected_total",
			Help:      "Total number of rejected paper status transitions",
		}, []string{"from", "to"}),

		// Tasks
		TasksSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks submitted",
		}, []string{"task", "queue"}),
		TasksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks completed successfully",
		}, []string{"task", "queue"}),
		TasksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks that failed after retries",
		}, []string{"task", "queue", "category"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Task duration in seconds including retry backoff",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"task"}),
		TaskAttempts: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "task_attempts",
			Help:      "Number of attempts a task needed",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 9},
		}, []string{"task"}),
		RetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Total number of scheduled task retries",
		}, []string{"task", "category"}),

		// Chains
		ChainsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "started_total",
			Help:      "Total number of processing chains started",
		}),
		ChainsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "completed_total",
			Help:      "Total number of processing chains completed",
		}),
		ChainsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "failed_total",
			Help:      "Total number of processing chains that failed",
		}),
		ChainsCanceled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "canceled_total",
			Help:      "Total number of processing chains canceled",
		}),

		// Notification bus
		BusConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "connections",
			Help:      "Number of connected notification subscribers",
		}),
		BusEventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total number of events queued for delivery",
		}, []string{"event_type"}),
		BusEventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because a subscriber was slow",
		}),

		// Extraction client
		ExtractionRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "requests_total",
			Help:      "Total number of extraction service requests",
		}, []string{"stage", "outcome"}),
		ExtractionRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "request_duration_seconds",
			Help:      "Extraction service request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),

		// Requeue intake
		RequeueMessagesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requeue",
			Name:      "messages_total",
			Help:      "Total number of requeue messages consumed",
		}, []string{"outcome"}),
	}
}

// RecordTransition records an applied status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordTransitionRejected records an illegal transition attempt.
func (m *Metrics) RecordTransitionRejected(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsRejected.WithLabelValues(from, to).Inc()
}

// RecordTaskSubmitted records a task handed to an executor.
func (m *Metrics) RecordTaskSubmitted(task, queue string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(task, queue).Inc()
}

// RecordTaskCompleted records a successful task.
func (m *Metrics) RecordTaskCompleted(task, queue string, attempts int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(task, queue).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(durationSeconds)
	m.TaskAttempts.WithLabelValues(task).Observe(float64(attempts))
}

// RecordTaskFailed records a task that failed after exhausting its retries.
func (m *Metrics) RecordTaskFailed(task, queue, category string, attempts int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(task, queue, category).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(durationSeconds)
	m.TaskAttempts.WithLabelValues(task).Observe(float64(attempts))
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(task, category string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(task, category).Inc()
}

// RecordChainStarted records a processing chain start.
func (m *Metrics) RecordChainStarted() {
	if m == nil {
		return
	}
	m.ChainsStarted.Inc()
}

// RecordChainCompleted records a processing chain completion.
func (m *Metrics) RecordChainCompleted() {
	if m == nil {
		return
	}
	m.ChainsCompleted.Inc()
}

// RecordChainFailed records a failed processing chain.
func (m *Metrics) RecordChainFailed() {
	if m == nil {
		return
	}
	m.ChainsFailed.Inc()
}

// RecordChainCanceled records a canceled processing chain.
func (m *Metrics) RecordChainCanceled() {
	if m == nil {
		return
	}
	m.ChainsCanceled.Inc()
}

// RecordBusConnect records a new bus subscriber.
func (m *Metrics) RecordBusConnect() {
	if m == nil {
		return
	}
	m.BusConnections.Inc()
}

// RecordBusDisconnect records a subscriber leaving the bus.
func (m *Metrics) RecordBusDisconnect() {
	if m == nil {
		return
	}
	m.BusConnections.Dec()
}

// RecordEventPublished records an event queued for delivery.
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.BusEventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped for a slow subscriber.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.BusEventsDropped.Inc()
}

// RecordExtractionRequest records a call to the extraction service.
func (m *Metrics) RecordExtractionRequest(stage, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ExtractionRequestsTotal.WithLabelValues(stage, outcome).Inc()
	m.ExtractionRequestDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordRequeueMessage records a consumed requeue message.
func (m *Metrics) RecordRequeueMessage(outcome string) {
	if m == nil {
		return
	}
	m.RequeueMessagesConsumed.WithLabelValues(outcome).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the mindtriage service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	scoreBuckets     []float64
	registry         prometheus.Registerer

	// Triage outcomes
	entriesSubmitted   *prometheus.CounterVec
	entriesRejected    *prometheus.CounterVec
	qualityFailures    *prometheus.CounterVec
	riskScore          *prometheus.HistogramVec
	riskLevels         *prometheus.CounterVec
	crisisEvents       *prometheus.CounterVec
	driftTransitions   *prometheus.CounterVec
	baselineAdmissions prometheus.Counter
	processingLatency  prometheus.Histogram

	// Submission guards
	duplicateSubmissions prometheus.Counter
	cooldownRejections   prometheus.Counter

	// Notifications
	notificationsPublished *prometheus.CounterVec
	notificationFailures   *prometheus.CounterVec
	notificationsDropped   *prometheus.CounterVec

	// Queue
	queueSize              prometheus.Gauge
	queueCapacity          prometheus.Gauge
	queueUtilization       prometheus.Gauge
	queueEnqueueRate       prometheus.Counter
	queueDequeueRate       prometheus.Counter
	queueEnqueueErrors     prometheus.Counter
	queueProcessingLatency prometheus.Histogram

	// Workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerIdleCount         prometheus.Gauge
	workerMessagesPerSecond prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Repository
	repositoryRecords       *prometheus.GaugeVec
	repositoryUpdateLatency prometheus.Histogram
	repositoryQueryLatency  prometheus.Histogram

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec
	errorLatency         *prometheus.HistogramVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "mindtriage",
		subsystem:        "triage",
		histogramBuckets: prometheus.DefBuckets,
		scoreBuckets:     prometheus.LinearBuckets(10, 10, 10),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	m.entriesSubmitted = m.counterVec("entries_submitted_total", "Entries accepted for triage by entry type", "entry_type")
	m.entriesRejected = m.counterVec("entries_rejected_total", "Entries rejected as invalid by entry type", "entry_type")
	m.qualityFailures = m.counterVec("quality_failures_total", "Quality gate failures by reason", "reason")
	m.riskScore = m.histogramVec("risk_score", "Distribution of risk scores by entry type", m.scoreBuckets, "entry_type")
	m.riskLevels = m.counterVec("risk_levels_total", "Scored entries by risk level", "level")
	m.crisisEvents = m.counterVec("crisis_triggers_total", "Guardrail triggers by rule", "rule")
	m.driftTransitions = m.counterVec("drift_transitions_total", "Changes of the drift flag by direction", "direction")
	m.baselineAdmissions = m.counter("baseline_admissions_total", "Scores admitted into a baseline window")
	m.processingLatency = m.histogram("processing_latency_milliseconds", "Time spent triaging one entry in milliseconds", m.histogramBuckets)

	m.duplicateSubmissions = m.counter("duplicate_submissions_total", "Submissions rejected for a repeated submission id")
	m.cooldownRejections = m.counter("cooldown_rejections_total", "Rapid evaluations rejected by the cooldown")

	m.notificationsPublished = m.counterVec("notifications_published_total", "Notifications published by kind", "kind")
	m.notificationFailures = m.counterVec("notification_failures_total", "Notifications that failed to publish by kind", "kind")
	m.notificationsDropped = m.counterVec("notifications_dropped_total", "Notifications dropped because the queue was full", "kind")

	m.queueSize = m.gauge("queue_size", "Current size of the notification queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum capacity of the notification queue")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue utilization ratio (size / capacity)")
	m.queueEnqueueRate = m.counter("queue_enqueue_total", "Total number of messages enqueued")
	m.queueDequeueRate = m.counter("queue_dequeue_total", "Total number of messages dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Total number of enqueue errors")
	m.queueProcessingLatency = m.histogram("queue_processing_latency_milliseconds", "Queue operation latency in milliseconds", m.histogramBuckets)

	m.workerCount = m.gauge("worker_count", "Configured number of notification workers")
	m.workerActiveCount = m.gauge("worker_active_count", "Number of workers currently processing")
	m.workerIdleCount = m.gauge("worker_idle_count", "Number of idle workers")
	m.workerMessagesPerSecond = m.gauge("worker_messages_per_second", "Average messages processed per second")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Worker processing latency in milliseconds", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Total number of worker processing errors")

	m.repositoryRecords = promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "repository_records",
		Help:      "Number of stored records by kind",
	}, []string{"kind"})
	m.repositoryUpdateLatency = m.histogram("repository_update_latency_milliseconds", "Repository write latency in milliseconds", m.histogramBuckets)
	m.repositoryQueryLatency = m.histogram("repository_query_latency_milliseconds", "Repository read latency in milliseconds", m.histogramBuckets)

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", m.histogramBuckets, "endpoint", "method", "status_code")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Total errors by component", "component", "error_type")
	m.errorRateByType = m.counterVec("errors_by_type_total", "Total errors by type and severity", "error_type", "severity")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Total errors by endpoint", "endpoint", "method", "error_type")
	m.errorLatency = m.histogramVec("error_latency_milliseconds", "Latency of operations that resulted in errors", m.histogramBuckets, "component", "error_type")
}

// RecordEntrySubmitted counts an entry accepted for triage.
func RecordEntrySubmitted(entryType string) {
	globalManager.entriesSubmitted.WithLabelValues(entryType).Inc()
}

// RecordEntryRejected counts an entry rejected as invalid.
func RecordEntryRejected(entryType string) {
	globalManager.entriesRejected.WithLabelValues(entryType).Inc()
}

// RecordQualityFailure counts one reason of a failed quality verdict.
func RecordQualityFailure(reason string) {
	globalManager.qualityFailures.WithLabelValues(reason).Inc()
}

// RecordRiskScore observes a computed risk score and its level.
func RecordRiskScore(entryType, level string, value float64) {
	globalManager.riskScore.WithLabelValues(entryType).Observe(value)
	globalManager.riskLevels.WithLabelValues(level).Inc()
}

// RecordCrisisTrigger counts one guardrail trigger reason.
func RecordCrisisTrigger(rule string) {
	globalManager.crisisEvents.WithLabelValues(rule).Inc()
}

// RecordDriftTransition counts a drift flag change; direction is "on" or "off".
func RecordDriftTransition(direction string) {
	globalManager.driftTransitions.WithLabelValues(direction).Inc()
}

// RecordBaselineAdmission counts a score admitted into a baseline.
func RecordBaselineAdmission() {
	globalManager.baselineAdmissions.Inc()
}

// RecordProcessingLatency records the triage latency of one entry.
func RecordProcessingLatency(latencyMs float64) {
	globalManager.processingLatency.Observe(latencyMs)
}

// RecordDuplicateSubmission counts a repeated submission id.
func RecordDuplicateSubmission() {
	globalManager.duplicateSubmissions.Inc()
}

// RecordCooldownRejection counts a rapid evaluation refused by the cooldown.
func RecordCooldownRejection() {
	globalManager.cooldownRejections.Inc()
}

// RecordNotificationPublished counts a published notification.
func RecordNotificationPublished(kind string) {
	globalManager.notificationsPublished.WithLabelValues(kind).Inc()
}

// RecordNotificationFailure counts a notification that failed to publish.
func RecordNotificationFailure(kind string) {
	globalManager.notificationFailures.WithLabelValues(kind).Inc()
}

// RecordNotificationDropped counts a notification dropped on a full queue.
func RecordNotificationDropped(kind string) {
	globalManager.notificationsDropped.WithLabelValues(kind).Inc()
}

// Queue Metrics Functions.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueueRate.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeueRate.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// RecordQueueProcessingLatency records queue processing latency.
func RecordQueueProcessingLatency(latencyMs float64) {
	globalManager.queueProcessingLatency.Observe(latencyMs)
}

// Worker Metrics Functions.

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerActiveCount sets the number of active workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// UpdateWorkerIdleCount sets the number of idle workers.
func UpdateWorkerIdleCount(count int) {
	globalManager.workerIdleCount.Set(float64(count))
}

// UpdateWorkerMessagesPerSecond sets the average messages processed per second.
func UpdateWorkerMessagesPerSecond(rate float64) {
	globalManager.workerMessagesPerSecond.Set(rate)
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// Repository Metrics Functions.

// UpdateRepositoryRecords sets the stored record count of one kind.
func UpdateRepositoryRecords(kind string, count int) {
	globalManager.repositoryRecords.WithLabelValues(kind).Set(float64(count))
}

// RecordRepositoryUpdateLatency records repository write latency.
func RecordRepositoryUpdateLatency(latencyMs float64) {
	globalManager.repositoryUpdateLatency.Observe(latencyMs)
}

// RecordRepositoryQueryLatency records repository read latency.
func RecordRepositoryQueryLatency(latencyMs float64) {
	globalManager.repositoryQueryLatency.Observe(latencyMs)
}

// HTTP Metrics Functions.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Error Metrics Functions.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorLatency records the latency of an operation that resulted in an error.
func RecordErrorLatency(component, errorType string, latencyMs float64) {
	globalManager.errorLatency.WithLabelValues(component, errorType).Observe(latencyMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

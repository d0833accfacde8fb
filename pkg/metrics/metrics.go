package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every recorder is safe to call on a
// nil *Metrics or on a disabled instance.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics for the ops server
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Cache metrics
	CacheOperations   *prometheus.CounterVec
	CacheFallbacks    *prometheus.CounterVec
	CacheRemoteErrors *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec

	// Reconciliation metrics
	ReconcilePasses   *prometheus.CounterVec
	ReconcileUpserted prometheus.Counter
	ReconcileRemoved  prometheus.Counter
	ReconcileDuration prometheus.Histogram
	SearchRequests    *prometheus.CounterVec

	// Embedding metrics
	EmbeddingRequests *prometheus.CounterVec
	EmbeddingDuration prometheus.Histogram

	// Queue metrics
	QueueSize    *prometheus.GaugeVec
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "knowledge_sync",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all collectors and registers them on registry.
// A nil registry gets a fresh one carrying the Go and process collectors.
func NewMetrics(config *Config, registry *prometheus.Registry) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),

		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operations_total",
				Help:      "Cache operations by data type and result",
			},
			[]string{"operation", "data_type", "result"},
		),
		CacheFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_local_fallbacks_total",
				Help:      "Cache operations served by the local fallback",
			},
			[]string{"operation"},
		),
		CacheRemoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_remote_errors_total",
				Help:      "Remote cache failures absorbed by the cache layer",
			},
			[]string{"operation"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),

		ReconcilePasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "reconcile_passes_total",
				Help:      "Reconciliation passes by outcome",
			},
			[]string{"status"},
		),
		ReconcileUpserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "reconcile_upserted_total",
				Help:      "Vector entries upserted by reconciliation",
			},
		),
		ReconcileRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "reconcile_removed_total",
				Help:      "Vector entries removed by reconciliation",
			},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "reconcile_duration_seconds",
				Help:      "Reconciliation pass duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		SearchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "search_requests_total",
				Help:      "Semantic searches by cache result",
			},
			[]string{"cache"},
		),

		EmbeddingRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "embedding_requests_total",
				Help:      "Embedding provider calls by status",
			},
			[]string{"status"},
		),
		EmbeddingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "embedding_duration_seconds",
				Help:      "Embedding provider call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_size",
				Help:      "Number of tasks per queue segment",
			},
			[]string{"queue", "segment"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tasks_total",
				Help:      "Task outcomes by type",
			},
			[]string{"task_type", "outcome"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "task_duration_seconds",
				Help:      "Task handler duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"task_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheOperations,
		m.CacheFallbacks,
		m.CacheRemoteErrors,
		m.BreakerState,
		m.ReconcilePasses,
		m.ReconcileUpserted,
		m.ReconcileRemoved,
		m.ReconcileDuration,
		m.SearchRequests,
		m.EmbeddingRequests,
		m.EmbeddingDuration,
		m.QueueSize,
		m.TasksTotal,
		m.TaskDuration,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordCacheOperation records a cache operation outcome (hit, miss, ok, error)
func (m *Metrics) RecordCacheOperation(operation, dataType, result string) {
	if m == nil || m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(operation, dataType, result).Inc()
}

// RecordCacheFallback records an operation served from the local fallback
func (m *Metrics) RecordCacheFallback(operation string) {
	if m == nil || m.CacheFallbacks == nil {
		return
	}

	m.CacheFallbacks.WithLabelValues(operation).Inc()
}

// RecordCacheRemoteError records a swallowed remote cache failure
func (m *Metrics) RecordCacheRemoteError(operation string) {
	if m == nil || m.CacheRemoteErrors == nil {
		return
	}

	m.CacheRemoteErrors.WithLabelValues(operation).Inc()
}

// SetBreakerState publishes the numeric breaker state
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil || m.BreakerState == nil {
		return
	}

	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordReconcile records a reconciliation pass
func (m *Metrics) RecordReconcile(status string, upserted, removed int, duration time.Duration) {
	if m == nil || m.ReconcilePasses == nil {
		return
	}

	m.ReconcilePasses.WithLabelValues(status).Inc()
	m.ReconcileUpserted.Add(float64(upserted))
	m.ReconcileRemoved.Add(float64(removed))
	m.ReconcileDuration.Observe(duration.Seconds())
}

// RecordSearch records whether a search was served from cache
func (m *Metrics) RecordSearch(cacheResult string) {
	if m == nil || m.SearchRequests == nil {
		return
	}

	m.SearchRequests.WithLabelValues(cacheResult).Inc()
}

// RecordEmbedding records an embedding provider call
func (m *Metrics) RecordEmbedding(status string, duration time.Duration) {
	if m == nil || m.EmbeddingRequests == nil {
		return
	}

	m.EmbeddingRequests.WithLabelValues(status).Inc()
	m.EmbeddingDuration.Observe(duration.Seconds())
}

// UpdateQueueSize updates queue size metrics
func (m *Metrics) UpdateQueueSize(queue, segment string, size int64) {
	if m == nil || m.QueueSize == nil {
		return
	}

	m.QueueSize.WithLabelValues(queue, segment).Set(float64(size))
}

// RecordTask records a task outcome (completed, retried, failed)
func (m *Metrics) RecordTask(taskType, outcome string, duration time.Duration) {
	if m == nil || m.TasksTotal == nil {
		return
	}

	m.TasksTotal.WithLabelValues(taskType, outcome).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

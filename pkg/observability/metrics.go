package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Quota metrics
	ConsumeDecisionsTotal *prometheus.CounterVec
	ConsumeDuration       *prometheus.HistogramVec
	VersionConflictsTotal prometheus.Counter
	LedgerEntriesTotal    *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Outbox metrics
	OutboxDeliveriesTotal *prometheus.CounterVec
	OutboxBacklog         prometheus.Gauge

	// Saga metrics
	SagaTransitionsTotal *prometheus.CounterVec
	SagasRecoveredTotal  prometheus.Counter

	// Payment metrics
	PaymentRequestsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Admission bucket metrics
	BucketsTracked prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokend_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokend_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokend_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokend_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Quota metrics
		ConsumeDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokend_consume_decisions_total",
				Help: "Total number of consume decisions by outcome",
			},
			[]string{"outcome"},
		),
		ConsumeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokend_consume_duration_seconds",
				Help:    "Consume decision duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"outcome"},
		),
		VersionConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokend_version_conflicts_total",
				Help: "Total number of optimistic concurrency conflicts on balance updates",
			},
		),
		LedgerEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokend_ledger_entries_total",
				Help: "Total number of ledger entries written by kind",
			},
			[]string{"kind"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokend_cache_hits_total",
				Help: "Total number of balance cache hits",
			},
			[]string{"layer"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokend_cache_misses_total",
				Help: "Total number of balance cache misses",
			},
			[]string{"layer"},
		),

		// Outbox metrics
		OutboxDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokend_outbox_deliveries_total",
				Help: "Total number of outbox delivery attempts by outcome",
			},
			[]string{"topic", "outcome"},
		),
		OutboxBacklog: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokend_outbox_backlog",
				Help: "Number of pending outbox records at last sweep",
			},
		),

		// Saga metrics
		SagaTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokend_saga_transitions_total",
				Help: "Total number of purchase saga state transitions",
			},
			[]string{"state"},
		),
		SagasRecoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokend_sagas_recovered_total",
				Help: "Total number of stalled sagas picked up by the recovery sweep",
			},
		),

		// Payment metrics
		PaymentRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokend_payment_requests_total",
				Help: "Total number of payment provider calls by operation and status",
			},
			[]string{"operation", "status"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokend_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokend_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokend_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokend_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Admission bucket metrics
		BucketsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokend_admission_buckets_tracked",
				Help: "Number of admission buckets currently tracked in memory",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.ConsumeDecisionsTotal,
		m.ConsumeDuration,
		m.VersionConflictsTotal,
		m.LedgerEntriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.OutboxDeliveriesTotal,
		m.OutboxBacklog,
		m.SagaTransitionsTotal,
		m.SagasRecoveredTotal,
		m.PaymentRequestsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.BucketsTracked,
	)

	return m
}

// RecordConsume records the outcome and duration of one consume decision.
func (m *Metrics) RecordConsume(outcome string, duration time.Duration) {
	m.ConsumeDecisionsTotal.WithLabelValues(outcome).Inc()
	m.ConsumeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordLedgerEntry records a committed ledger entry.
func (m *Metrics) RecordLedgerEntry(kind string) {
	m.LedgerEntriesTotal.WithLabelValues(kind).Inc()
}

// RecordCacheHit records a balance cache hit for the given layer.
func (m *Metrics) RecordCacheHit(layer string) {
	m.CacheHitsTotal.WithLabelValues(layer).Inc()
}

// RecordCacheMiss records a balance cache miss for the given layer.
func (m *Metrics) RecordCacheMiss(layer string) {
	m.CacheMissesTotal.WithLabelValues(layer).Inc()
}

// RecordOutboxDelivery records one outbox delivery attempt.
func (m *Metrics) RecordOutboxDelivery(topic, outcome string) {
	m.OutboxDeliveriesTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordSagaTransition records a saga entering the given state.
func (m *Metrics) RecordSagaTransition(state string) {
	m.SagaTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordPayment records one payment provider call.
func (m *Metrics) RecordPayment(operation, status string) {
	m.PaymentRequestsTotal.WithLabelValues(operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// Package metrics exposes the gateway's Prometheus metrics: tick pipeline
// throughput, breaker/pool state, hub fan-out, order execution, and API
// request timing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tick pipeline (C7).
	ticksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ticks_processed_total",
			Help: "Total inbound ticks processed, by account and outcome",
		},
		[]string{"account_id", "outcome"},
	)

	ticksEnrichLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_tick_enrich_latency_microseconds",
			Help:    "Latency of single-tick Greeks enrichment",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	// Pub/sub (C2).
	publishDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_publish_dropped_total",
			Help: "Messages dropped by the publish bus, by topic",
		},
		[]string{"topic"},
	)

	publishRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_publish_retry_total",
			Help: "Publish retry attempts, by topic",
		},
		[]string{"topic"},
	)

	// Circuit breakers (C1), shared labels across the pub/sub (C2) and
	// per-account broker session instances.
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open",
		},
		[]string{"breaker"},
	)

	// Task supervisor (C3).
	supervisorUnitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_supervisor_unit_failures_total",
			Help: "Supervised background units that panicked or returned a non-cancellation error, by unit name",
		},
		[]string{"unit"},
	)

	// Connection pool (C5).
	poolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_pool_connections",
			Help: "Active upstream broker connections per account",
		},
		[]string{"account_id"},
	)

	poolSubscribedTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_pool_subscribed_tokens",
			Help: "Tokens currently subscribed per account",
		},
		[]string{"account_id"},
	)

	// Bar aggregator (C8).
	barsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bars_emitted_total",
			Help: "Underlying bars emitted, by symbol",
		},
		[]string{"symbol"},
	)

	// Reconciler (C9).
	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_reconcile_duration_milliseconds",
			Help:    "Duration of a full subscription reconcile pass",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	reconcileDelta = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconcile_delta_total",
			Help: "Subscribe/unsubscribe operations applied by the reconciler",
		},
		[]string{"direction"},
	)

	// Client fan-out hub (C10).
	hubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_hub_clients",
			Help: "Currently connected WebSocket clients",
		},
	)

	hubDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_hub_client_drops_total",
			Help: "Messages dropped for a slow client outbound buffer",
		},
		[]string{"reason"},
	)

	hubDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_hub_disconnects_total",
			Help: "Client disconnects, by cause",
		},
		[]string{"reason"},
	)

	// Order execution engine (C11).
	ordersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_orders_total",
			Help: "Order tasks by terminal status",
		},
		[]string{"operation", "status"},
	)

	orderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_order_latency_milliseconds",
			Help:    "Order task latency from submit to terminal state",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"operation"},
	)

	orderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_order_queue_depth",
			Help: "Pending + retrying order tasks awaiting a worker",
		},
	)

	// Mock data generator (C12).
	mockGeneratorSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_mock_generator_size",
			Help: "Number of instrument entries held by the mock tick generator",
		},
	)

	// Persistent store.
	storeQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_store_query_duration_milliseconds",
			Help:    "Postgres query duration, by operation",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"operation"},
	)

	// API surface.
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_api_requests_total",
			Help: "HTTP API requests, by endpoint/method/status",
		},
		[]string{"endpoint", "method", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_request_duration_milliseconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"endpoint", "method"},
	)
)

// RecordTick records a single tick's outcome ("processed", "invalid",
// "unknown_token", "unknown_segment", "panic") for an account.
func RecordTick(accountID, outcome string) {
	ticksProcessed.WithLabelValues(accountID, outcome).Inc()
}

// ObserveEnrichLatency records the wall time spent enriching one tick.
func ObserveEnrichLatency(d time.Duration) {
	ticksEnrichLatency.Observe(float64(d.Microseconds()))
}

// RecordPublishDrop implements pubsub.DropRecorder.
func RecordPublishDrop(topic string) { publishDropped.WithLabelValues(topic).Inc() }

// RecordPublishRetry implements pubsub.DropRecorder.
func RecordPublishRetry(topic string) { publishRetried.WithLabelValues(topic).Inc() }

// PublishRecorder adapts the package-level publish metrics to
// pubsub.DropRecorder, so callers can pass metrics.Publish without
// depending on pubsub from this package.
type PublishRecorder struct{}

func (PublishRecorder) RecordPublishDrop(topic string)  { RecordPublishDrop(topic) }
func (PublishRecorder) RecordPublishRetry(topic string) { RecordPublishRetry(topic) }

// Publish is the shared PublishRecorder instance.
var Publish PublishRecorder

// RecordSupervisedUnitFailure records a supervised background unit (C3)
// escaping with a panic or a non-cancellation error. Per spec.md, an
// escaping unit is always a critical log plus this metric, never a silent
// death.
func RecordSupervisedUnitFailure(name string) {
	supervisorUnitFailures.WithLabelValues(name).Inc()
}

// SetBreakerState reports a breaker's numeric state (0/1/2) under name.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetPoolConnections reports the active connection count for an account.
func SetPoolConnections(accountID string, n int) {
	poolConnections.WithLabelValues(accountID).Set(float64(n))
}

// SetPoolSubscribedTokens reports the subscribed-token count for an account.
func SetPoolSubscribedTokens(accountID string, n int) {
	poolSubscribedTokens.WithLabelValues(accountID).Set(float64(n))
}

// RecordBarEmitted records a completed bar for symbol.
func RecordBarEmitted(symbol string) { barsEmitted.WithLabelValues(symbol).Inc() }

// ObserveReconcileDuration records one full reconcile pass's wall time.
func ObserveReconcileDuration(d time.Duration) {
	reconcileDuration.Observe(float64(d.Milliseconds()))
}

// RecordReconcileDelta records subscribe/unsubscribe operations applied,
// direction is "subscribe" or "unsubscribe".
func RecordReconcileDelta(direction string, n int) {
	reconcileDelta.WithLabelValues(direction).Add(float64(n))
}

// SetHubClients reports the current connected-client count.
func SetHubClients(n int) { hubClients.Set(float64(n)) }

// RecordHubDrop records a message dropped for a slow client.
func RecordHubDrop(reason string) { hubDropped.WithLabelValues(reason).Inc() }

// RecordHubDisconnect records a client disconnect and its cause.
func RecordHubDisconnect(reason string) { hubDisconnects.WithLabelValues(reason).Inc() }

// RecordOrder records a terminal order task outcome.
func RecordOrder(operation, status string) { ordersTotal.WithLabelValues(operation, status).Inc() }

// ObserveOrderLatency records submit-to-terminal latency for an operation.
func ObserveOrderLatency(operation string, d time.Duration) {
	orderLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

// SetOrderQueueDepth reports the current pending+retrying task count.
func SetOrderQueueDepth(n int) { orderQueueDepth.Set(float64(n)) }

// SetMockGeneratorSize reports the mock generator's live instrument count.
func SetMockGeneratorSize(n int) { mockGeneratorSize.Set(float64(n)) }

// ObserveStoreQuery records a persistent-store query's duration.
func ObserveStoreQuery(operation string, d time.Duration) {
	storeQueryDuration.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

// RecordAPIRequest records one HTTP API request's outcome and timing.
func RecordAPIRequest(endpoint, method, status string, d time.Duration) {
	apiRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	apiRequestDuration.WithLabelValues(endpoint, method).Observe(float64(d.Milliseconds()))
}

// Handler returns the HTTP handler serving /metrics in the Prometheus
// exposition format.
func Handler() http.Handler { return promhttp.Handler() }

// APIRequestMiddleware wraps a handler to record RecordAPIRequest for every
// call, capturing the response status code.
func APIRequestMiddleware(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(wrapped, r)
		RecordAPIRequest(endpoint, r.Method, http.StatusText(wrapped.statusCode), time.Since(start))
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

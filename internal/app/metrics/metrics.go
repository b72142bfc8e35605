// Package metrics exposes the Prometheus collectors for delivery outcomes,
// retry counts, scheduler lag, and sandbox timeouts called out in the
// domain stack, plus an HTTP instrumentation middleware for the operator
// control-surface API.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/r3e-network/integration-gateway/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the operator API.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of operator API HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Total number of outbound delivery attempts, by tenant and outcome.",
		},
		[]string{"tenant_id", "status"},
	)

	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "delivery",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of outbound delivery HTTP calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"tenant_id"},
	)

	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of retry-worker redelivery attempts, by outcome.",
		},
		[]string{"tenant_id", "outcome"},
	)

	dlqDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "retry",
			Name:      "dlq_depth",
			Help:      "Number of entries currently parked in the dead-letter queue, by tenant.",
		},
		[]string{"tenant_id"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "delivery",
			Name:      "circuit_open",
			Help:      "1 when a rule's circuit breaker is open, 0 otherwise.",
		},
		[]string{"rule_id"},
	)

	schedulerLag = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "scheduler",
			Name:      "fire_lag_seconds",
			Help:      "Seconds between a scheduled delivery's dueAt and the tick that actually fired it.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"tenant_id"},
	)

	schedulerOverdue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "scheduler",
			Name:      "overdue_total",
			Help:      "Number of scheduled deliveries currently in OVERDUE status, by tenant.",
		},
		[]string{"tenant_id"},
	)

	sandboxInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "sandbox",
			Name:      "invocations_total",
			Help:      "Total number of script sandbox invocations, by outcome.",
		},
		[]string{"outcome"},
	)

	sandboxTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "sandbox",
			Name:      "timeouts_total",
			Help:      "Total number of script sandbox invocations aborted for exceeding their CPU deadline.",
		},
		[]string{"rule_id"},
	)

	dedupDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "dedup",
			Name:      "duplicates_total",
			Help:      "Total number of ingested events dropped as duplicates.",
		},
		[]string{"tenant_id"},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		deliveryAttempts,
		deliveryDuration,
		retryAttempts,
		dlqDepth,
		circuitState,
		schedulerLag,
		schedulerOverdue,
		sandboxInvocations,
		sandboxTimeouts,
		dedupDrops,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the operator API's router with HTTP metrics
// collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordDeliveryAttempt records an outbound delivery attempt's outcome and
// wall-clock duration. status is a gatewayerr.Category string, or "success".
func RecordDeliveryAttempt(tenantID, status string, duration time.Duration) {
	if tenantID == "" {
		tenantID = "unknown"
	}
	deliveryAttempts.WithLabelValues(tenantID, status).Inc()
	deliveryDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordRetryAttempt records a retry-worker redelivery attempt.
func RecordRetryAttempt(tenantID, outcome string) {
	if tenantID == "" {
		tenantID = "unknown"
	}
	retryAttempts.WithLabelValues(tenantID, outcome).Inc()
}

// SetDLQDepth reports the current dead-letter queue size for a tenant, as
// observed by the operator API's DLQ listing.
func SetDLQDepth(tenantID string, depth int) {
	if tenantID == "" {
		tenantID = "unknown"
	}
	dlqDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// SetCircuitState reports a rule's circuit breaker state.
func SetCircuitState(ruleID string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	circuitState.WithLabelValues(ruleID).Set(v)
}

// RecordSchedulerFire records how far behind dueAt a scheduled delivery's
// actual tick was; a negative lag is recorded as zero.
func RecordSchedulerFire(tenantID string, dueAt, firedAt time.Time) {
	if tenantID == "" {
		tenantID = "unknown"
	}
	lag := firedAt.Sub(dueAt)
	if lag < 0 {
		lag = 0
	}
	schedulerLag.WithLabelValues(tenantID).Observe(lag.Seconds())
}

// SetSchedulerOverdue reports the number of OVERDUE scheduled deliveries
// currently outstanding for a tenant.
func SetSchedulerOverdue(tenantID string, count int) {
	if tenantID == "" {
		tenantID = "unknown"
	}
	schedulerOverdue.WithLabelValues(tenantID).Set(float64(count))
}

// RecordSandboxInvocation records a script sandbox run's outcome ("success",
// "error", or "timeout").
func RecordSandboxInvocation(outcome string) {
	sandboxInvocations.WithLabelValues(outcome).Inc()
}

// RecordSandboxTimeout records a script sandbox invocation aborted for
// exceeding its CPU deadline, attributed to the rule whose script ran.
func RecordSandboxTimeout(ruleID string) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	sandboxTimeouts.WithLabelValues(ruleID).Inc()
	sandboxInvocations.WithLabelValues("timeout").Inc()
}

// RecordDedupDrop records an ingested event dropped as a duplicate.
func RecordDedupDrop(tenantID string) {
	if tenantID == "" {
		tenantID = "unknown"
	}
	dedupDrops.WithLabelValues(tenantID).Inc()
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core.ObservationHooks backed by a Prometheus
// gauge (in-flight count) and histogram (duration, by outcome), keyed by
// namespace/subsystem/name so repeated calls for the same concern share one
// pair of collectors instead of re-registering.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["tenant_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["rule_id"]; ok && id != "" {
		return id
	}
	return "unknown"
}

// IngestionHooks captures per-adapter ingestion poll/push attempts.
func IngestionHooks(sourceName string) core.ObservationHooks {
	return ObservationHooks("gateway", "ingestion", sourceName)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters (rule/log/dlq/scheduled-delivery
// IDs) into a fixed placeholder so the requests_total cardinality stays
// bounded regardless of how many distinct resources exist.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if i >= 2 && !isKnownSegment(p) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func isKnownSegment(p string) bool {
	switch p {
	case "pause", "retry", "retry-bulk", "abandon", "promote", "cancel", "cleanup-overdue":
		return true
	default:
		return false
	}
}

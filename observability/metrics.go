package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendledger",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendledger",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendledger",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendledger",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// ledgerMetrics captures committed ledger operations, journalled events and
// the tick clock position.
type ledgerMetrics struct {
	operations *prometheus.CounterVec
	events     *prometheus.CounterVec
	tick       prometheus.Gauge
}

// Ledger returns the metrics registry tracking ledger state transitions.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendledger",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendledger",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Count of journalled ledger events segmented by type.",
			}, []string{"type"}),
			tick: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendledger",
				Subsystem: "ledger",
				Name:      "tick",
				Help:      "Current position of the interest accrual tick clock.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.events,
			ledgerRegistry.tick,
		)
	})
	return ledgerRegistry
}

// RecordOperation increments the operation counter with a success or error
// outcome.
func (m *ledgerMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordEvent increments the event counter for the supplied journalled type.
func (m *ledgerMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalised := strings.TrimSpace(eventType)
	if normalised == "" {
		normalised = "unknown"
	}
	m.events.WithLabelValues(normalised).Inc()
}

// SetTick publishes the tick clock position.
func (m *ledgerMetrics) SetTick(tick uint64) {
	if m == nil {
		return
	}
	m.tick.Set(float64(tick))
}

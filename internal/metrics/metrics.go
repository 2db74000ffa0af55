// Package metrics exposes the Prometheus collectors of the stock core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stockcore"

type Metrics struct {
	movements          *prometheus.CounterVec
	reservations       *prometheus.CounterVec
	orderTransitions   *prometheus.CounterVec
	refunds            *prometheus.CounterVec
	contentionRetries  prometheus.Counter
	contentionFailures prometheus.Counter
	lowStockProducts   prometheus.Gauge
	toolDuration       *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		movements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_movements_total",
			Help:      "Ledger movements appended, by movement type.",
		}, []string{"type"}),
		reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation lifecycle outcomes.",
		}, []string{"outcome"}),
		orderTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions, by target status.",
		}, []string{"status"}),
		refunds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund status changes, by resulting status.",
		}, []string{"status"}),
		contentionRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contention_retries_total",
			Help:      "Atomic units retried after a lock or version conflict.",
		}),
		contentionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contention_failures_total",
			Help:      "Atomic units that exhausted their retry budget.",
		}),
		lowStockProducts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "low_stock_products",
			Help:      "Active products at or below their low stock threshold.",
		}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of tool calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "outcome"}),
	}
}

func (m *Metrics) Movement(movementType string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(movementType).Inc()
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OrderTransition(status string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Refund(status string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(status).Inc()
}

func (m *Metrics) ContentionRetry() {
	if m == nil {
		return
	}
	m.contentionRetries.Inc()
}

func (m *Metrics) ContentionFailure() {
	if m == nil {
		return
	}
	m.contentionFailures.Inc()
}

func (m *Metrics) SetLowStock(n int) {
	if m == nil {
		return
	}
	m.lowStockProducts.Set(float64(n))
}

// ToolCall records how long one tool call took. outcome is "ok" or an error class.
func (m *Metrics) ToolCall(tool, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool, outcome).Observe(took.Seconds())
}

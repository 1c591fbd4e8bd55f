package order

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the order and escrow lifecycle.
// Constructed once at wiring time; services run with a nil receiver in tests.
type Metrics struct {
	OrdersCreated *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	EscrowSettled *prometheus.CounterVec
	PaymentVerify *prometheus.HistogramVec
}

// NewMetrics creates and registers all order metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		OrdersCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_created_total",
				Help: "Orders created, by type and payment method",
			},
			[]string{"type", "method"},
		),
		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_transitions_total",
				Help: "Order status transitions applied",
			},
			[]string{"from", "to"},
		),
		EscrowSettled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settled_total",
				Help: "Escrows settled, by terminal status",
			},
			[]string{"status"},
		),
		PaymentVerify: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_payment_verify_seconds",
				Help:    "Duration of payment gateway verification calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "result"},
		),
	}
}

func (m *Metrics) RecordCreated(orderType, method string) {
	if m == nil {
		return
	}
	m.OrdersCreated.WithLabelValues(orderType, method).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordEscrowSettled(status string) {
	if m == nil {
		return
	}
	m.EscrowSettled.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPaymentVerify(method, result string, seconds float64) {
	if m == nil {
		return
	}
	m.PaymentVerify.WithLabelValues(method, result).Observe(seconds)
}

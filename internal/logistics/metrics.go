package logistics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the quote auction and shipment
// tracking.
type Metrics struct {
	QuotesSubmitted     *prometheus.CounterVec
	QuotesSettled       *prometheus.CounterVec
	ShipmentTransitions *prometheus.CounterVec
}

// NewMetrics creates and registers all logistics metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		QuotesSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logistics_quotes_submitted_total",
				Help: "Shipping quotes submitted, by method",
			},
			[]string{"method"},
		),
		QuotesSettled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logistics_quotes_settled_total",
				Help: "Quotes leaving pending, by outcome",
			},
			[]string{"outcome"}, // accepted, rejected, expired
		),
		ShipmentTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logistics_shipment_transitions_total",
				Help: "Shipment status transitions applied",
			},
			[]string{"from", "to"},
		),
	}
}

func (m *Metrics) RecordQuoteSubmitted(method string) {
	if m == nil {
		return
	}
	m.QuotesSubmitted.WithLabelValues(method).Inc()
}

func (m *Metrics) RecordQuoteSettled(outcome string) {
	if m == nil {
		return
	}
	m.QuotesSettled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordShipmentTransition(from, to string) {
	if m == nil {
		return
	}
	m.ShipmentTransitions.WithLabelValues(from, to).Inc()
}

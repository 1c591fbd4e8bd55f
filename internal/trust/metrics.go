package trust

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for disputes and ratings.
type Metrics struct {
	DisputesOpened   *prometheus.CounterVec
	DisputesResolved *prometheus.CounterVec
	RatingsSubmitted *prometheus.CounterVec
	RatingsRevealed  prometheus.Counter
}

// NewMetrics creates and registers all trust metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DisputesOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_disputes_opened_total",
				Help: "Disputes opened, by type",
			},
			[]string{"type"},
		),
		DisputesResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_disputes_resolved_total",
				Help: "Disputes resolved, by resolution and path",
			},
			[]string{"resolution", "path"}, // path: auto, arbitration, timeout
		),
		RatingsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_ratings_submitted_total",
				Help: "Rating submissions, by side",
			},
			[]string{"side"},
		),
		RatingsRevealed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "trust_ratings_revealed_total",
				Help: "Rating rows revealed",
			},
		),
	}
}

func (m *Metrics) RecordDisputeOpened(disputeType string) {
	if m == nil {
		return
	}
	m.DisputesOpened.WithLabelValues(disputeType).Inc()
}

func (m *Metrics) RecordDisputeResolved(resolution, path string) {
	if m == nil {
		return
	}
	m.DisputesResolved.WithLabelValues(resolution, path).Inc()
}

func (m *Metrics) RecordRatingSubmitted(side string) {
	if m == nil {
		return
	}
	m.RatingsSubmitted.WithLabelValues(side).Inc()
}

func (m *Metrics) RecordRatingRevealed() {
	if m == nil {
		return
	}
	m.RatingsRevealed.Inc()
}

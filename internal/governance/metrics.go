package governance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the governance engine.
type Metrics struct {
	ProposalsCreated *prometheus.CounterVec
	VotesCast        *prometheus.CounterVec
	Executions       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		ProposalsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_governance_proposals_created_total",
			Help: "Proposals created, by action.",
		}, []string{"action"}),
		VotesCast: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_governance_votes_total",
			Help: "Signer votes cast, by outcome.",
		}, []string{"approved"}),
		Executions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_governance_executions_total",
			Help: "Proposal executions, by action and result.",
		}, []string{"action", "status"}),
	}
}

func (m *Metrics) RecordProposalCreated(action string) {
	if m == nil {
		return
	}
	m.ProposalsCreated.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordVote(approved bool) {
	if m == nil {
		return
	}
	label := "false"
	if approved {
		label = "true"
	}
	m.VotesCast.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordExecution(action, status string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(action, status).Inc()
}

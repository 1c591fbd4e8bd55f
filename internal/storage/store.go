package storage

import (
	"context"
	"time"

	"github.com/ocx/marketd/internal/domain"
)

// Store is the transactional backend the spine runs on. Services never hold
// rows across calls; every composite mutation runs inside a single Update
// and resolves entities by id through the Tx.
//
// Two implementations exist: Postgres (production) and an in-memory store
// (tests, --dev mode). Services depend only on this interface.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn in a read-write transaction; any error rolls back.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// ProviderFilter narrows a logistics provider search.
type ProviderFilter struct {
	Region            string
	Method            domain.ShippingMethod
	InsuranceRequired bool
	MinRating         float64
}

// Tx exposes the row operations of one transaction. GetXForUpdate variants
// take a row lock (SELECT … FOR UPDATE) so concurrent mutations on the same
// entity serialize; the in-memory store serializes globally instead.
type Tx interface {
	// --- identities ---
	PutIdentity(id *domain.Identity) error
	GetIdentity(did string) (*domain.Identity, error)
	AppendIdentityAudit(entry *domain.IdentityAuditEntry) error
	ListIdentityAudit(did string) ([]domain.IdentityAuditEntry, error)

	// --- reputation ---
	PutReputation(rep *domain.Reputation) error
	GetReputation(did string) (*domain.Reputation, error)
	AppendReputationEvent(ev *domain.ReputationEvent) error
	// ListReputationEvents returns events ordered by (timestamp asc,
	// event_id asc). eventType "" means all; limit 0 means no limit.
	ListReputationEvents(did string, eventType domain.ReputationEventType, limit int) ([]domain.ReputationEvent, error)

	// --- orders ---
	InsertOrder(o *domain.Order) error
	GetOrder(orderID string) (*domain.Order, error)
	GetOrderForUpdate(orderID string) (*domain.Order, error)
	UpdateOrder(o *domain.Order) error
	AppendStatusChange(sc *domain.StatusChange) error
	ListStatusChanges(orderID string) ([]domain.StatusChange, error)
	// MarkExternalEvent dedupes external callbacks. It returns true the
	// first time (scope, eventID) is seen and false on every replay.
	MarkExternalEvent(scope, eventID string) (bool, error)

	// --- escrow ---
	InsertEscrow(e *domain.Escrow) error
	GetEscrowByOrder(orderID string) (*domain.Escrow, error)
	UpdateEscrow(e *domain.Escrow) error
	ListReleasableEscrows(now time.Time) ([]domain.Escrow, error)

	// --- logistics providers ---
	InsertProvider(p *domain.LogisticsProvider) error
	GetProvider(providerID string) (*domain.LogisticsProvider, error)
	UpdateProvider(p *domain.LogisticsProvider) error
	ListProviders(filter ProviderFilter) ([]domain.LogisticsProvider, error)

	// --- quotes ---
	// LockOrderQuotes takes the per-order advisory lock that makes
	// "accept exactly one quote" atomic with "reject all siblings".
	LockOrderQuotes(orderID string) error
	InsertQuote(q *domain.Quote) error
	GetQuote(quoteID string) (*domain.Quote, error)
	UpdateQuote(q *domain.Quote) error
	ListQuotesByOrder(orderID string) ([]domain.Quote, error)
	AcceptedQuoteForOrder(orderID string) (*domain.Quote, error)
	ListExpiredPendingQuotes(now time.Time) ([]domain.Quote, error)

	// --- shipments ---
	InsertShipment(s *domain.Shipment) error
	GetShipment(shipmentID string) (*domain.Shipment, error)
	GetShipmentForUpdate(shipmentID string) (*domain.Shipment, error)
	GetShipmentByOrder(orderID string) (*domain.Shipment, error)
	UpdateShipment(s *domain.Shipment) error
	AppendTrackingEvent(ev *domain.TrackingEvent) error
	ListTrackingEvents(shipmentID string) ([]domain.TrackingEvent, error)

	// --- disputes ---
	InsertDispute(d *domain.Dispute) error
	GetDispute(disputeID string) (*domain.Dispute, error)
	GetDisputeByOrder(orderID string) (*domain.Dispute, error)
	UpdateDispute(d *domain.Dispute) error
	AppendDisputeEvent(ev *domain.DisputeEvent) error
	ListDisputeEvents(disputeID string) ([]domain.DisputeEvent, error)
	ListVendorTimeoutDisputes(now time.Time) ([]domain.Dispute, error)

	// --- ratings ---
	InsertRating(r *domain.Rating) error
	GetRatingByOrder(orderID string) (*domain.Rating, error)
	UpdateRating(r *domain.Rating) error
	ListUnrevealedRatings(firstSubmittedBefore time.Time) ([]domain.Rating, error)

	// --- governance ---
	InsertSigner(s *domain.Signer) error
	GetSigner(signerID string) (*domain.Signer, error)
	UpdateSigner(s *domain.Signer) error
	ListSigners(activeOnly bool) ([]domain.Signer, error)
	NextProposalNumber() (int, error)
	InsertProposal(p *domain.Proposal) error
	GetProposal(proposalID string) (*domain.Proposal, error)
	GetProposalForUpdate(proposalID string) (*domain.Proposal, error)
	UpdateProposal(p *domain.Proposal) error
	ListProposals(status domain.ProposalStatus) ([]domain.Proposal, error)
	ListExpiredActiveProposals(now time.Time) ([]domain.Proposal, error)
	InsertApproval(a *domain.Approval) error
	ListApprovals(proposalID string) ([]domain.Approval, error)
	AppendExecutionRecord(rec *domain.ExecutionRecord) error
	ListExecutionRecords(proposalID string) ([]domain.ExecutionRecord, error)

	// --- protocol parameters ---
	GetParameter(name string) (*domain.Parameter, error)
	PutParameter(p *domain.Parameter) error
	ListParameters() ([]domain.Parameter, error)

	// --- treasury ---
	InsertTreasuryMovement(m *domain.TreasuryMovement) error
	GetTreasuryMovement(movementID string) (*domain.TreasuryMovement, error)
	UpdateTreasuryMovement(m *domain.TreasuryMovement) error
}

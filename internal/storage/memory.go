package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocx/marketd/internal/domain"
)

// Memory is an in-memory Store used by tests and --dev mode. A single mutex
// serializes every transaction, which trivially satisfies the per-entity
// locking contract of the interface. Rows are cloned on the way in and out
// so callers never alias stored state.
type Memory struct {
	mu sync.Mutex

	identities    map[string]*domain.Identity
	identityAudit []domain.IdentityAuditEntry

	reputations map[string]*domain.Reputation
	repEvents   []domain.ReputationEvent

	orders         map[string]*domain.Order
	orderNumbers   map[string]string // order_number -> order_id
	statusLog      []domain.StatusChange
	externalEvents map[string]bool

	escrows map[string]*domain.Escrow // keyed by order_id

	providers    map[string]*domain.LogisticsProvider
	providerDIDs map[string]string // identity_did -> provider_id

	quotes map[string]*domain.Quote

	shipments       map[string]*domain.Shipment
	shipmentByOrder map[string]string
	shipmentByQuote map[string]string
	trackingNumbers map[string]string
	trackingEvents  []domain.TrackingEvent

	disputes       map[string]*domain.Dispute
	disputeByOrder map[string]string
	disputeEvents  []domain.DisputeEvent

	ratings map[string]*domain.Rating // keyed by order_id

	signers         map[string]*domain.Signer
	proposalSeq     int
	proposals       map[string]*domain.Proposal
	proposalNumbers map[string]bool
	approvals       map[string]map[string]domain.Approval
	executions      []domain.ExecutionRecord

	params   map[string]*domain.Parameter
	treasury map[string]*domain.TreasuryMovement
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		identities:      make(map[string]*domain.Identity),
		reputations:     make(map[string]*domain.Reputation),
		orders:          make(map[string]*domain.Order),
		orderNumbers:    make(map[string]string),
		externalEvents:  make(map[string]bool),
		escrows:         make(map[string]*domain.Escrow),
		providers:       make(map[string]*domain.LogisticsProvider),
		providerDIDs:    make(map[string]string),
		quotes:          make(map[string]*domain.Quote),
		shipments:       make(map[string]*domain.Shipment),
		shipmentByOrder: make(map[string]string),
		shipmentByQuote: make(map[string]string),
		trackingNumbers: make(map[string]string),
		disputes:        make(map[string]*domain.Dispute),
		disputeByOrder:  make(map[string]string),
		ratings:         make(map[string]*domain.Rating),
		signers:         make(map[string]*domain.Signer),
		proposals:       make(map[string]*domain.Proposal),
		proposalNumbers: make(map[string]bool),
		approvals:       make(map[string]map[string]domain.Approval),
		params:          make(map[string]*domain.Parameter),
		treasury:        make(map[string]*domain.TreasuryMovement),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	return m.Update(ctx, fn)
}

// Update runs fn under the global lock. The in-memory store has no rollback:
// services are written so that validation precedes mutation, and the tests
// that rely on atomicity use error-first paths.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{m: m})
}

type memTx struct {
	m *Memory
}

func conflict(what string) error {
	return fmt.Errorf("%s: %w", what, domain.ErrConflict)
}

// --- clone helpers -------------------------------------------------------

func cloneIdentity(v *domain.Identity) *domain.Identity {
	c := *v
	return &c
}

func cloneReputation(v *domain.Reputation) *domain.Reputation {
	c := *v
	return &c
}

func cloneOrder(v *domain.Order) *domain.Order {
	c := *v
	c.Items = append([]domain.OrderItem(nil), v.Items...)
	c.PaidAt = cloneTime(v.PaidAt)
	c.DeliveredAt = cloneTime(v.DeliveredAt)
	c.CompletedAt = cloneTime(v.CompletedAt)
	return &c
}

func cloneEscrow(v *domain.Escrow) *domain.Escrow {
	c := *v
	c.ReleasedAt = cloneTime(v.ReleasedAt)
	c.RefundedAt = cloneTime(v.RefundedAt)
	return &c
}

func cloneProvider(v *domain.LogisticsProvider) *domain.LogisticsProvider {
	c := *v
	c.ServiceRegions = append([]string(nil), v.ServiceRegions...)
	c.ShippingMethods = append([]domain.ShippingMethod(nil), v.ShippingMethods...)
	if v.AverageRating != nil {
		r := *v.AverageRating
		c.AverageRating = &r
	}
	return &c
}

func cloneQuote(v *domain.Quote) *domain.Quote {
	c := *v
	return &c
}

func cloneShipment(v *domain.Shipment) *domain.Shipment {
	c := *v
	c.EstimatedDelivery = cloneTime(v.EstimatedDelivery)
	return &c
}

func cloneDispute(v *domain.Dispute) *domain.Dispute {
	c := *v
	c.Evidence = cloneEvidence(v.Evidence)
	if v.VendorResponse != nil {
		r := cloneEvidence(*v.VendorResponse)
		c.VendorResponse = &r
	}
	if v.Resolution != nil {
		r := *v.Resolution
		c.Resolution = &r
	}
	c.ResolvedAt = cloneTime(v.ResolvedAt)
	return &c
}

func cloneEvidence(e domain.DisputeEvidence) domain.DisputeEvidence {
	e.Photos = append([]string(nil), e.Photos...)
	e.TrackingEvents = append([]domain.TrackingEvent(nil), e.TrackingEvents...)
	e.Attachments = append([]map[string]interface{}(nil), e.Attachments...)
	return e
}

func cloneRating(v *domain.Rating) *domain.Rating {
	c := *v
	if v.BuyerRating != nil {
		e := *v.BuyerRating
		c.BuyerRating = &e
	}
	if v.VendorRating != nil {
		e := *v.VendorRating
		c.VendorRating = &e
	}
	c.RevealedAt = cloneTime(v.RevealedAt)
	return &c
}

func cloneSigner(v *domain.Signer) *domain.Signer {
	c := *v
	c.RemovedAt = cloneTime(v.RemovedAt)
	return &c
}

func cloneProposal(v *domain.Proposal) *domain.Proposal {
	c := *v
	c.ExecutedAt = cloneTime(v.ExecutedAt)
	return &c
}

func cloneMovement(v *domain.TreasuryMovement) *domain.TreasuryMovement {
	c := *v
	c.SettledAt = cloneTime(v.SettledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// --- identities ----------------------------------------------------------

func (t *memTx) PutIdentity(id *domain.Identity) error {
	t.m.identities[id.DID] = cloneIdentity(id)
	return nil
}

func (t *memTx) GetIdentity(did string) (*domain.Identity, error) {
	id, ok := t.m.identities[did]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneIdentity(id), nil
}

func (t *memTx) AppendIdentityAudit(entry *domain.IdentityAuditEntry) error {
	t.m.identityAudit = append(t.m.identityAudit, *entry)
	return nil
}

func (t *memTx) ListIdentityAudit(did string) ([]domain.IdentityAuditEntry, error) {
	var out []domain.IdentityAuditEntry
	for _, e := range t.m.identityAudit {
		if e.DID == did {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- reputation ----------------------------------------------------------

func (t *memTx) PutReputation(rep *domain.Reputation) error {
	t.m.reputations[rep.DID] = cloneReputation(rep)
	return nil
}

func (t *memTx) GetReputation(did string) (*domain.Reputation, error) {
	rep, ok := t.m.reputations[did]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneReputation(rep), nil
}

func (t *memTx) AppendReputationEvent(ev *domain.ReputationEvent) error {
	for _, e := range t.m.repEvents {
		if e.EventID == ev.EventID {
			return conflict("reputation event " + ev.EventID)
		}
	}
	t.m.repEvents = append(t.m.repEvents, *ev)
	return nil
}

func (t *memTx) ListReputationEvents(did string, eventType domain.ReputationEventType, limit int) ([]domain.ReputationEvent, error) {
	var out []domain.ReputationEvent
	for _, e := range t.m.repEvents {
		if e.DID != did {
			continue
		}
		if eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- orders --------------------------------------------------------------

func (t *memTx) InsertOrder(o *domain.Order) error {
	if _, ok := t.m.orders[o.OrderID]; ok {
		return conflict("order " + o.OrderID)
	}
	if _, ok := t.m.orderNumbers[o.OrderNumber]; ok {
		return conflict("order_number " + o.OrderNumber)
	}
	t.m.orders[o.OrderID] = cloneOrder(o)
	t.m.orderNumbers[o.OrderNumber] = o.OrderID
	return nil
}

func (t *memTx) GetOrder(orderID string) (*domain.Order, error) {
	o, ok := t.m.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (t *memTx) GetOrderForUpdate(orderID string) (*domain.Order, error) {
	return t.GetOrder(orderID)
}

func (t *memTx) UpdateOrder(o *domain.Order) error {
	if _, ok := t.m.orders[o.OrderID]; !ok {
		return domain.ErrNotFound
	}
	t.m.orders[o.OrderID] = cloneOrder(o)
	return nil
}

func (t *memTx) AppendStatusChange(sc *domain.StatusChange) error {
	t.m.statusLog = append(t.m.statusLog, *sc)
	return nil
}

func (t *memTx) ListStatusChanges(orderID string) ([]domain.StatusChange, error) {
	var out []domain.StatusChange
	for _, sc := range t.m.statusLog {
		if sc.OrderID == orderID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (t *memTx) MarkExternalEvent(scope, eventID string) (bool, error) {
	key := scope + "|" + eventID
	if t.m.externalEvents[key] {
		return false, nil
	}
	t.m.externalEvents[key] = true
	return true, nil
}

// --- escrow --------------------------------------------------------------

func (t *memTx) InsertEscrow(e *domain.Escrow) error {
	if _, ok := t.m.escrows[e.OrderID]; ok {
		return conflict("escrow for order " + e.OrderID)
	}
	t.m.escrows[e.OrderID] = cloneEscrow(e)
	return nil
}

func (t *memTx) GetEscrowByOrder(orderID string) (*domain.Escrow, error) {
	e, ok := t.m.escrows[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEscrow(e), nil
}

func (t *memTx) UpdateEscrow(e *domain.Escrow) error {
	if _, ok := t.m.escrows[e.OrderID]; !ok {
		return domain.ErrNotFound
	}
	t.m.escrows[e.OrderID] = cloneEscrow(e)
	return nil
}

func (t *memTx) ListReleasableEscrows(now time.Time) ([]domain.Escrow, error) {
	var out []domain.Escrow
	for _, e := range t.m.escrows {
		if e.Status == domain.EscrowHeld && !e.ReleaseScheduledAt.After(now) {
			out = append(out, *cloneEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReleaseScheduledAt.Before(out[j].ReleaseScheduledAt) })
	return out, nil
}

// --- logistics providers -------------------------------------------------

func (t *memTx) InsertProvider(p *domain.LogisticsProvider) error {
	if _, ok := t.m.providers[p.ProviderID]; ok {
		return conflict("provider " + p.ProviderID)
	}
	if _, ok := t.m.providerDIDs[p.IdentityDID]; ok {
		return conflict("provider identity " + p.IdentityDID)
	}
	t.m.providers[p.ProviderID] = cloneProvider(p)
	t.m.providerDIDs[p.IdentityDID] = p.ProviderID
	return nil
}

func (t *memTx) GetProvider(providerID string) (*domain.LogisticsProvider, error) {
	p, ok := t.m.providers[providerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneProvider(p), nil
}

func (t *memTx) UpdateProvider(p *domain.LogisticsProvider) error {
	if _, ok := t.m.providers[p.ProviderID]; !ok {
		return domain.ErrNotFound
	}
	t.m.providers[p.ProviderID] = cloneProvider(p)
	return nil
}

func (t *memTx) ListProviders(filter ProviderFilter) ([]domain.LogisticsProvider, error) {
	var out []domain.LogisticsProvider
	for _, p := range t.m.providers {
		if filter.Region != "" && !containsString(p.ServiceRegions, filter.Region) {
			continue
		}
		if filter.Method != "" && !containsMethod(p.ShippingMethods, filter.Method) {
			continue
		}
		if filter.InsuranceRequired && !p.InsuranceAvailable {
			continue
		}
		if filter.MinRating > 0 && (p.AverageRating == nil || *p.AverageRating < filter.MinRating) {
			continue
		}
		out = append(out, *cloneProvider(p))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].AverageRating, out[j].AverageRating
		switch {
		case ri != nil && rj != nil && *ri != *rj:
			return *ri > *rj
		case ri != nil && rj == nil:
			return true
		case ri == nil && rj != nil:
			return false
		}
		return out[i].TotalDeliveries > out[j].TotalDeliveries
	})
	return out, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsMethod(list []domain.ShippingMethod, v domain.ShippingMethod) bool {
	for _, m := range list {
		if m == v {
			return true
		}
	}
	return false
}

// --- quotes --------------------------------------------------------------

func (t *memTx) LockOrderQuotes(string) error { return nil } // global lock already held

func (t *memTx) InsertQuote(q *domain.Quote) error {
	for _, existing := range t.m.quotes {
		if existing.OrderID == q.OrderID && existing.ProviderID == q.ProviderID &&
			existing.Status == domain.QuotePending && q.Status == domain.QuotePending {
			return conflict("pending quote for provider " + q.ProviderID)
		}
		if existing.OrderID == q.OrderID && existing.Status == domain.QuoteAccepted && q.Status == domain.QuoteAccepted {
			return conflict("accepted quote for order " + q.OrderID)
		}
	}
	if _, ok := t.m.quotes[q.QuoteID]; ok {
		return conflict("quote " + q.QuoteID)
	}
	t.m.quotes[q.QuoteID] = cloneQuote(q)
	return nil
}

func (t *memTx) GetQuote(quoteID string) (*domain.Quote, error) {
	q, ok := t.m.quotes[quoteID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneQuote(q), nil
}

func (t *memTx) UpdateQuote(q *domain.Quote) error {
	if _, ok := t.m.quotes[q.QuoteID]; !ok {
		return domain.ErrNotFound
	}
	if q.Status == domain.QuoteAccepted {
		for _, existing := range t.m.quotes {
			if existing.OrderID == q.OrderID && existing.QuoteID != q.QuoteID &&
				existing.Status == domain.QuoteAccepted {
				return conflict("accepted quote for order " + q.OrderID)
			}
		}
	}
	t.m.quotes[q.QuoteID] = cloneQuote(q)
	return nil
}

func (t *memTx) ListQuotesByOrder(orderID string) ([]domain.Quote, error) {
	var out []domain.Quote
	for _, q := range t.m.quotes {
		if q.OrderID == orderID {
			out = append(out, *cloneQuote(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

func (t *memTx) AcceptedQuoteForOrder(orderID string) (*domain.Quote, error) {
	for _, q := range t.m.quotes {
		if q.OrderID == orderID && q.Status == domain.QuoteAccepted {
			return cloneQuote(q), nil
		}
	}
	return nil, nil
}

func (t *memTx) ListExpiredPendingQuotes(now time.Time) ([]domain.Quote, error) {
	var out []domain.Quote
	for _, q := range t.m.quotes {
		if q.Status == domain.QuotePending && !q.ValidUntil.After(now) {
			out = append(out, *cloneQuote(q))
		}
	}
	return out, nil
}

// --- shipments -----------------------------------------------------------

func (t *memTx) InsertShipment(s *domain.Shipment) error {
	if _, ok := t.m.shipmentByOrder[s.OrderID]; ok {
		return conflict("shipment for order " + s.OrderID)
	}
	if _, ok := t.m.shipmentByQuote[s.QuoteID]; ok {
		return conflict("shipment for quote " + s.QuoteID)
	}
	if _, ok := t.m.trackingNumbers[s.TrackingNumber]; ok {
		return conflict("tracking number " + s.TrackingNumber)
	}
	t.m.shipments[s.ShipmentID] = cloneShipment(s)
	t.m.shipmentByOrder[s.OrderID] = s.ShipmentID
	t.m.shipmentByQuote[s.QuoteID] = s.ShipmentID
	t.m.trackingNumbers[s.TrackingNumber] = s.ShipmentID
	return nil
}

func (t *memTx) GetShipment(shipmentID string) (*domain.Shipment, error) {
	s, ok := t.m.shipments[shipmentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneShipment(s), nil
}

func (t *memTx) GetShipmentForUpdate(shipmentID string) (*domain.Shipment, error) {
	return t.GetShipment(shipmentID)
}

func (t *memTx) GetShipmentByOrder(orderID string) (*domain.Shipment, error) {
	id, ok := t.m.shipmentByOrder[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.GetShipment(id)
}

func (t *memTx) UpdateShipment(s *domain.Shipment) error {
	if _, ok := t.m.shipments[s.ShipmentID]; !ok {
		return domain.ErrNotFound
	}
	t.m.shipments[s.ShipmentID] = cloneShipment(s)
	return nil
}

func (t *memTx) AppendTrackingEvent(ev *domain.TrackingEvent) error {
	t.m.trackingEvents = append(t.m.trackingEvents, *ev)
	return nil
}

func (t *memTx) ListTrackingEvents(shipmentID string) ([]domain.TrackingEvent, error) {
	var out []domain.TrackingEvent
	for _, e := range t.m.trackingEvents {
		if e.ShipmentID == shipmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- disputes ------------------------------------------------------------

func (t *memTx) InsertDispute(d *domain.Dispute) error {
	if _, ok := t.m.disputeByOrder[d.OrderID]; ok {
		return conflict("dispute for order " + d.OrderID)
	}
	t.m.disputes[d.DisputeID] = cloneDispute(d)
	t.m.disputeByOrder[d.OrderID] = d.DisputeID
	return nil
}

func (t *memTx) GetDispute(disputeID string) (*domain.Dispute, error) {
	d, ok := t.m.disputes[disputeID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneDispute(d), nil
}

func (t *memTx) GetDisputeByOrder(orderID string) (*domain.Dispute, error) {
	id, ok := t.m.disputeByOrder[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.GetDispute(id)
}

func (t *memTx) UpdateDispute(d *domain.Dispute) error {
	if _, ok := t.m.disputes[d.DisputeID]; !ok {
		return domain.ErrNotFound
	}
	t.m.disputes[d.DisputeID] = cloneDispute(d)
	return nil
}

func (t *memTx) AppendDisputeEvent(ev *domain.DisputeEvent) error {
	t.m.disputeEvents = append(t.m.disputeEvents, *ev)
	return nil
}

func (t *memTx) ListDisputeEvents(disputeID string) ([]domain.DisputeEvent, error) {
	var out []domain.DisputeEvent
	for _, e := range t.m.disputeEvents {
		if e.DisputeID == disputeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) ListVendorTimeoutDisputes(now time.Time) ([]domain.Dispute, error) {
	var out []domain.Dispute
	for _, d := range t.m.disputes {
		if d.Status == domain.DisputeAwaitingVendor && !d.VendorResponseDueAt.After(now) {
			out = append(out, *cloneDispute(d))
		}
	}
	return out, nil
}

// --- ratings -------------------------------------------------------------

func (t *memTx) InsertRating(r *domain.Rating) error {
	if _, ok := t.m.ratings[r.OrderID]; ok {
		return conflict("rating for order " + r.OrderID)
	}
	t.m.ratings[r.OrderID] = cloneRating(r)
	return nil
}

func (t *memTx) GetRatingByOrder(orderID string) (*domain.Rating, error) {
	r, ok := t.m.ratings[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRating(r), nil
}

func (t *memTx) UpdateRating(r *domain.Rating) error {
	if _, ok := t.m.ratings[r.OrderID]; !ok {
		return domain.ErrNotFound
	}
	t.m.ratings[r.OrderID] = cloneRating(r)
	return nil
}

func (t *memTx) ListUnrevealedRatings(firstSubmittedBefore time.Time) ([]domain.Rating, error) {
	var out []domain.Rating
	for _, r := range t.m.ratings {
		if r.RevealedAt == nil && !r.CreatedAt.After(firstSubmittedBefore) {
			out = append(out, *cloneRating(r))
		}
	}
	return out, nil
}

// --- governance ----------------------------------------------------------

func (t *memTx) InsertSigner(s *domain.Signer) error {
	if _, ok := t.m.signers[s.SignerID]; ok {
		return conflict("signer " + s.SignerID)
	}
	t.m.signers[s.SignerID] = cloneSigner(s)
	return nil
}

func (t *memTx) GetSigner(signerID string) (*domain.Signer, error) {
	s, ok := t.m.signers[signerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSigner(s), nil
}

func (t *memTx) UpdateSigner(s *domain.Signer) error {
	if _, ok := t.m.signers[s.SignerID]; !ok {
		return domain.ErrNotFound
	}
	t.m.signers[s.SignerID] = cloneSigner(s)
	return nil
}

func (t *memTx) ListSigners(activeOnly bool) ([]domain.Signer, error) {
	var out []domain.Signer
	for _, s := range t.m.signers {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, *cloneSigner(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

func (t *memTx) NextProposalNumber() (int, error) {
	t.m.proposalSeq++
	return t.m.proposalSeq, nil
}

func (t *memTx) InsertProposal(p *domain.Proposal) error {
	if _, ok := t.m.proposals[p.ProposalID]; ok {
		return conflict("proposal " + p.ProposalID)
	}
	if t.m.proposalNumbers[p.ProposalNumber] {
		return conflict("proposal number " + p.ProposalNumber)
	}
	t.m.proposals[p.ProposalID] = cloneProposal(p)
	t.m.proposalNumbers[p.ProposalNumber] = true
	return nil
}

func (t *memTx) GetProposal(proposalID string) (*domain.Proposal, error) {
	p, ok := t.m.proposals[proposalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneProposal(p), nil
}

func (t *memTx) GetProposalForUpdate(proposalID string) (*domain.Proposal, error) {
	return t.GetProposal(proposalID)
}

func (t *memTx) UpdateProposal(p *domain.Proposal) error {
	if _, ok := t.m.proposals[p.ProposalID]; !ok {
		return domain.ErrNotFound
	}
	t.m.proposals[p.ProposalID] = cloneProposal(p)
	return nil
}

func (t *memTx) ListProposals(status domain.ProposalStatus) ([]domain.Proposal, error) {
	var out []domain.Proposal
	for _, p := range t.m.proposals {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *cloneProposal(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) ListExpiredActiveProposals(now time.Time) ([]domain.Proposal, error) {
	var out []domain.Proposal
	for _, p := range t.m.proposals {
		if p.Status == domain.ProposalActive && !p.VotingEndsAt.After(now) {
			out = append(out, *cloneProposal(p))
		}
	}
	return out, nil
}

func (t *memTx) InsertApproval(a *domain.Approval) error {
	votes, ok := t.m.approvals[a.ProposalID]
	if !ok {
		votes = make(map[string]domain.Approval)
		t.m.approvals[a.ProposalID] = votes
	}
	if _, voted := votes[a.SignerID]; voted {
		return conflict("vote by signer " + a.SignerID)
	}
	votes[a.SignerID] = *a
	return nil
}

func (t *memTx) ListApprovals(proposalID string) ([]domain.Approval, error) {
	var out []domain.Approval
	for _, a := range t.m.approvals[proposalID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (t *memTx) AppendExecutionRecord(rec *domain.ExecutionRecord) error {
	t.m.executions = append(t.m.executions, *rec)
	return nil
}

func (t *memTx) ListExecutionRecords(proposalID string) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	for _, r := range t.m.executions {
		if r.ProposalID == proposalID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- protocol parameters -------------------------------------------------

func (t *memTx) GetParameter(name string) (*domain.Parameter, error) {
	p, ok := t.m.params[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (t *memTx) PutParameter(p *domain.Parameter) error {
	c := *p
	t.m.params[p.Name] = &c
	return nil
}

func (t *memTx) ListParameters() ([]domain.Parameter, error) {
	var out []domain.Parameter
	for _, p := range t.m.params {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- treasury ------------------------------------------------------------

func (t *memTx) InsertTreasuryMovement(m *domain.TreasuryMovement) error {
	if _, ok := t.m.treasury[m.MovementID]; ok {
		return conflict("treasury movement " + m.MovementID)
	}
	t.m.treasury[m.MovementID] = cloneMovement(m)
	return nil
}

func (t *memTx) GetTreasuryMovement(movementID string) (*domain.TreasuryMovement, error) {
	m, ok := t.m.treasury[movementID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneMovement(m), nil
}

func (t *memTx) UpdateTreasuryMovement(m *domain.TreasuryMovement) error {
	if _, ok := t.m.treasury[m.MovementID]; !ok {
		return domain.ErrNotFound
	}
	t.m.treasury[m.MovementID] = cloneMovement(m)
	return nil
}

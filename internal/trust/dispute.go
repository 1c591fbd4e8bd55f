// Package trust handles the adversarial part of the spine: buyer disputes
// with rule-based auto-evaluation, and mutual sealed ratings. Dispute
// resolution is the only path that settles a disputed escrow.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/order"
	"github.com/ocx/marketd/internal/params"
	"github.com/ocx/marketd/internal/reputation"
	"github.com/ocx/marketd/internal/storage"
)

// Service implements disputes and ratings.
type Service struct {
	store      storage.Store
	params     *params.Service
	reputation *reputation.Service
	emitter    events.Emitter
	metrics    *Metrics
	nowFn      func() time.Time
}

func New(store storage.Store, p *params.Service, rep *reputation.Service, emitter events.Emitter, metrics *Metrics) *Service {
	return &Service{
		store:      store,
		params:     p,
		reputation: rep,
		emitter:    emitter,
		metrics:    metrics,
		nowFn:      time.Now,
	}
}

// SetNowFunc overrides the clock; tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// OpenInput carries a buyer's dispute claim.
type OpenInput struct {
	OrderID     string
	BuyerDID    string
	Type        domain.DisputeType
	Description string
	Evidence    domain.DisputeEvidence
}

// OpenDispute files a claim against a delivered order inside the dispute
// window. The escrow parks in disputed and the order moves to disputed, all
// in one transaction.
func (s *Service) OpenDispute(ctx context.Context, in OpenInput) (*domain.Dispute, error) {
	if err := s.params.RequireActive(ctx); err != nil {
		return nil, err
	}
	if !in.Type.Valid() {
		return nil, domain.InvalidFieldError("type", "unknown dispute type")
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, domain.InvalidFieldError("description", "required")
	}

	responseHours, err := s.params.GetInt(ctx, params.VendorResponseWindowHours)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	d := &domain.Dispute{
		DisputeID:           uuid.NewString(),
		OrderID:             in.OrderID,
		BuyerDID:            in.BuyerDID,
		Type:                in.Type,
		Status:              domain.DisputeAwaitingVendor,
		Description:         in.Description,
		Evidence:            in.Evidence,
		VendorResponseDueAt: now.Add(time.Duration(responseHours) * time.Hour),
		CreatedAt:           now,
	}
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrderForUpdate(in.OrderID)
		if err != nil {
			return err
		}
		if in.BuyerDID != o.BuyerDID {
			return fmt.Errorf("only the buyer may open a dispute: %w", domain.ErrForbidden)
		}
		if o.Status != domain.OrderDelivered {
			return domain.InvalidTransitionError("order", o.Status, domain.OrderDisputed)
		}
		e, err := tx.GetEscrowByOrder(in.OrderID)
		if err != nil {
			return err
		}
		window := time.Duration(e.Rules.DisputeWindowDays) * 24 * time.Hour
		if o.DeliveredAt == nil || now.Sub(*o.DeliveredAt) > window {
			return fmt.Errorf("dispute window closed: %w", domain.ErrExpired)
		}
		if _, err := tx.GetDisputeByOrder(in.OrderID); err == nil {
			return fmt.Errorf("order already disputed: %w", domain.ErrConflict)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		d.VendorDID = o.VendorDID
		if err := tx.InsertDispute(d); err != nil {
			return err
		}
		if err := tx.AppendDisputeEvent(&domain.DisputeEvent{
			DisputeID: d.DisputeID,
			Kind:      "opened",
			Actor:     in.BuyerDID,
			Detail:    map[string]interface{}{"type": string(in.Type)},
			Timestamp: now,
		}); err != nil {
			return err
		}
		if _, err := order.DisputeEscrowInTx(tx, in.OrderID, d.DisputeID, now); err != nil {
			return err
		}
		return order.ApplyTransitionInTx(tx, o, domain.OrderDisputed, in.BuyerDID, "dispute opened", nil, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDisputeOpened(string(in.Type))
	s.emit(events.TypeDisputeOpened, in.OrderID, map[string]interface{}{
		"dispute_id":             d.DisputeID,
		"type":                   string(in.Type),
		"vendor_response_due_at": d.VendorResponseDueAt,
	})
	return d, nil
}

// GetDispute returns a dispute by id.
func (s *Service) GetDispute(ctx context.Context, disputeID string) (*domain.Dispute, error) {
	var d *domain.Dispute
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		d, err = tx.GetDispute(disputeID)
		return err
	})
	return d, err
}

// DisputeHistory returns a dispute's event log.
func (s *Service) DisputeHistory(ctx context.Context, disputeID string) ([]domain.DisputeEvent, error) {
	var evs []domain.DisputeEvent
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetDispute(disputeID); err != nil {
			return err
		}
		var err error
		evs, err = tx.ListDisputeEvents(disputeID)
		return err
	})
	return evs, err
}

// SubmitVendorResponse records the vendor's counter-evidence and runs
// auto-evaluation.
func (s *Service) SubmitVendorResponse(ctx context.Context, disputeID, caller string, response domain.DisputeEvidence) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	now := s.nowFn()
	var out *evalOutcome
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		if caller != d.VendorDID {
			return fmt.Errorf("only the vendor may respond: %w", domain.ErrForbidden)
		}
		if d.Status != domain.DisputeAwaitingVendor {
			return domain.InvalidTransitionError("dispute", d.Status, domain.DisputeUnderReview)
		}
		d.VendorResponse = &response
		d.Status = domain.DisputeUnderReview
		if err := tx.UpdateDispute(d); err != nil {
			return err
		}
		if err := tx.AppendDisputeEvent(&domain.DisputeEvent{
			DisputeID: disputeID,
			Kind:      "vendor_responded",
			Actor:     caller,
			Timestamp: now,
		}); err != nil {
			return err
		}
		out, err = s.evaluateInTx(tx, d, now, "auto")
		return err
	})
	if err != nil {
		return err
	}
	s.finishEvaluation(out)
	return nil
}

// Arbitrate settles an escalated dispute manually.
func (s *Service) Arbitrate(ctx context.Context, disputeID, arbiterID string, resolution domain.DisputeResolution, note string) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	switch resolution {
	case domain.ResolutionFullRefund, domain.ResolutionPartialRefund,
		domain.ResolutionNoRefund, domain.ResolutionVendorWins:
	default:
		return domain.InvalidFieldError("resolution", "unknown resolution")
	}

	now := s.nowFn()
	var out *evalOutcome
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		if d.Status != domain.DisputeArbitration {
			return domain.InvalidTransitionError("dispute", d.Status, domain.DisputeResolved)
		}
		out, err = s.resolveInTx(tx, d, resolution, 1.0, note, arbiterID, now, "arbitration")
		return err
	})
	if err != nil {
		return err
	}
	s.finishEvaluation(out)
	return nil
}

// EscalateVendorTimeouts is the vendor-timeout sweep body: disputes whose
// response deadline passed go to evaluation as if counter-evidence were
// absent.
func (s *Service) EscalateVendorTimeouts(ctx context.Context) error {
	now := s.nowFn()
	var due []domain.Dispute
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		due, err = tx.ListVendorTimeoutDisputes(now)
		return err
	})
	if err != nil {
		return err
	}

	for _, d := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		disputeID := d.DisputeID
		var out *evalOutcome
		err := s.store.Update(ctx, func(tx storage.Tx) error {
			cur, err := tx.GetDispute(disputeID)
			if err != nil {
				return err
			}
			if cur.Status != domain.DisputeAwaitingVendor || cur.VendorResponseDueAt.After(now) {
				return nil
			}
			cur.Status = domain.DisputeUnderReview
			if err := tx.UpdateDispute(cur); err != nil {
				return err
			}
			if err := tx.AppendDisputeEvent(&domain.DisputeEvent{
				DisputeID: disputeID,
				Kind:      "vendor_timeout",
				Timestamp: now,
			}); err != nil {
				return err
			}
			out, err = s.evaluateInTx(tx, cur, now, "timeout")
			return err
		})
		if err != nil {
			slog.Warn("dispute timeout escalation skipped", "dispute_id", disputeID, "error", err)
			continue
		}
		s.finishEvaluation(out)
	}
	return nil
}

// evalOutcome carries the post-commit side effects of an evaluation.
type evalOutcome struct {
	dispute    *domain.Dispute
	resolution domain.DisputeResolution
	confidence float64
	path       string
	escalated  bool
}

// evaluateInTx applies the rule table top-to-bottom, stopping at the first
// match. The dispute must be under_review.
func (s *Service) evaluateInTx(tx storage.Tx, d *domain.Dispute, now time.Time, path string) (*evalOutcome, error) {
	o, err := tx.GetOrder(d.OrderID)
	if err != nil {
		return nil, err
	}

	resolution, confidence, escalate := evaluate(d, o)
	if escalate {
		d.Status = domain.DisputeArbitration
		d.Confidence = confidence
		if err := tx.UpdateDispute(d); err != nil {
			return nil, err
		}
		if err := tx.AppendDisputeEvent(&domain.DisputeEvent{
			DisputeID: d.DisputeID,
			Kind:      "escalated",
			Detail:    map[string]interface{}{"confidence": confidence},
			Timestamp: now,
		}); err != nil {
			return nil, err
		}
		return &evalOutcome{dispute: d, confidence: confidence, path: path, escalated: true}, nil
	}
	return s.resolveInTx(tx, d, resolution, confidence, "auto-evaluated", "system", now, path)
}

// evaluate is the ordered rule table.
func evaluate(d *domain.Dispute, o *domain.Order) (domain.DisputeResolution, float64, bool) {
	buyerPhotos := len(d.Evidence.Photos) > 0
	vendorPhotos := d.VendorResponse != nil && len(d.VendorResponse.Photos) > 0

	switch d.Type {
	case domain.DisputeNonReceipt:
		if hasDeliveredTracking(d) {
			return domain.ResolutionVendorWins, 0.95, false
		}
		if o.TrackingNumber == "" {
			return domain.ResolutionFullRefund, 0.90, false
		}
	case domain.DisputeQuality:
		if buyerPhotos && !vendorPhotos {
			return domain.ResolutionFullRefund, 0.85, false
		}
		if buyerPhotos && vendorPhotos {
			return "", 0.50, true
		}
	case domain.DisputeLogistics:
		return domain.ResolutionFullRefund, 0.80, false
	case domain.DisputeChangeOfMind:
		return domain.ResolutionNoRefund, 1.00, false
	}
	return "", 0, true
}

func hasDeliveredTracking(d *domain.Dispute) bool {
	for _, ev := range d.Evidence.TrackingEvents {
		if ev.Status == domain.ShipmentDelivered {
			return true
		}
	}
	if d.VendorResponse != nil {
		for _, ev := range d.VendorResponse.TrackingEvents {
			if ev.Status == domain.ShipmentDelivered {
				return true
			}
		}
	}
	return false
}

// resolveInTx executes a resolution: escrow settles, the order leaves
// disputed, the dispute closes out.
func (s *Service) resolveInTx(tx storage.Tx, d *domain.Dispute, resolution domain.DisputeResolution, confidence float64, note, actor string, now time.Time, path string) (*evalOutcome, error) {
	if !domain.DisputeCanTransition(d.Status, domain.DisputeResolved) {
		return nil, domain.InvalidTransitionError("dispute", d.Status, domain.DisputeResolved)
	}
	d.Status = domain.DisputeResolved
	d.Resolution = &resolution
	d.ResolutionNote = note
	d.Confidence = confidence
	d.ResolvedAt = &now
	if err := tx.UpdateDispute(d); err != nil {
		return nil, err
	}
	if err := tx.AppendDisputeEvent(&domain.DisputeEvent{
		DisputeID: d.DisputeID,
		Kind:      "resolved",
		Actor:     actor,
		Detail:    map[string]interface{}{"resolution": string(resolution), "confidence": confidence},
		Timestamp: now,
	}); err != nil {
		return nil, err
	}

	o, err := tx.GetOrderForUpdate(d.OrderID)
	if err != nil {
		return nil, err
	}
	if resolution.RefundsBuyer() {
		if _, err := order.TransitionEscrowInTx(tx, d.OrderID, domain.EscrowRefunded, "dispute "+string(resolution), now); err != nil {
			return nil, err
		}
		if err := order.ApplyTransitionInTx(tx, o, domain.OrderRefunded, actor, "dispute resolved: "+string(resolution), nil, now); err != nil {
			return nil, err
		}
	} else {
		if _, err := order.TransitionEscrowInTx(tx, d.OrderID, domain.EscrowReleased, "dispute "+string(resolution), now); err != nil {
			return nil, err
		}
		if err := order.ApplyTransitionInTx(tx, o, domain.OrderCompleted, actor, "dispute resolved: "+string(resolution), nil, now); err != nil {
			return nil, err
		}
		o.CompletedAt = &now
		if err := tx.UpdateOrder(o); err != nil {
			return nil, err
		}
	}
	return &evalOutcome{dispute: d, resolution: resolution, confidence: confidence, path: path}, nil
}

// finishEvaluation runs the post-commit side effects: metrics, events and
// the vendor's reputation entry.
func (s *Service) finishEvaluation(out *evalOutcome) {
	if out == nil {
		return
	}
	if out.escalated {
		s.emit(events.TypeDisputeOpened, out.dispute.OrderID, map[string]interface{}{
			"dispute_id": out.dispute.DisputeID,
			"status":     string(domain.DisputeArbitration),
			"confidence": out.confidence,
		})
		return
	}

	s.metrics.RecordDisputeResolved(string(out.resolution), out.path)
	s.emit(events.TypeDisputeResolved, out.dispute.OrderID, map[string]interface{}{
		"dispute_id": out.dispute.DisputeID,
		"resolution": string(out.resolution),
		"confidence": out.confidence,
	})

	if s.reputation == nil {
		return
	}
	payload := map[string]interface{}{
		"dispute_type": string(out.dispute.Type),
		"resolution":   string(out.resolution),
	}
	if out.resolution.RefundsBuyer() {
		payload["outcome"] = "lost"
		if out.resolution == domain.ResolutionFullRefund {
			payload["severity"] = "major"
		} else {
			payload["severity"] = "minor"
		}
	} else {
		payload["outcome"] = "won"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.reputation.AppendEvent(ctx, out.dispute.VendorDID, domain.RepEventDispute, out.dispute.OrderID, payload)
	if err != nil {
		slog.Warn("dispute reputation event failed", "dispute_id", out.dispute.DisputeID, "error", err)
	}
}

func (s *Service) emit(eventType, subject string, data map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(eventType, "trust", subject, data)
}

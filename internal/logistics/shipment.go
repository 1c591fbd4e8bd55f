package logistics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/order"
	"github.com/ocx/marketd/internal/storage"
)

// ShipmentInput opens tracking for an order whose auction has settled.
type ShipmentInput struct {
	OrderID           string
	TrackingNumber    string
	EstimatedDelivery *time.Time
}

// CreateShipment binds a shipment to an order's accepted quote. One
// shipment per order; caller must be the winning provider or the vendor.
func (s *Service) CreateShipment(ctx context.Context, in ShipmentInput, caller string) (*domain.Shipment, error) {
	if err := s.params.RequireActive(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.TrackingNumber) == "" {
		return nil, domain.InvalidFieldError("tracking_number", "required")
	}

	now := s.nowFn()
	sh := &domain.Shipment{
		ShipmentID:        uuid.NewString(),
		OrderID:           in.OrderID,
		TrackingNumber:    in.TrackingNumber,
		Status:            domain.ShipmentPendingPickup,
		EstimatedDelivery: in.EstimatedDelivery,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrder(in.OrderID)
		if err != nil {
			return err
		}
		q, err := tx.AcceptedQuoteForOrder(in.OrderID)
		if err != nil {
			return err
		}
		if q == nil {
			return fmt.Errorf("order %s has no accepted quote: %w", in.OrderID, domain.ErrInvalidInput)
		}
		if caller != q.ProviderID && caller != o.VendorDID {
			return fmt.Errorf("caller may not open shipment: %w", domain.ErrForbidden)
		}
		sh.QuoteID = q.QuoteID
		sh.ProviderID = q.ProviderID
		if err := tx.InsertShipment(sh); err != nil {
			return err
		}
		return tx.AppendTrackingEvent(&domain.TrackingEvent{
			ShipmentID: sh.ShipmentID,
			Status:     domain.ShipmentPendingPickup,
			Notes:      "shipment created",
			Timestamp:  now,
		})
	})
	if err != nil {
		return nil, err
	}
	return sh, nil
}

// GetShipment returns a shipment by id.
func (s *Service) GetShipment(ctx context.Context, shipmentID string) (*domain.Shipment, error) {
	var sh *domain.Shipment
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		sh, err = tx.GetShipment(shipmentID)
		return err
	})
	return sh, err
}

// TrackingHistory returns a shipment's tracking events, oldest first.
func (s *Service) TrackingHistory(ctx context.Context, shipmentID string) ([]domain.TrackingEvent, error) {
	var evs []domain.TrackingEvent
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetShipment(shipmentID); err != nil {
			return err
		}
		var err error
		evs, err = tx.ListTrackingEvents(shipmentID)
		return err
	})
	return evs, err
}

// UpdateShipmentStatus advances the tracking DAG and appends the tracking
// event. eventID, when set, dedupes carrier callbacks. A delivered update
// feeds back into the order in the same transaction.
func (s *Service) UpdateShipmentStatus(ctx context.Context, shipmentID string, to domain.ShipmentStatus, location, notes, eventID string) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	now := s.nowFn()
	var (
		sh      *domain.Shipment
		from    domain.ShipmentStatus
		applied = true
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		if eventID != "" {
			first, err := tx.MarkExternalEvent("shipment", eventID)
			if err != nil {
				return err
			}
			if !first {
				applied = false
				return nil
			}
		}
		cur, err := tx.GetShipmentForUpdate(shipmentID)
		if err != nil {
			return err
		}
		from = cur.Status
		if err := s.applyShipmentTransition(tx, cur, to, location, notes, now); err != nil {
			return err
		}
		if to == domain.ShipmentDelivered {
			if err := s.markOrderDelivered(tx, cur.OrderID, now); err != nil {
				return err
			}
		}
		sh = cur
		return nil
	})
	if err != nil || !applied {
		return err
	}

	eventType := events.TypeShipmentUpdated
	if to == domain.ShipmentDelivered {
		eventType = events.TypeShipmentDelivered
	}
	s.emit(eventType, sh.OrderID, map[string]interface{}{
		"shipment_id": sh.ShipmentID,
		"from":        string(from),
		"to":          string(to),
		"location":    location,
	})
	return nil
}

// AddProofOfDelivery stores the SHA-256 of the carrier's proof bytes,
// marks the shipment delivered and feeds the order. Verification later is
// a recompute-and-compare.
func (s *Service) AddProofOfDelivery(ctx context.Context, shipmentID string, proof []byte) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	if len(proof) == 0 {
		return domain.InvalidFieldError("proof", "empty")
	}
	sum := sha256.Sum256(proof)
	hash := hex.EncodeToString(sum[:])

	now := s.nowFn()
	var sh *domain.Shipment
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetShipmentForUpdate(shipmentID)
		if err != nil {
			return err
		}
		cur.ProofOfDeliveryHash = hash
		if err := s.applyShipmentTransition(tx, cur, domain.ShipmentDelivered, cur.CurrentLocation, "proof of delivery", now); err != nil {
			return err
		}
		if err := s.markOrderDelivered(tx, cur.OrderID, now); err != nil {
			return err
		}
		sh = cur
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(events.TypeShipmentDelivered, sh.OrderID, map[string]interface{}{
		"shipment_id":            sh.ShipmentID,
		"proof_of_delivery_hash": hash,
	})
	return nil
}

// VerifyProofOfDelivery recomputes the hash over the presented bytes and
// compares with the stored one.
func (s *Service) VerifyProofOfDelivery(ctx context.Context, shipmentID string, proof []byte) (bool, error) {
	sh, err := s.GetShipment(ctx, shipmentID)
	if err != nil {
		return false, err
	}
	if sh.ProofOfDeliveryHash == "" {
		return false, nil
	}
	sum := sha256.Sum256(proof)
	return bytes.Equal([]byte(hex.EncodeToString(sum[:])), []byte(sh.ProofOfDeliveryHash)), nil
}

func (s *Service) applyShipmentTransition(tx storage.Tx, sh *domain.Shipment, to domain.ShipmentStatus, location, notes string, now time.Time) error {
	if !domain.ShipmentCanTransition(sh.Status, to) {
		return domain.InvalidTransitionError("shipment", sh.Status, to)
	}
	from := sh.Status
	sh.Status = to
	if location != "" {
		sh.CurrentLocation = location
	}
	sh.UpdatedAt = now
	if err := tx.UpdateShipment(sh); err != nil {
		return err
	}
	if err := tx.AppendTrackingEvent(&domain.TrackingEvent{
		ShipmentID: sh.ShipmentID,
		Status:     to,
		Location:   location,
		Notes:      notes,
		Timestamp:  now,
	}); err != nil {
		return err
	}
	s.metrics.RecordShipmentTransition(string(from), string(to))
	return nil
}

// markOrderDelivered is the shipment → order feedback edge, applied inside
// the shipment's transaction. The buyer may already have marked the order
// delivered, or a dispute may have moved it on; the carrier's proof still
// has to land, so the feedback is a no-op once the order left shipped.
func (s *Service) markOrderDelivered(tx storage.Tx, orderID string, now time.Time) error {
	o, err := tx.GetOrderForUpdate(orderID)
	if err != nil {
		return err
	}
	if o.Status != domain.OrderShipped {
		return nil
	}
	if err := order.ApplyTransitionInTx(tx, o, domain.OrderDelivered, "shipment", "shipment delivered", nil, now); err != nil {
		return err
	}
	o.DeliveredAt = &now
	return tx.UpdateOrder(o)
}

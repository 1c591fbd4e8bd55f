package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/storage"
)

// Escrow helpers shared between this service and the trust service. They
// operate inside a caller-owned transaction so order and escrow always move
// together.

// CreateEscrowInTx opens the escrow for an order at payment time. The
// governing params are frozen into the rules snapshot; the unique index on
// order_id makes creation idempotent per order.
func CreateEscrowInTx(tx storage.Tx, o *domain.Order, rules domain.EscrowRules, now time.Time) (*domain.Escrow, error) {
	e := &domain.Escrow{
		EscrowID:           uuid.NewString(),
		OrderID:            o.OrderID,
		Amount:             o.Total,
		Currency:           o.Currency,
		Status:             domain.EscrowHeld,
		Rules:              rules,
		CreatedAt:          now,
		ReleaseScheduledAt: now.AddDate(0, 0, rules.HoldDurationDays),
	}
	if err := tx.InsertEscrow(e); err != nil {
		return nil, err
	}
	return e, nil
}

// TransitionEscrowInTx moves an order's escrow along its lifecycle,
// stamping the settlement timestamps. The caller decides whether the
// disputed source state is admissible for its operation.
func TransitionEscrowInTx(tx storage.Tx, orderID string, to domain.EscrowStatus, reason string, now time.Time) (*domain.Escrow, error) {
	e, err := tx.GetEscrowByOrder(orderID)
	if err != nil {
		return nil, err
	}
	if !domain.EscrowCanTransition(e.Status, to) {
		return nil, domain.InvalidTransitionError("escrow", e.Status, to)
	}
	e.Status = to
	e.ReleaseReason = reason
	switch to {
	case domain.EscrowReleased:
		t := now
		e.ReleasedAt = &t
	case domain.EscrowRefunded:
		t := now
		e.RefundedAt = &t
	case domain.EscrowHeld:
		e.DisputeID = ""
	}
	if err := tx.UpdateEscrow(e); err != nil {
		return nil, err
	}
	return e, nil
}

// DisputeEscrowInTx parks a held escrow while a dispute runs, blocking
// auto-release.
func DisputeEscrowInTx(tx storage.Tx, orderID, disputeID string, now time.Time) (*domain.Escrow, error) {
	e, err := tx.GetEscrowByOrder(orderID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.EscrowHeld {
		return nil, fmt.Errorf("escrow for order %s is %s: %w", orderID, e.Status, domain.ErrInvalidTransition)
	}
	e.Status = domain.EscrowDisputed
	e.DisputeID = disputeID
	if err := tx.UpdateEscrow(e); err != nil {
		return nil, err
	}
	return e, nil
}

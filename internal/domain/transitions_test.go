package domain

import "testing"

func TestOrderTransitionTable(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderDraft, OrderPaymentPending},
		{OrderPaymentPending, OrderPaid},
		{OrderPaymentPending, OrderPaymentFailed},
		{OrderPaymentFailed, OrderPaymentPending},
		{OrderPaid, OrderConfirmed},
		{OrderConfirmed, OrderProcessing},
		{OrderProcessing, OrderShipped},
		{OrderShipped, OrderDelivered},
		{OrderDelivered, OrderCompleted},
		{OrderDelivered, OrderDisputed},
		{OrderDisputed, OrderRefunded},
		{OrderDisputed, OrderCompleted},
		{OrderConfirmed, OrderCancelled},
	}
	for _, tc := range allowed {
		if !OrderCanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to OrderStatus }{
		{OrderDraft, OrderPaid},
		{OrderPaid, OrderShipped},
		{OrderShipped, OrderCancelled},
		{OrderProcessing, OrderCancelled},
		{OrderCompleted, OrderCompleted},
		{OrderCancelled, OrderDraft},
		{OrderRefunded, OrderCompleted},
		{OrderDelivered, OrderDelivered},
	}
	for _, tc := range denied {
		if OrderCanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestOrderCancellableStates(t *testing.T) {
	for _, s := range []OrderStatus{OrderDraft, OrderPaymentPending, OrderPaymentFailed, OrderPaid, OrderConfirmed} {
		if !OrderCancellable(s) {
			t.Errorf("%s should be cancellable", s)
		}
	}
	for _, s := range []OrderStatus{OrderProcessing, OrderShipped, OrderDelivered, OrderCompleted, OrderCancelled, OrderRefunded, OrderDisputed} {
		if OrderCancellable(s) {
			t.Errorf("%s should not be cancellable", s)
		}
	}
}

func TestShipmentDAGTerminals(t *testing.T) {
	for _, s := range []ShipmentStatus{ShipmentDelivered, ShipmentReturned, ShipmentLost, ShipmentCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		for to := range shipmentTransitions {
			if ShipmentCanTransition(s, to) {
				t.Errorf("terminal %s should not transition to %s", s, to)
			}
		}
	}
	if !ShipmentCanTransition(ShipmentOutForDelivery, ShipmentDelivered) {
		t.Error("out_for_delivery -> delivered must be allowed")
	}
	if ShipmentCanTransition(ShipmentPendingPickup, ShipmentDelivered) {
		t.Error("pending_pickup -> delivered must be rejected")
	}
	if !ShipmentCanTransition(ShipmentFailedDelivery, ShipmentOutForDelivery) {
		t.Error("failed_delivery retry must be allowed")
	}
}

func TestEscrowMonotonicExceptDisputeCycle(t *testing.T) {
	if !EscrowCanTransition(EscrowHeld, EscrowDisputed) || !EscrowCanTransition(EscrowDisputed, EscrowHeld) {
		t.Error("held <-> disputed must be allowed")
	}
	for _, from := range []EscrowStatus{EscrowReleased, EscrowRefunded} {
		for _, to := range []EscrowStatus{EscrowHeld, EscrowDisputed, EscrowReleased, EscrowRefunded} {
			if EscrowCanTransition(from, to) {
				t.Errorf("escrow %s -> %s must be rejected", from, to)
			}
		}
	}
	if EscrowCanTransition(EscrowNone, EscrowReleased) {
		t.Error("escrow cannot be released before being held")
	}
}

func TestDisputeMachine(t *testing.T) {
	if !DisputeCanTransition(DisputeAwaitingVendor, DisputeUnderReview) {
		t.Error("awaiting_vendor -> under_review must be allowed")
	}
	if !DisputeCanTransition(DisputeUnderReview, DisputeArbitration) {
		t.Error("under_review -> arbitration must be allowed")
	}
	if DisputeCanTransition(DisputeResolved, DisputeUnderReview) {
		t.Error("resolved must not reopen")
	}
}

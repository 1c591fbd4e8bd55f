package domain

// Authoritative transition tables. Every state change in the order, shipment
// and dispute machines is validated against these maps; any pair not listed
// fails with ErrInvalidTransition. The tables are data, not logic; the
// per-edge authorization rules live in the owning services.

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderDraft:          {OrderPaymentPending, OrderCancelled},
	OrderPaymentPending: {OrderPaid, OrderPaymentFailed, OrderCancelled},
	OrderPaymentFailed:  {OrderPaymentPending, OrderCancelled},
	OrderPaid:           {OrderConfirmed, OrderCancelled},
	OrderConfirmed:      {OrderProcessing, OrderCancelled, OrderDisputed},
	OrderProcessing:     {OrderShipped, OrderDisputed},
	OrderShipped:        {OrderDelivered, OrderDisputed},
	OrderDelivered:      {OrderCompleted, OrderDisputed},
	OrderCompleted:      {OrderDisputed},
	OrderDisputed:       {OrderCompleted, OrderCancelled, OrderRefunded},
	OrderCancelled:      {},
	OrderRefunded:       {},
}

// OrderCanTransition reports whether from -> to is an edge of the order
// state machine.
func OrderCanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderCancellable reports whether an order in the given state may still be
// cancelled by a participant. Cancellation after confirmation is a dispute
// matter, not a direct transition.
func OrderCancellable(s OrderStatus) bool {
	switch s {
	case OrderDraft, OrderPaymentPending, OrderPaymentFailed, OrderPaid, OrderConfirmed:
		return true
	}
	return false
}

// OrderDisputable reports whether a dispute may be attached to an order in
// the given state. The dispute-window check on completed/delivered orders is
// the trust service's job.
func OrderDisputable(s OrderStatus) bool {
	switch s {
	case OrderConfirmed, OrderProcessing, OrderShipped, OrderDelivered, OrderCompleted:
		return true
	}
	return false
}

var shipmentTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentPendingPickup:  {ShipmentPickedUp, ShipmentCancelled},
	ShipmentPickedUp:       {ShipmentInTransit, ShipmentCancelled},
	ShipmentInTransit:      {ShipmentOutForDelivery, ShipmentFailedDelivery, ShipmentLost, ShipmentCancelled},
	ShipmentOutForDelivery: {ShipmentDelivered, ShipmentFailedDelivery},
	ShipmentFailedDelivery: {ShipmentOutForDelivery, ShipmentReturning, ShipmentLost},
	ShipmentReturning:      {ShipmentReturned, ShipmentLost},
	ShipmentDelivered:      {},
	ShipmentReturned:       {},
	ShipmentLost:           {},
	ShipmentCancelled:      {},
}

// ShipmentCanTransition reports whether from -> to is an edge of the
// shipment tracking DAG.
func ShipmentCanTransition(from, to ShipmentStatus) bool {
	for _, next := range shipmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeOpen:             {DisputeAwaitingVendor},
	DisputeAwaitingVendor:   {DisputeAwaitingEvidence, DisputeUnderReview},
	DisputeAwaitingEvidence: {DisputeUnderReview},
	DisputeUnderReview:      {DisputeArbitration, DisputeResolved},
	DisputeArbitration:      {DisputeResolved},
	DisputeResolved:         {DisputeClosed},
	DisputeClosed:           {},
}

// DisputeCanTransition reports whether from -> to is an edge of the dispute
// state machine.
func DisputeCanTransition(from, to DisputeStatus) bool {
	for _, next := range disputeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EscrowCanTransition enforces the strictly monotonic escrow lifecycle; the
// only cycle is held <-> disputed.
func EscrowCanTransition(from, to EscrowStatus) bool {
	switch from {
	case EscrowNone:
		return to == EscrowHeld
	case EscrowHeld:
		return to == EscrowReleased || to == EscrowRefunded || to == EscrowDisputed
	case EscrowDisputed:
		return to == EscrowHeld || to == EscrowReleased || to == EscrowRefunded
	}
	return false
}

package domain

// Typed status strings for every state machine in the spine. Values are
// stored verbatim in Postgres, so they never change once shipped.

// OrderStatus is one of the 12 order lifecycle states.
type OrderStatus string

const (
	OrderDraft          OrderStatus = "draft"
	OrderPaymentPending OrderStatus = "payment_pending"
	OrderPaymentFailed  OrderStatus = "payment_failed"
	OrderPaid           OrderStatus = "paid"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderProcessing     OrderStatus = "processing"
	OrderShipped        OrderStatus = "shipped"
	OrderDelivered      OrderStatus = "delivered"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
	OrderRefunded       OrderStatus = "refunded"
	OrderDisputed       OrderStatus = "disputed"
)

func (s OrderStatus) String() string { return string(s) }

// Valid reports whether the value is a known order status.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// EscrowStatus is the lifecycle of funds held against an order.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

func (s EscrowStatus) String() string { return string(s) }

// IdentityType classifies how an actor registered.
type IdentityType string

const (
	IdentityKYC       IdentityType = "kyc"
	IdentityNostr     IdentityType = "nostr"
	IdentityAnonymous IdentityType = "anonymous"
)

func (t IdentityType) Valid() bool {
	switch t {
	case IdentityKYC, IdentityNostr, IdentityAnonymous:
		return true
	}
	return false
}

// VerificationStatus is the verification state of an identity.
type VerificationStatus string

const (
	VerificationPending   VerificationStatus = "pending"
	VerificationVerified  VerificationStatus = "verified"
	VerificationRejected  VerificationStatus = "rejected"
	VerificationSuspended VerificationStatus = "suspended"
	VerificationBanned    VerificationStatus = "banned"
)

func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationPending, VerificationVerified, VerificationRejected,
		VerificationSuspended, VerificationBanned:
		return true
	}
	return false
}

// OrderType distinguishes the commercial shape of an order.
type OrderType string

const (
	OrderTypeSample    OrderType = "sample"
	OrderTypeWholesale OrderType = "wholesale"
	OrderTypeCustom    OrderType = "custom"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeSample, OrderTypeWholesale, OrderTypeCustom:
		return true
	}
	return false
}

// QuoteStatus is the lifecycle of a shipping quote in the auction.
type QuoteStatus string

const (
	QuotePending  QuoteStatus = "pending"
	QuoteAccepted QuoteStatus = "accepted"
	QuoteRejected QuoteStatus = "rejected"
	QuoteExpired  QuoteStatus = "expired"
)

func (s QuoteStatus) String() string { return string(s) }

// ShippingMethod is a logistics service class.
type ShippingMethod string

const (
	ShippingStandard ShippingMethod = "standard"
	ShippingExpress  ShippingMethod = "express"
	ShippingFreight  ShippingMethod = "freight"
)

func (m ShippingMethod) Valid() bool {
	switch m {
	case ShippingStandard, ShippingExpress, ShippingFreight:
		return true
	}
	return false
}

// ShipmentStatus is one of the 10 shipment tracking states.
type ShipmentStatus string

const (
	ShipmentPendingPickup  ShipmentStatus = "pending_pickup"
	ShipmentPickedUp       ShipmentStatus = "picked_up"
	ShipmentInTransit      ShipmentStatus = "in_transit"
	ShipmentOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentDelivered      ShipmentStatus = "delivered"
	ShipmentFailedDelivery ShipmentStatus = "failed_delivery"
	ShipmentReturning      ShipmentStatus = "returning"
	ShipmentReturned       ShipmentStatus = "returned"
	ShipmentLost           ShipmentStatus = "lost"
	ShipmentCancelled      ShipmentStatus = "cancelled"
)

func (s ShipmentStatus) String() string { return string(s) }

// Terminal reports whether no further shipment transitions are allowed.
func (s ShipmentStatus) Terminal() bool {
	switch s {
	case ShipmentDelivered, ShipmentReturned, ShipmentLost, ShipmentCancelled:
		return true
	}
	return false
}

// DisputeType is the buyer-declared ground for a dispute.
type DisputeType string

const (
	DisputeQuality      DisputeType = "quality"
	DisputeNonReceipt   DisputeType = "non_receipt"
	DisputeLogistics    DisputeType = "logistics"
	DisputeChangeOfMind DisputeType = "change_of_mind"
	DisputeOther        DisputeType = "other"
)

func (t DisputeType) Valid() bool {
	switch t {
	case DisputeQuality, DisputeNonReceipt, DisputeLogistics, DisputeChangeOfMind, DisputeOther:
		return true
	}
	return false
}

// DisputeStatus is the dispute lifecycle state.
type DisputeStatus string

const (
	DisputeOpen             DisputeStatus = "open"
	DisputeAwaitingVendor   DisputeStatus = "awaiting_vendor"
	DisputeAwaitingEvidence DisputeStatus = "awaiting_evidence"
	DisputeUnderReview      DisputeStatus = "under_review"
	DisputeArbitration      DisputeStatus = "arbitration"
	DisputeResolved         DisputeStatus = "resolved"
	DisputeClosed           DisputeStatus = "closed"
)

func (s DisputeStatus) String() string { return string(s) }

// DisputeResolution is the outcome of a resolved dispute.
type DisputeResolution string

const (
	ResolutionFullRefund    DisputeResolution = "full_refund"
	ResolutionPartialRefund DisputeResolution = "partial_refund"
	ResolutionNoRefund      DisputeResolution = "no_refund"
	ResolutionVendorWins    DisputeResolution = "vendor_wins"
)

// RefundsBuyer reports whether the resolution sends escrowed funds back to
// the buyer.
func (r DisputeResolution) RefundsBuyer() bool {
	return r == ResolutionFullRefund || r == ResolutionPartialRefund
}

// ProposalStatus is the governance proposal lifecycle state.
type ProposalStatus string

const (
	ProposalDraft    ProposalStatus = "draft"
	ProposalActive   ProposalStatus = "active"
	ProposalApproved ProposalStatus = "approved"
	ProposalExecuted ProposalStatus = "executed"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

func (s ProposalStatus) String() string { return string(s) }

// SignerRole tags a governance signer's seat.
type SignerRole string

const (
	RoleFounder   SignerRole = "founder"
	RoleTechnical SignerRole = "technical"
	RoleTreasury  SignerRole = "treasury"
	RoleOther     SignerRole = "other"
)

func (r SignerRole) Valid() bool {
	switch r {
	case RoleFounder, RoleTechnical, RoleTreasury, RoleOther:
		return true
	}
	return false
}

// GovernanceAction names an executable proposal action.
type GovernanceAction string

const (
	ActionUpdateProtocolFee    GovernanceAction = "update_protocol_fee"
	ActionUpdateClientFee      GovernanceAction = "update_client_fee"
	ActionUpdateEscrowDuration GovernanceAction = "update_escrow_duration"
	ActionUpdateDisputeWindow  GovernanceAction = "update_dispute_window"
	ActionEmergencyPause       GovernanceAction = "emergency_pause"
	ActionEmergencyUnpause     GovernanceAction = "emergency_unpause"
	ActionAddSigner            GovernanceAction = "add_signer"
	ActionRemoveSigner         GovernanceAction = "remove_signer"
	ActionTreasuryWithdrawal   GovernanceAction = "treasury_withdrawal"
)

// PaymentMethod identifies the rail an order is paid over.
type PaymentMethod string

const (
	PaymentStripe    PaymentMethod = "stripe"
	PaymentLightning PaymentMethod = "lightning"
	PaymentBank      PaymentMethod = "bank"
)

// ReputationEventType classifies reputation log entries.
type ReputationEventType string

const (
	RepEventRating       ReputationEventType = "rating"
	RepEventDispute      ReputationEventType = "dispute"
	RepEventVerification ReputationEventType = "verification"
	RepEventMilestone    ReputationEventType = "milestone"
)

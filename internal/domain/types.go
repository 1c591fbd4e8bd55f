package domain

import (
	"time"
)

// ============================================================================
// ENTITIES - row shapes shared by the services and the storage layer
// ============================================================================

// Identity is an actor in the protocol, keyed by an immutable DID.
type Identity struct {
	DID              string                 `json:"did"`
	Type             IdentityType           `json:"type"`
	ClientID         string                 `json:"client_id"`
	Status           VerificationStatus     `json:"status"`
	PublicProfile    map[string]interface{} `json:"public_profile,omitempty"`
	TypeSpecificData map[string]interface{} `json:"type_specific_data,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// CanTransact reports whether the identity may enter new orders.
func (i *Identity) CanTransact() bool {
	return i.Status == VerificationPending || i.Status == VerificationVerified
}

// IdentityAuditEntry records a verification-status change.
type IdentityAuditEntry struct {
	DID       string             `json:"did"`
	From      VerificationStatus `json:"from"`
	To        VerificationStatus `json:"to"`
	ChangedBy string             `json:"changed_by"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ReputationEvent is one entry of a vendor's append-only reputation log.
type ReputationEvent struct {
	EventID       string                 `json:"event_id"`
	DID           string                 `json:"did"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Type          ReputationEventType    `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// ReputationMetrics is the folded view of a reputation event log.
type ReputationMetrics struct {
	TransactionsCompleted int     `json:"transactions_completed"`
	TotalRatings          int     `json:"total_ratings"`
	AverageRating         float64 `json:"average_rating"`
	OnTimeDeliveries      int     `json:"on_time_deliveries"`
	OnTimeRate            float64 `json:"on_time_rate"`
	DisputesTotal         int     `json:"disputes_total"`
	DisputesWon           int     `json:"disputes_won"`
	DisputesLost          int     `json:"disputes_lost"`
	DisputesMinor         int     `json:"disputes_minor"`
	DisputesMajor         int     `json:"disputes_major"`
}

// Reputation is the derived score record cached per identity.
type Reputation struct {
	DID          string            `json:"did"`
	IdentityType IdentityType      `json:"identity_type"`
	Score        int               `json:"score"`
	Metrics      ReputationMetrics `json:"metrics"`
	EventsHash   string            `json:"events_hash"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ReputationProof is a detached signed claim over a reputation snapshot.
type ReputationProof struct {
	DID                   string    `json:"did"`
	Score                 int       `json:"score"`
	TransactionsCompleted int       `json:"transactions_completed"`
	AverageRating         float64   `json:"average_rating"`
	GeneratedAt           time.Time `json:"generated_at"`
	ValidUntil            time.Time `json:"valid_until"`
	EventsHash            string    `json:"events_hash"`
	ProofVersion          string    `json:"proof_version"`
	ProtocolVersion       string    `json:"protocol_version"`
	Signature             string    `json:"signature,omitempty"`
}

// OrderItem is a single line of an order. TotalPrice must equal
// Quantity * PricePerUnit in minor units.
type OrderItem struct {
	ProductID    string `json:"product_id"`
	Description  string `json:"description,omitempty"`
	Quantity     int64  `json:"quantity"`
	PricePerUnit int64  `json:"price_per_unit"`
	TotalPrice   int64  `json:"total_price"`
}

// OrderFees is the fee breakdown computed at order creation, minor units.
type OrderFees struct {
	ProtocolFee int64 `json:"protocol_fee"`
	ClientFee   int64 `json:"client_fee"`
	PaymentFee  int64 `json:"payment_fee"`
	Total       int64 `json:"total"`
}

// Order is the central entity of the spine.
type Order struct {
	OrderID             string                 `json:"order_id"`
	OrderNumber         string                 `json:"order_number"`
	BuyerDID            string                 `json:"buyer_did"`
	VendorDID           string                 `json:"vendor_did"`
	ClientID            string                 `json:"client_id"`
	Type                OrderType              `json:"type"`
	Items               []OrderItem            `json:"items"`
	Currency            string                 `json:"currency"`
	Subtotal            int64                  `json:"subtotal"`
	Fees                OrderFees              `json:"fees"`
	Total               int64                  `json:"total"`
	ShippingAddress     map[string]interface{} `json:"shipping_address,omitempty"`
	PaymentMethod       PaymentMethod          `json:"payment_method"`
	Status              OrderStatus            `json:"status"`
	TrackingNumber      string                 `json:"tracking_number,omitempty"`
	LogisticsProviderID string                 `json:"logistics_provider_id,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	PaidAt              *time.Time             `json:"paid_at,omitempty"`
	DeliveredAt         *time.Time             `json:"delivered_at,omitempty"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
}

// StatusChange is one entry of the append-only order status log.
type StatusChange struct {
	OrderID   string                 `json:"order_id"`
	From      OrderStatus            `json:"from"`
	To        OrderStatus            `json:"to"`
	ChangedBy string                 `json:"changed_by"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EscrowRules freezes the params that governed an escrow at creation time.
type EscrowRules struct {
	HoldDurationDays       int  `json:"hold_duration_days"`
	DisputeWindowDays      int  `json:"dispute_window_days"`
	AutoReleaseIfNoDispute bool `json:"auto_release_if_no_dispute"`
}

// Escrow holds an order's funds until release or refund. Bound 1:1 to an
// order; exists iff the order has been paid at least once.
type Escrow struct {
	EscrowID           string       `json:"escrow_id"`
	OrderID            string       `json:"order_id"`
	Amount             int64        `json:"amount"`
	Currency           string       `json:"currency"`
	Status             EscrowStatus `json:"status"`
	Rules              EscrowRules  `json:"rules"`
	DisputeID          string       `json:"dispute_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	ReleaseScheduledAt time.Time    `json:"release_scheduled_at"`
	ReleasedAt         *time.Time   `json:"released_at,omitempty"`
	RefundedAt         *time.Time   `json:"refunded_at,omitempty"`
	ReleaseReason      string       `json:"release_reason,omitempty"`
}

// LogisticsProvider is a registered shipping provider.
type LogisticsProvider struct {
	ProviderID         string           `json:"provider_id"`
	BusinessName       string           `json:"business_name"`
	IdentityDID        string           `json:"identity_did"`
	ServiceRegions     []string         `json:"service_regions"`
	ShippingMethods    []ShippingMethod `json:"shipping_methods"`
	InsuranceAvailable bool             `json:"insurance_available"`
	AverageRating      *float64         `json:"average_rating,omitempty"`
	TotalDeliveries    int              `json:"total_deliveries"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Quote is one provider's bid in an order's shipping auction.
type Quote struct {
	QuoteID           string         `json:"quote_id"`
	OrderID           string         `json:"order_id"`
	ProviderID        string         `json:"provider_id"`
	Method            ShippingMethod `json:"method"`
	Price             int64          `json:"price"`
	Currency          string         `json:"currency"`
	EstimatedDays     int            `json:"estimated_days"`
	InsuranceIncluded bool           `json:"insurance_included"`
	Status            QuoteStatus    `json:"status"`
	ValidUntil        time.Time      `json:"valid_until"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Shipment tracks physical movement for an order; 1:1 with its accepted
// quote.
type Shipment struct {
	ShipmentID          string         `json:"shipment_id"`
	OrderID             string         `json:"order_id"`
	QuoteID             string         `json:"quote_id"`
	ProviderID          string         `json:"provider_id"`
	TrackingNumber      string         `json:"tracking_number"`
	Status              ShipmentStatus `json:"status"`
	CurrentLocation     string         `json:"current_location,omitempty"`
	EstimatedDelivery   *time.Time     `json:"estimated_delivery,omitempty"`
	ProofOfDeliveryHash string         `json:"proof_of_delivery_hash,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// TrackingEvent is one append-only row of a shipment's history.
type TrackingEvent struct {
	ShipmentID string         `json:"shipment_id"`
	Status     ShipmentStatus `json:"status"`
	Location   string         `json:"location,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// DisputeEvidence carries the buyer's or vendor's supporting material.
type DisputeEvidence struct {
	Description    string                   `json:"description,omitempty"`
	Photos         []string                 `json:"photos,omitempty"`
	TrackingEvents []TrackingEvent          `json:"tracking_events,omitempty"`
	Attachments    []map[string]interface{} `json:"attachments,omitempty"`
}

// Dispute is a buyer-opened claim against a delivered order.
type Dispute struct {
	DisputeID           string             `json:"dispute_id"`
	OrderID             string             `json:"order_id"`
	BuyerDID            string             `json:"buyer_did"`
	VendorDID           string             `json:"vendor_did"`
	Type                DisputeType        `json:"type"`
	Status              DisputeStatus      `json:"status"`
	Description         string             `json:"description"`
	Evidence            DisputeEvidence    `json:"evidence"`
	VendorResponse      *DisputeEvidence   `json:"vendor_response,omitempty"`
	VendorResponseDueAt time.Time          `json:"vendor_response_due_at"`
	Resolution          *DisputeResolution `json:"resolution,omitempty"`
	ResolutionNote      string             `json:"resolution_note,omitempty"`
	Confidence          float64            `json:"confidence,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	ResolvedAt          *time.Time         `json:"resolved_at,omitempty"`
}

// DisputeEvent is one append-only row of a dispute's history.
type DisputeEvent struct {
	DisputeID string                 `json:"dispute_id"`
	Kind      string                 `json:"kind"`
	Actor     string                 `json:"actor,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RatingEntry is one side's rating of the counterparty.
type RatingEntry struct {
	RaterDID    string         `json:"rater_did"`
	Rating      int            `json:"rating"`
	Comment     string         `json:"comment,omitempty"`
	Categories  map[string]int `json:"categories,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Rating holds both directions of an order's mutual rating with sealed
// reveal semantics.
type Rating struct {
	RatingID     string       `json:"rating_id"`
	OrderID      string       `json:"order_id"`
	BuyerRating  *RatingEntry `json:"buyer_rating,omitempty"`
	VendorRating *RatingEntry `json:"vendor_rating,omitempty"`
	RevealedAt   *time.Time   `json:"revealed_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Revealed reports whether both sides' ratings are mutually visible.
func (r *Rating) Revealed() bool { return r.RevealedAt != nil }

// Proposal is a governance proposal under the m-of-n scheme.
type Proposal struct {
	ProposalID        string                 `json:"proposal_id"`
	ProposalNumber    string                 `json:"proposal_number"`
	Action            GovernanceAction       `json:"action"`
	Params            map[string]interface{} `json:"params"`
	Rationale         string                 `json:"rationale"`
	ProposerID        string                 `json:"proposer_id"`
	Status            ProposalStatus         `json:"status"`
	RequiredApprovals int                    `json:"required_approvals"`
	CurrentApprovals  int                    `json:"current_approvals"`
	CurrentRejections int                    `json:"current_rejections"`
	VotingEndsAt      time.Time              `json:"voting_ends_at"`
	CreatedAt         time.Time              `json:"created_at"`
	ExecutedAt        *time.Time             `json:"executed_at,omitempty"`
}

// Approval is one signer's vote on a proposal; unique per pair.
type Approval struct {
	ProposalID string    `json:"proposal_id"`
	SignerID   string    `json:"signer_id"`
	Approved   bool      `json:"approved"`
	Signature  string    `json:"signature,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Signer is a seat in the governance signer set.
type Signer struct {
	SignerID    string     `json:"signer_id"`
	IdentityDID string     `json:"identity_did"`
	Name        string     `json:"name,omitempty"`
	Role        SignerRole `json:"role"`
	Active      bool       `json:"active"`
	AddedAt     time.Time  `json:"added_at"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
}

// ExecutionRecord captures one attempt to execute an approved proposal.
type ExecutionRecord struct {
	ProposalID string    `json:"proposal_id"`
	ExecutorID string    `json:"executor_id"`
	Status     string    `json:"status"` // success | failed
	Error      string    `json:"error,omitempty"`
	Result     string    `json:"result,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Parameter is one protocol parameter, writable only through governance.
type Parameter struct {
	Name          string    `json:"name"`
	Value         string    `json:"value"`
	PreviousValue string    `json:"previous_value,omitempty"`
	UpdatedBy     string    `json:"last_updated_by,omitempty"`
	UpdatedAt     time.Time `json:"last_updated_at"`
	ChangeReason  string    `json:"change_reason,omitempty"`
}

// TreasuryMovement is an approved withdrawal handed to the external rail.
type TreasuryMovement struct {
	MovementID  string     `json:"movement_id"`
	ProposalID  string     `json:"proposal_id"`
	Destination string     `json:"destination"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"` // approved | settled | failed
	RailRef     string     `json:"rail_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// Product is the catalog view consumed by order and logistics.
type Product struct {
	ProductID    string `json:"product_id"`
	VendorDID    string `json:"vendor_did"`
	Price        int64  `json:"price"`
	Currency     string `json:"currency"`
	WeightGrams  int64  `json:"weight_grams"`
	DimsCM       [3]int `json:"dims_cm"`
	Origin       string `json:"origin"`
	LeadTimeDays int    `json:"lead_time_days"`
}

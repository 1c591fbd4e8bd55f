// Package ports declares the external collaborator interfaces the spine
// depends on. The core owns state; rails, oracles and indexes live behind
// these ports and are injected at wiring time. Every call carries a context
// with the default 5s deadline applied by the caller; a blown deadline
// surfaces as UpstreamTimeout and never partially commits.
package ports

import (
	"context"
	"time"

	"github.com/ocx/marketd/internal/domain"
)

// DefaultCallTimeout bounds every outbound port call.
const DefaultCallTimeout = 5 * time.Second

// PaymentInstructions tells a buyer how to settle an initialized payment.
type PaymentInstructions struct {
	PaymentID string                 `json:"payment_id"`
	Method    domain.PaymentMethod   `json:"method"`
	Amount    int64                  `json:"amount"`
	Currency  string                 `json:"currency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PaymentProof is a rail-specific settlement proof. Every shape carries a
// source-system id (used for idempotence) and a timestamp.
type PaymentProof struct {
	Method    domain.PaymentMethod   `json:"method"`
	SourceID  string                 `json:"source_id"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RefundRecord is the rail's acknowledgement of a refund.
type RefundRecord struct {
	RefundID  string    `json:"refund_id"`
	PaymentID string    `json:"payment_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentGateway abstracts the payment rails (Stripe, Lightning, bank).
type PaymentGateway interface {
	Initialize(ctx context.Context, orderID string, amount int64, currency string, method domain.PaymentMethod) (*PaymentInstructions, error)
	Verify(ctx context.Context, method domain.PaymentMethod, proof *PaymentProof) (bool, error)
	Refund(ctx context.Context, paymentID string, amount int64) (*RefundRecord, error)
}

// PriceQuote is a rate oracle reading.
type PriceQuote struct {
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Rate      float64   `json:"rate"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// BTCPrice is the multi-currency BTC quote served by the oracle.
type BTCPrice struct {
	USD       float64   `json:"usd"`
	EUR       float64   `json:"eur"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxQuoteAge bounds how stale an oracle reading may be for a
// safety-critical conversion; older readings are a hard error.
const MaxQuoteAge = 24 * time.Hour

// RateOracle serves exchange rates. Implementations fall back across
// sources and may serve the last-known rate on total upstream failure.
type RateOracle interface {
	BTCPrice(ctx context.Context) (*BTCPrice, error)
	Convert(ctx context.Context, amount int64, fromCurrency, toCurrency string) (*PriceQuote, error)
}

// Catalog exposes product lookups to order and logistics.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

// CatalogIndexEntry is what the search index stores about a product.
type CatalogIndexEntry struct {
	ProductID string                 `json:"product_id"`
	VendorDID string                 `json:"vendor_did"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// CatalogIndex is the search/catalog indexing collaborator.
type CatalogIndex interface {
	Sync(ctx context.Context, entry *CatalogIndexEntry) error
	Remove(ctx context.Context, productID string) error
	Query(ctx context.Context, filters map[string]interface{}) ([]CatalogIndexEntry, error)
}

// Signer signs and verifies detached payloads (reputation proofs). The
// canonicalization of the message is the caller's responsibility.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	Verify(payload, signature []byte) bool
}

// TreasuryRail moves approved treasury funds over an external rail.
// Transfer returns the rail's reference; settlement finality arrives later
// through the rail's callback into governance.
type TreasuryRail interface {
	Transfer(ctx context.Context, movementID, destination string, amount int64, currency string) (string, error)
}

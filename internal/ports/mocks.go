package ports

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
)

// MockPaymentGateway simulates the payment rails for tests and --dev mode.
// Verify accepts any proof carrying a source id unless FailVerify is set.
type MockPaymentGateway struct {
	mu         sync.Mutex
	FailVerify bool
	refunds    []RefundRecord
}

func NewMockPaymentGateway() *MockPaymentGateway {
	return &MockPaymentGateway{}
}

func (m *MockPaymentGateway) Initialize(ctx context.Context, orderID string, amount int64, currency string, method domain.PaymentMethod) (*PaymentInstructions, error) {
	return &PaymentInstructions{
		PaymentID: "pay-" + uuid.NewString(),
		Method:    method,
		Amount:    amount,
		Currency:  currency,
		Details:   map[string]interface{}{"order_id": orderID},
	}, nil
}

func (m *MockPaymentGateway) Verify(ctx context.Context, method domain.PaymentMethod, proof *PaymentProof) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailVerify {
		return false, nil
	}
	if proof == nil || proof.SourceID == "" {
		return false, fmt.Errorf("proof missing source id: %w", domain.ErrInvalidInput)
	}
	return true, nil
}

func (m *MockPaymentGateway) Refund(ctx context.Context, paymentID string, amount int64) (*RefundRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := RefundRecord{
		RefundID:  "re-" + uuid.NewString(),
		PaymentID: paymentID,
		Amount:    amount,
		Timestamp: time.Now(),
	}
	m.refunds = append(m.refunds, rec)
	return &rec, nil
}

// Refunds returns the refunds issued so far (test hook).
func (m *MockPaymentGateway) Refunds() []RefundRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RefundRecord(nil), m.refunds...)
}

// MockRateOracle serves a fixed BTC price with a controllable timestamp so
// tests can exercise the staleness rule.
type MockRateOracle struct {
	Price     BTCPrice
	Stale     bool
	nowFn     func() time.Time
}

func NewMockRateOracle() *MockRateOracle {
	return &MockRateOracle{
		Price: BTCPrice{USD: 65000, EUR: 60000, Source: "mock"},
		nowFn: time.Now,
	}
}

func (m *MockRateOracle) BTCPrice(ctx context.Context) (*BTCPrice, error) {
	p := m.Price
	p.Timestamp = m.quoteTime()
	return &p, nil
}

func (m *MockRateOracle) Convert(ctx context.Context, amount int64, fromCurrency, toCurrency string) (*PriceQuote, error) {
	ts := m.quoteTime()
	if m.nowFn().Sub(ts) > MaxQuoteAge {
		return nil, fmt.Errorf("rate older than %s: %w", MaxQuoteAge, domain.ErrUpstream)
	}
	// Identity rate keeps tests deterministic.
	return &PriceQuote{
		Amount:    float64(amount),
		Currency:  toCurrency,
		Rate:      1.0,
		Source:    "mock",
		Timestamp: ts,
	}, nil
}

func (m *MockRateOracle) quoteTime() time.Time {
	if m.Stale {
		return m.nowFn().Add(-25 * time.Hour)
	}
	return m.nowFn()
}

// MockCatalog is a map-backed product catalog.
type MockCatalog struct {
	mu       sync.Mutex
	products map[string]*domain.Product
}

func NewMockCatalog() *MockCatalog {
	return &MockCatalog{products: make(map[string]*domain.Product)}
}

// AddProduct seeds a product (test hook).
func (m *MockCatalog) AddProduct(p *domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ProductID] = p
}

func (m *MockCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	c := *p
	return &c, nil
}

// MockTreasuryRail records transfers and hands back synthetic rail refs.
type MockTreasuryRail struct {
	mu        sync.Mutex
	Fail      bool
	transfers []string
}

func NewMockTreasuryRail() *MockTreasuryRail {
	return &MockTreasuryRail{}
}

func (m *MockTreasuryRail) Transfer(ctx context.Context, movementID, destination string, amount int64, currency string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return "", fmt.Errorf("rail rejected transfer: %w", domain.ErrUpstream)
	}
	m.transfers = append(m.transfers, movementID)
	return "rail-" + uuid.NewString(), nil
}

// Transfers returns the movement ids handed to the rail (test hook).
func (m *MockTreasuryRail) Transfers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transfers...)
}

// MockCatalogIndex records sync/remove calls in memory.
type MockCatalogIndex struct {
	mu      sync.Mutex
	entries map[string]*CatalogIndexEntry
}

func NewMockCatalogIndex() *MockCatalogIndex {
	return &MockCatalogIndex{entries: make(map[string]*CatalogIndexEntry)}
}

func (m *MockCatalogIndex) Sync(ctx context.Context, entry *CatalogIndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ProductID] = entry
	return nil
}

func (m *MockCatalogIndex) Remove(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, productID)
	return nil
}

func (m *MockCatalogIndex) Query(ctx context.Context, filters map[string]interface{}) ([]CatalogIndexEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CatalogIndexEntry
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out, nil
}

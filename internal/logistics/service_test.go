package logistics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ocx/marketd/internal/config"
	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/identity"
	"github.com/ocx/marketd/internal/order"
	"github.com/ocx/marketd/internal/params"
	"github.com/ocx/marketd/internal/ports"
	"github.com/ocx/marketd/internal/storage"
)

type fixture struct {
	svc    *Service
	orders *order.Service
	ids    *identity.Service
	store  storage.Store
	buyer  string
	vendor string
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		now:   time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	p := params.New(f.store, nil, nil)
	p.SetNowFunc(clock)
	if err := p.Bootstrap(context.Background(), config.DefaultConfig().Protocol); err != nil {
		t.Fatalf("bootstrap params: %v", err)
	}

	f.ids = identity.New(f.store, nil)
	f.ids.SetNowFunc(clock)
	buyer, err := f.ids.Register(context.Background(), identity.RegisterInput{Type: domain.IdentityNostr, ClientID: "c1"})
	if err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	vendor, err := f.ids.Register(context.Background(), identity.RegisterInput{Type: domain.IdentityNostr, ClientID: "c1"})
	if err != nil {
		t.Fatalf("register vendor: %v", err)
	}
	f.buyer, f.vendor = buyer.DID, vendor.DID

	f.orders = order.New(f.store, f.ids, p, ports.NewMockPaymentGateway(), ports.NewMockRateOracle(), nil, nil, nil, nil)
	f.orders.SetNowFunc(clock)

	f.svc = New(f.store, f.ids, p, nil, nil)
	f.svc.SetNowFunc(clock)
	return f
}

// kycProviderDID registers and verifies a kyc identity for a provider.
func (f *fixture) kycProviderDID(t *testing.T) string {
	t.Helper()
	id, err := f.ids.Register(context.Background(), identity.RegisterInput{Type: domain.IdentityKYC, ClientID: "c1"})
	if err != nil {
		t.Fatalf("register provider identity: %v", err)
	}
	if err := f.ids.Verify(context.Background(), id.DID, domain.VerificationVerified, "reviewer", ""); err != nil {
		t.Fatalf("verify provider identity: %v", err)
	}
	return id.DID
}

func (f *fixture) registerProvider(t *testing.T, name string, methods ...domain.ShippingMethod) *domain.LogisticsProvider {
	t.Helper()
	if len(methods) == 0 {
		methods = []domain.ShippingMethod{domain.ShippingStandard, domain.ShippingExpress}
	}
	p, err := f.svc.RegisterProvider(context.Background(), ProviderInput{
		BusinessName:    name,
		IdentityDID:     f.kycProviderDID(t),
		ServiceRegions:  []string{"EU"},
		ShippingMethods: methods,
	})
	if err != nil {
		t.Fatalf("RegisterProvider(%s): %v", name, err)
	}
	return p
}

func (f *fixture) paidOrder(t *testing.T) *domain.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), order.CreateInput{
		BuyerDID:      f.buyer,
		VendorDID:     f.vendor,
		ClientID:      "c1",
		Type:          domain.OrderTypeWholesale,
		Items:         []order.ItemInput{{ProductID: "p1", Quantity: 2, PricePerUnit: 5000}},
		Currency:      "USD",
		PaymentMethod: domain.PaymentLightning,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	err = f.orders.Pay(context.Background(), o.OrderID, &ports.PaymentProof{
		Method: domain.PaymentLightning, SourceID: "ln-" + o.OrderID,
	})
	if err != nil {
		t.Fatalf("pay order: %v", err)
	}
	return o
}

func (f *fixture) submitQuote(t *testing.T, orderID, providerID string, method domain.ShippingMethod, price int64, validHours int) *domain.Quote {
	t.Helper()
	q, err := f.svc.SubmitQuote(context.Background(), QuoteInput{
		OrderID:       orderID,
		ProviderID:    providerID,
		Method:        method,
		Price:         price,
		Currency:      "USD",
		EstimatedDays: 5,
		ValidHours:    validHours,
	})
	if err != nil {
		t.Fatalf("SubmitQuote: %v", err)
	}
	return q
}

func TestRegisterProviderRequiresKYCVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterProvider(ctx, ProviderInput{
		BusinessName:    "Fast GmbH",
		IdentityDID:     f.vendor, // nostr, not kyc
		ServiceRegions:  []string{"EU"},
		ShippingMethods: []domain.ShippingMethod{domain.ShippingStandard},
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("non-kyc identity: err = %v, want ErrForbidden", err)
	}

	_, err = f.svc.RegisterProvider(ctx, ProviderInput{
		BusinessName:    "Fast GmbH",
		IdentityDID:     f.kycProviderDID(t),
		ShippingMethods: []domain.ShippingMethod{domain.ShippingStandard},
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty regions: err = %v, want ErrInvalidInput", err)
	}
}

func TestUpdateProviderRatingRollingMean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerProvider(t, "Fast GmbH")

	for _, r := range []float64{4, 5} {
		if err := f.svc.UpdateProviderRating(ctx, p.ProviderID, r); err != nil {
			t.Fatalf("UpdateProviderRating: %v", err)
		}
	}

	got, err := f.svc.FindProviders(ctx, storage.ProviderFilter{Region: "EU"})
	if err != nil {
		t.Fatalf("FindProviders: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].TotalDeliveries != 2 || got[0].AverageRating == nil || *got[0].AverageRating != 4.5 {
		t.Errorf("provider = deliveries %d, avg %v", got[0].TotalDeliveries, got[0].AverageRating)
	}
}

func TestSubmitQuoteRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerProvider(t, "Fast GmbH")

	// Unpaid order refuses quotes.
	o, err := f.orders.Create(ctx, order.CreateInput{
		BuyerDID: f.buyer, VendorDID: f.vendor, ClientID: "c1",
		Type:  domain.OrderTypeSample,
		Items: []order.ItemInput{{ProductID: "p1", Quantity: 1, PricePerUnit: 100}},
		Currency: "USD", PaymentMethod: domain.PaymentBank,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.svc.SubmitQuote(ctx, QuoteInput{
		OrderID: o.OrderID, ProviderID: p.ProviderID,
		Method: domain.ShippingStandard, Price: 1000, ValidHours: 24,
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("unpaid order: err = %v, want ErrInvalidTransition", err)
	}

	paid := f.paidOrder(t)
	f.submitQuote(t, paid.OrderID, p.ProviderID, domain.ShippingStandard, 1000, 24)

	// Second pending quote from the same provider is a conflict.
	_, err = f.svc.SubmitQuote(ctx, QuoteInput{
		OrderID: paid.OrderID, ProviderID: p.ProviderID,
		Method: domain.ShippingExpress, Price: 2000, ValidHours: 24,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("duplicate pending: err = %v, want ErrConflict", err)
	}

	// Method the provider does not offer.
	_, err = f.svc.SubmitQuote(ctx, QuoteInput{
		OrderID: paid.OrderID, ProviderID: p.ProviderID,
		Method: domain.ShippingFreight, Price: 3000, ValidHours: 24,
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unoffered method: err = %v, want ErrInvalidInput", err)
	}
}

func TestQuoteAuctionExclusivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.registerProvider(t, "Provider A")
	b := f.registerProvider(t, "Provider B")
	o := f.paidOrder(t)

	qa := f.submitQuote(t, o.OrderID, a.ProviderID, domain.ShippingExpress, 8000, 48)
	qb := f.submitQuote(t, o.OrderID, b.ProviderID, domain.ShippingStandard, 6000, 48)

	listed, err := f.svc.QuotesForOrder(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("QuotesForOrder: %v", err)
	}
	if len(listed) != 2 || listed[0].QuoteID != qb.QuoteID {
		t.Errorf("listing not price-ascending: %+v", listed)
	}

	if err := f.svc.AcceptQuote(ctx, qb.QuoteID, f.vendor); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("vendor accept: err = %v, want ErrForbidden", err)
	}
	if err := f.svc.AcceptQuote(ctx, qb.QuoteID, f.buyer); err != nil {
		t.Fatalf("AcceptQuote: %v", err)
	}

	// Accepted and rejected visible in one snapshot.
	err = f.store.View(ctx, func(tx storage.Tx) error {
		gotB, err := tx.GetQuote(qb.QuoteID)
		if err != nil {
			return err
		}
		gotA, err := tx.GetQuote(qa.QuoteID)
		if err != nil {
			return err
		}
		if gotB.Status != domain.QuoteAccepted {
			t.Errorf("winner = %s, want accepted", gotB.Status)
		}
		if gotA.Status != domain.QuoteRejected {
			t.Errorf("loser = %s, want rejected", gotA.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// The losing quote can no longer win; the winner is idempotent.
	if err := f.svc.AcceptQuote(ctx, qa.QuoteID, f.buyer); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("accept loser: err = %v, want ErrConflict", err)
	}
	if err := f.svc.AcceptQuote(ctx, qb.QuoteID, f.buyer); err != nil {
		t.Errorf("re-accept winner: err = %v, want nil", err)
	}
}

func TestExpireQuotesSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerProvider(t, "Fast GmbH")
	o := f.paidOrder(t)
	q := f.submitQuote(t, o.OrderID, p.ProviderID, domain.ShippingStandard, 1000, 2)

	f.now = f.now.Add(3 * time.Hour)
	if err := f.svc.ExpireQuotes(ctx); err != nil {
		t.Fatalf("ExpireQuotes: %v", err)
	}

	err := f.store.View(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetQuote(q.QuoteID)
		if err != nil {
			return err
		}
		if cur.Status != domain.QuoteExpired {
			t.Errorf("status = %s, want expired", cur.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read quote: %v", err)
	}

	if err := f.svc.AcceptQuote(ctx, q.QuoteID, f.buyer); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("accept expired: err = %v, want ErrConflict", err)
	}
}

func TestShipmentLifecycleWithProofOfDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerProvider(t, "Fast GmbH")
	o := f.paidOrder(t)

	// The auction runs while the order sits in paid; the vendor conducts
	// its own machine afterwards.
	q := f.submitQuote(t, o.OrderID, p.ProviderID, domain.ShippingStandard, 1000, 48)
	if err := f.svc.AcceptQuote(ctx, q.QuoteID, f.buyer); err != nil {
		t.Fatalf("AcceptQuote: %v", err)
	}

	if err := f.orders.Confirm(ctx, o.OrderID, f.vendor); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := f.orders.StartProcessing(ctx, o.OrderID, f.vendor); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := f.orders.Ship(ctx, o.OrderID, f.vendor, "TRK-1", p.ProviderID); err != nil {
		t.Fatalf("order ship: %v", err)
	}

	sh, err := f.svc.CreateShipment(ctx, ShipmentInput{OrderID: o.OrderID, TrackingNumber: "TRK-1"}, p.ProviderID)
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	if sh.Status != domain.ShipmentPendingPickup || sh.QuoteID != q.QuoteID {
		t.Errorf("shipment = %+v", sh)
	}

	// Second shipment for the same order conflicts.
	_, err = f.svc.CreateShipment(ctx, ShipmentInput{OrderID: o.OrderID, TrackingNumber: "TRK-2"}, p.ProviderID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second shipment: err = %v, want ErrConflict", err)
	}

	steps := []domain.ShipmentStatus{
		domain.ShipmentPickedUp, domain.ShipmentInTransit, domain.ShipmentOutForDelivery,
	}
	for _, st := range steps {
		if err := f.svc.UpdateShipmentStatus(ctx, sh.ShipmentID, st, "somewhere", "", ""); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
	// Skipping states is rejected.
	if err := f.svc.UpdateShipmentStatus(ctx, sh.ShipmentID, domain.ShipmentReturning, "", "", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("invalid edge: err = %v, want ErrInvalidTransition", err)
	}

	proof := []byte("signed-by-recipient")
	if err := f.svc.AddProofOfDelivery(ctx, sh.ShipmentID, proof); err != nil {
		t.Fatalf("AddProofOfDelivery: %v", err)
	}

	got, _ := f.svc.GetShipment(ctx, sh.ShipmentID)
	if got.Status != domain.ShipmentDelivered || got.ProofOfDeliveryHash == "" {
		t.Errorf("shipment = %s hash %q", got.Status, got.ProofOfDeliveryHash)
	}
	oGot, _ := f.orders.Get(ctx, o.OrderID)
	if oGot.Status != domain.OrderDelivered || oGot.DeliveredAt == nil {
		t.Errorf("order = %s, delivered_at = %v", oGot.Status, oGot.DeliveredAt)
	}

	ok, err := f.svc.VerifyProofOfDelivery(ctx, sh.ShipmentID, proof)
	if err != nil || !ok {
		t.Errorf("verify(original) = %v, %v; want true", ok, err)
	}
	ok, err = f.svc.VerifyProofOfDelivery(ctx, sh.ShipmentID, []byte("tampered"))
	if err != nil || ok {
		t.Errorf("verify(tampered) = %v, %v; want false", ok, err)
	}

	history, err := f.svc.TrackingHistory(ctx, sh.ShipmentID)
	if err != nil {
		t.Fatalf("TrackingHistory: %v", err)
	}
	if len(history) != 5 { // created + 3 steps + delivered
		t.Errorf("history length = %d, want 5", len(history))
	}
}

func TestProofOfDeliveryAfterBuyerMarkedDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerProvider(t, "Fast GmbH")
	o := f.paidOrder(t)
	q := f.submitQuote(t, o.OrderID, p.ProviderID, domain.ShippingStandard, 1000, 48)
	if err := f.svc.AcceptQuote(ctx, q.QuoteID, f.buyer); err != nil {
		t.Fatalf("AcceptQuote: %v", err)
	}
	if err := f.orders.Confirm(ctx, o.OrderID, f.vendor); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := f.orders.StartProcessing(ctx, o.OrderID, f.vendor); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := f.orders.Ship(ctx, o.OrderID, f.vendor, "TRK-1", p.ProviderID); err != nil {
		t.Fatalf("ship: %v", err)
	}
	sh, err := f.svc.CreateShipment(ctx, ShipmentInput{OrderID: o.OrderID, TrackingNumber: "TRK-1"}, p.ProviderID)
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	for _, st := range []domain.ShipmentStatus{
		domain.ShipmentPickedUp, domain.ShipmentInTransit, domain.ShipmentOutForDelivery,
	} {
		if err := f.svc.UpdateShipmentStatus(ctx, sh.ShipmentID, st, "", "", ""); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}

	// Buyer confirms receipt before the carrier files its proof.
	if err := f.orders.MarkDelivered(ctx, o.OrderID, f.buyer, ""); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	if err := f.svc.AddProofOfDelivery(ctx, sh.ShipmentID, []byte("signed-by-recipient")); err != nil {
		t.Fatalf("AddProofOfDelivery after buyer confirmation: %v", err)
	}
	got, _ := f.svc.GetShipment(ctx, sh.ShipmentID)
	if got.Status != domain.ShipmentDelivered || got.ProofOfDeliveryHash == "" {
		t.Errorf("shipment = %s hash %q, want delivered with hash", got.Status, got.ProofOfDeliveryHash)
	}
	oGot, _ := f.orders.Get(ctx, o.OrderID)
	if oGot.Status != domain.OrderDelivered {
		t.Errorf("order = %s, want delivered", oGot.Status)
	}
}

func TestCarrierCallbackDedupe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerProvider(t, "Fast GmbH")
	o := f.paidOrder(t)
	q := f.submitQuote(t, o.OrderID, p.ProviderID, domain.ShippingStandard, 1000, 48)
	if err := f.svc.AcceptQuote(ctx, q.QuoteID, f.buyer); err != nil {
		t.Fatalf("AcceptQuote: %v", err)
	}
	sh, err := f.svc.CreateShipment(ctx, ShipmentInput{OrderID: o.OrderID, TrackingNumber: "TRK-1"}, p.ProviderID)
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}

	if err := f.svc.UpdateShipmentStatus(ctx, sh.ShipmentID, domain.ShipmentPickedUp, "", "", "cb-1"); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	// The replay is a no-op, not an invalid transition.
	if err := f.svc.UpdateShipmentStatus(ctx, sh.ShipmentID, domain.ShipmentPickedUp, "", "", "cb-1"); err != nil {
		t.Fatalf("replayed callback: %v", err)
	}
	history, _ := f.svc.TrackingHistory(ctx, sh.ShipmentID)
	if len(history) != 2 { // created + picked_up
		t.Errorf("history length = %d, want 2", len(history))
	}
}

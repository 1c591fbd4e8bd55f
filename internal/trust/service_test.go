package trust

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
	"github.com/ocx/marketd/internal/reputation"
	"github.com/ocx/marketd/internal/storage"
)

type fixture struct {
	svc    *Service
	orders *order.Service
	rep    *reputation.Service
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

	ids := identity.New(f.store, nil)
	ids.SetNowFunc(clock)
	buyer, err := ids.Register(context.Background(), identity.RegisterInput{Type: domain.IdentityNostr, ClientID: "c1"})
	if err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	vendor, err := ids.Register(context.Background(), identity.RegisterInput{Type: domain.IdentityNostr, ClientID: "c1"})
	if err != nil {
		t.Fatalf("register vendor: %v", err)
	}
	f.buyer, f.vendor = buyer.DID, vendor.DID

	f.orders = order.New(f.store, ids, p, ports.NewMockPaymentGateway(), ports.NewMockRateOracle(), nil, nil, nil, nil)
	f.orders.SetNowFunc(clock)

	signer, err := reputation.NewEphemeralSigner()
	if err != nil {
		t.Fatalf("ephemeral signer: %v", err)
	}
	f.rep = reputation.New(f.store, signer, p, nil)
	f.rep.SetNowFunc(clock)

	f.svc = New(f.store, p, f.rep, nil, nil)
	f.svc.SetNowFunc(clock)
	return f
}

// deliveredOrder walks an order through the happy path to delivered.
func (f *fixture) deliveredOrder(t *testing.T, tracking string) *domain.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Create(ctx, order.CreateInput{
		BuyerDID:      f.buyer,
		VendorDID:     f.vendor,
		ClientID:      "c1",
		Type:          domain.OrderTypeWholesale,
		Items:         []order.ItemInput{{ProductID: "p1", Quantity: 1, PricePerUnit: 100000}},
		Currency:      "USD",
		PaymentMethod: domain.PaymentLightning,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := f.orders.Pay(ctx, o.OrderID, &ports.PaymentProof{Method: domain.PaymentLightning, SourceID: "ln-" + o.OrderID}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := f.orders.Confirm(ctx, o.OrderID, f.vendor); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := f.orders.StartProcessing(ctx, o.OrderID, f.vendor); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := f.orders.Ship(ctx, o.OrderID, f.vendor, tracking, ""); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if err := f.orders.MarkDelivered(ctx, o.OrderID, f.buyer, ""); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, err := f.orders.Get(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return got
}

func (f *fixture) openDispute(t *testing.T, orderID string, typ domain.DisputeType, ev domain.DisputeEvidence) *domain.Dispute {
	t.Helper()
	d, err := f.svc.OpenDispute(context.Background(), OpenInput{
		OrderID:     orderID,
		BuyerDID:    f.buyer,
		Type:        typ,
		Description: "problem with the order",
		Evidence:    ev,
	})
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	return d
}

func TestOpenDisputeGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, "TRK-1")

	if _, err := f.svc.OpenDispute(ctx, OpenInput{OrderID: o.OrderID, BuyerDID: f.vendor, Type: domain.DisputeQuality, Description: "x"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("vendor open: err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.OpenDispute(ctx, OpenInput{OrderID: o.OrderID, BuyerDID: f.buyer, Type: "bogus", Description: "x"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("bad type: err = %v, want ErrInvalidInput", err)
	}

	d := f.openDispute(t, o.OrderID, domain.DisputeQuality, domain.DisputeEvidence{Photos: []string{"a.jpg"}})
	if d.Status != domain.DisputeAwaitingVendor {
		t.Fatalf("status = %s, want awaiting_vendor", d.Status)
	}
	if want := f.now.Add(48 * time.Hour); !d.VendorResponseDueAt.Equal(want) {
		t.Fatalf("VendorResponseDueAt = %v, want %v", d.VendorResponseDueAt, want)
	}

	got, err := f.orders.Get(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderDisputed {
		t.Fatalf("order status = %s, want disputed", got.Status)
	}
	e, err := f.orders.GetEscrow(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if e.Status != domain.EscrowDisputed || e.DisputeID != d.DisputeID {
		t.Fatalf("escrow = %s/%s, want disputed/%s", e.Status, e.DisputeID, d.DisputeID)
	}

	// a second dispute on the same order is rejected
	if _, err := f.svc.OpenDispute(ctx, OpenInput{OrderID: o.OrderID, BuyerDID: f.buyer, Type: domain.DisputeQuality, Description: "again"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second open: err = %v, want ErrInvalidTransition", err)
	}
}

func TestOpenDisputeWindowClosed(t *testing.T) {
	f := newFixture(t)
	o := f.deliveredOrder(t, "TRK-1")

	f.now = f.now.Add(8 * 24 * time.Hour) // past the 7 day window
	_, err := f.svc.OpenDispute(context.Background(), OpenInput{
		OrderID: o.OrderID, BuyerDID: f.buyer, Type: domain.DisputeQuality, Description: "late",
	})
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestAutoEvaluationRules(t *testing.T) {
	deliveredEv := domain.DisputeEvidence{TrackingEvents: []domain.TrackingEvent{{Status: domain.ShipmentDelivered}}}
	photos := domain.DisputeEvidence{Photos: []string{"broken.jpg"}}

	tests := []struct {
		name           string
		typ            domain.DisputeType
		tracking       string
		buyerEvidence  domain.DisputeEvidence
		vendorResponse domain.DisputeEvidence
		wantResolution domain.DisputeResolution
		wantConfidence float64
		wantEscalated  bool
	}{
		{
			name:           "non receipt with delivered tracking",
			typ:            domain.DisputeNonReceipt,
			tracking:       "TRK-1",
			vendorResponse: deliveredEv,
			wantResolution: domain.ResolutionVendorWins,
			wantConfidence: 0.95,
		},
		{
			name:           "non receipt untracked refunds",
			typ:            domain.DisputeNonReceipt,
			wantResolution: domain.ResolutionFullRefund,
			wantConfidence: 0.90,
		},
		{
			name:           "quality buyer photos unanswered",
			typ:            domain.DisputeQuality,
			tracking:       "TRK-1",
			buyerEvidence:  photos,
			wantResolution: domain.ResolutionFullRefund,
			wantConfidence: 0.85,
		},
		{
			name:           "quality photos on both sides escalates",
			typ:            domain.DisputeQuality,
			tracking:       "TRK-1",
			buyerEvidence:  photos,
			vendorResponse: domain.DisputeEvidence{Photos: []string{"fine.jpg"}},
			wantEscalated:  true,
			wantConfidence: 0.50,
		},
		{
			name:           "logistics refunds",
			typ:            domain.DisputeLogistics,
			tracking:       "TRK-1",
			wantResolution: domain.ResolutionFullRefund,
			wantConfidence: 0.80,
		},
		{
			name:           "change of mind never refunds",
			typ:            domain.DisputeChangeOfMind,
			tracking:       "TRK-1",
			wantResolution: domain.ResolutionNoRefund,
			wantConfidence: 1.00,
		},
		{
			name:          "other escalates",
			typ:           domain.DisputeOther,
			tracking:      "TRK-1",
			wantEscalated: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			o := f.deliveredOrder(t, tt.tracking)
			d := f.openDispute(t, o.OrderID, tt.typ, tt.buyerEvidence)

			if err := f.svc.SubmitVendorResponse(ctx, d.DisputeID, f.vendor, tt.vendorResponse); err != nil {
				t.Fatalf("SubmitVendorResponse: %v", err)
			}
			got, err := f.svc.GetDispute(ctx, d.DisputeID)
			if err != nil {
				t.Fatalf("GetDispute: %v", err)
			}
			if tt.wantEscalated {
				if got.Status != domain.DisputeArbitration {
					t.Fatalf("status = %s, want arbitration", got.Status)
				}
				return
			}
			if got.Status != domain.DisputeResolved {
				t.Fatalf("status = %s, want resolved", got.Status)
			}
			if got.Resolution == nil || *got.Resolution != tt.wantResolution {
				t.Fatalf("resolution = %v, want %s", got.Resolution, tt.wantResolution)
			}
			if got.Confidence != tt.wantConfidence {
				t.Fatalf("confidence = %v, want %v", got.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestResolutionSettlesEscrowAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// full refund path
	o := f.deliveredOrder(t, "TRK-1")
	d := f.openDispute(t, o.OrderID, domain.DisputeQuality, domain.DisputeEvidence{Photos: []string{"p.jpg"}})
	if err := f.svc.SubmitVendorResponse(ctx, d.DisputeID, f.vendor, domain.DisputeEvidence{}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	e, err := f.orders.GetEscrow(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if e.Status != domain.EscrowRefunded {
		t.Fatalf("escrow = %s, want refunded", e.Status)
	}
	got, _ := f.orders.Get(ctx, o.OrderID)
	if got.Status != domain.OrderRefunded {
		t.Fatalf("order = %s, want refunded", got.Status)
	}

	// vendor wins path
	o2 := f.deliveredOrder(t, "TRK-2")
	d2 := f.openDispute(t, o2.OrderID, domain.DisputeChangeOfMind, domain.DisputeEvidence{})
	if err := f.svc.SubmitVendorResponse(ctx, d2.DisputeID, f.vendor, domain.DisputeEvidence{}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	e2, _ := f.orders.GetEscrow(ctx, o2.OrderID)
	if e2.Status != domain.EscrowReleased {
		t.Fatalf("escrow = %s, want released", e2.Status)
	}
	got2, _ := f.orders.Get(ctx, o2.OrderID)
	if got2.Status != domain.OrderCompleted {
		t.Fatalf("order = %s, want completed", got2.Status)
	}
	if got2.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
}

func TestDisputeReputationImpact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, "TRK-1")
	d := f.openDispute(t, o.OrderID, domain.DisputeQuality, domain.DisputeEvidence{Photos: []string{"p.jpg"}})
	if err := f.svc.SubmitVendorResponse(ctx, d.DisputeID, f.vendor, domain.DisputeEvidence{}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	events, err := f.rep.History(ctx, f.vendor, domain.RepEventDispute, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("dispute events = %d, want 1", len(events))
	}
	if events[0].Payload["severity"] != "major" || events[0].Payload["outcome"] != "lost" {
		t.Fatalf("payload = %v, want major/lost", events[0].Payload)
	}
}

func TestArbitrate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, "TRK-1")
	d := f.openDispute(t, o.OrderID, domain.DisputeQuality, domain.DisputeEvidence{Photos: []string{"p.jpg"}})
	if err := f.svc.SubmitVendorResponse(ctx, d.DisputeID, f.vendor, domain.DisputeEvidence{Photos: []string{"v.jpg"}}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	// only arbitration-status disputes take a manual verdict
	if err := f.svc.Arbitrate(ctx, d.DisputeID, "arb-1", domain.ResolutionFullRefund, "buyer evidence conclusive"); err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	got, _ := f.svc.GetDispute(ctx, d.DisputeID)
	if got.Status != domain.DisputeResolved || got.Resolution == nil || *got.Resolution != domain.ResolutionFullRefund {
		t.Fatalf("dispute = %s/%v, want resolved/full_refund", got.Status, got.Resolution)
	}
	if got.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", got.Confidence)
	}
	e, _ := f.orders.GetEscrow(ctx, o.OrderID)
	if e.Status != domain.EscrowRefunded {
		t.Fatalf("escrow = %s, want refunded", e.Status)
	}

	if err := f.svc.Arbitrate(ctx, d.DisputeID, "arb-1", domain.ResolutionNoRefund, "again"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second verdict: err = %v, want ErrInvalidTransition", err)
	}
}

func TestVendorTimeoutSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, "TRK-1")
	d := f.openDispute(t, o.OrderID, domain.DisputeQuality, domain.DisputeEvidence{Photos: []string{"p.jpg"}})

	// before the deadline nothing happens
	if err := f.svc.EscalateVendorTimeouts(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := f.svc.GetDispute(ctx, d.DisputeID)
	if got.Status != domain.DisputeAwaitingVendor {
		t.Fatalf("status = %s, want awaiting_vendor", got.Status)
	}

	f.now = f.now.Add(49 * time.Hour)
	if err := f.svc.EscalateVendorTimeouts(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ = f.svc.GetDispute(ctx, d.DisputeID)
	if got.Status != domain.DisputeResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
	// quality claim with buyer photos and no vendor answer refunds in full
	if got.Resolution == nil || *got.Resolution != domain.ResolutionFullRefund {
		t.Fatalf("resolution = %v, want full_refund", got.Resolution)
	}

	evs, err := f.svc.DisputeHistory(ctx, d.DisputeID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sawTimeout bool
	for _, ev := range evs {
		if ev.Kind == "vendor_timeout" {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatal("no vendor_timeout event recorded")
	}
}

func TestSealedRatings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, "TRK-1")

	// not ratable before the order finishes
	err := f.svc.SubmitRating(ctx, RatingInput{OrderID: o.OrderID, RaterDID: f.buyer, Rating: 5})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("early rating: err = %v, want ErrInvalidTransition", err)
	}
	if err := f.orders.Complete(ctx, o.OrderID, f.buyer); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := f.svc.SubmitRating(ctx, RatingInput{OrderID: o.OrderID, RaterDID: "did:ocx:stranger", Rating: 5}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger rating: err = %v, want ErrForbidden", err)
	}
	if err := f.svc.SubmitRating(ctx, RatingInput{OrderID: o.OrderID, RaterDID: f.buyer, Rating: 6}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("out of range: err = %v, want ErrInvalidInput", err)
	}

	if err := f.svc.SubmitRating(ctx, RatingInput{OrderID: o.OrderID, RaterDID: f.buyer, Rating: 4, Comment: "solid"}); err != nil {
		t.Fatalf("buyer rating: %v", err)
	}
	if err := f.svc.SubmitRating(ctx, RatingInput{OrderID: o.OrderID, RaterDID: f.buyer, Rating: 5}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("double rating: err = %v, want ErrConflict", err)
	}

	// sealed: vendor cannot see the buyer's entry yet
	r, err := f.svc.GetRating(ctx, o.OrderID, f.vendor)
	if err != nil {
		t.Fatalf("GetRating: %v", err)
	}
	if r.BuyerRating != nil {
		t.Fatal("buyer rating visible to vendor before reveal")
	}
	mine, err := f.svc.GetRating(ctx, o.OrderID, f.buyer)
	if err != nil {
		t.Fatalf("GetRating own: %v", err)
	}
	if mine.BuyerRating == nil || mine.BuyerRating.Rating != 4 {
		t.Fatal("buyer cannot see own sealed rating")
	}

	if err := f.svc.SubmitRating(ctx, RatingInput{OrderID: o.OrderID, RaterDID: f.vendor, Rating: 5}); err != nil {
		t.Fatalf("vendor rating: %v", err)
	}
	r, err = f.svc.GetRating(ctx, o.OrderID, f.vendor)
	if err != nil {
		t.Fatalf("GetRating after reveal: %v", err)
	}
	if !r.Revealed() || r.BuyerRating == nil || r.VendorRating == nil {
		t.Fatal("rating not revealed after both sides submitted")
	}

	// both parties got a reputation rating event
	vendorEvents, err := f.rep.History(ctx, f.vendor, domain.RepEventRating, 10)
	if err != nil {
		t.Fatalf("vendor history: %v", err)
	}
	if len(vendorEvents) != 1 {
		t.Fatalf("vendor rating events = %d, want 1", len(vendorEvents))
	}
	buyerEvents, err := f.rep.History(ctx, f.buyer, domain.RepEventRating, 10)
	if err != nil {
		t.Fatalf("buyer history: %v", err)
	}
	if len(buyerEvents) != 1 {
		t.Fatalf("buyer rating events = %d, want 1", len(buyerEvents))
	}
}

func TestRatingRevealSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, "TRK-1")
	if err := f.orders.Complete(ctx, o.OrderID, f.buyer); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := f.svc.SubmitRating(ctx, RatingInput{OrderID: o.OrderID, RaterDID: f.buyer, Rating: 3}); err != nil {
		t.Fatalf("buyer rating: %v", err)
	}

	f.now = f.now.Add(6 * 24 * time.Hour)
	if err := f.svc.RevealDueRatings(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	r, _ := f.svc.GetRating(ctx, o.OrderID, f.vendor)
	if r.Revealed() {
		t.Fatal("revealed before the sealed window elapsed")
	}

	f.now = f.now.Add(2 * 24 * time.Hour)
	if err := f.svc.RevealDueRatings(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	r, _ = f.svc.GetRating(ctx, o.OrderID, f.vendor)
	if !r.Revealed() {
		t.Fatal("not revealed after the sealed window")
	}
	if r.BuyerRating == nil || r.BuyerRating.Rating != 3 {
		t.Fatal("buyer entry missing after timeout reveal")
	}
}

func TestRatingAfterRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, "TRK-1")
	d := f.openDispute(t, o.OrderID, domain.DisputeLogistics, domain.DisputeEvidence{})
	if err := f.svc.SubmitVendorResponse(ctx, d.DisputeID, f.vendor, domain.DisputeEvidence{}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	// refunded orders are still ratable
	if err := f.svc.SubmitRating(ctx, RatingInput{OrderID: o.OrderID, RaterDID: f.buyer, Rating: 1, Comment: "lost parcel"}); err != nil {
		t.Fatalf("rating on refunded order: %v", err)
	}
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ocx/marketd/internal/domain"
)

func TestMemoryUniqueConstraints(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now()

	err := store.Update(ctx, func(tx Tx) error {
		o := &domain.Order{OrderID: "o1", OrderNumber: "ORD-1", Status: domain.OrderDraft, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertOrder(o); err != nil {
			return err
		}
		dup := &domain.Order{OrderID: "o2", OrderNumber: "ORD-1", Status: domain.OrderDraft, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertOrder(dup); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("duplicate order_number should conflict, got %v", err)
		}

		e := &domain.Escrow{EscrowID: "e1", OrderID: "o1", Status: domain.EscrowHeld, CreatedAt: now, ReleaseScheduledAt: now}
		if err := tx.InsertEscrow(e); err != nil {
			return err
		}
		e2 := &domain.Escrow{EscrowID: "e2", OrderID: "o1", Status: domain.EscrowHeld, CreatedAt: now, ReleaseScheduledAt: now}
		if err := tx.InsertEscrow(e2); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("second escrow for order should conflict, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryQuotePartialUniqueness(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now()

	err := store.Update(ctx, func(tx Tx) error {
		q1 := &domain.Quote{QuoteID: "q1", OrderID: "o1", ProviderID: "p1", Status: domain.QuotePending, ValidUntil: now.Add(time.Hour), CreatedAt: now}
		if err := tx.InsertQuote(q1); err != nil {
			return err
		}
		q2 := &domain.Quote{QuoteID: "q2", OrderID: "o1", ProviderID: "p1", Status: domain.QuotePending, ValidUntil: now.Add(time.Hour), CreatedAt: now}
		if err := tx.InsertQuote(q2); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("second pending quote per (order, provider) should conflict, got %v", err)
		}
		// A second quote from another provider is fine.
		q3 := &domain.Quote{QuoteID: "q3", OrderID: "o1", ProviderID: "p2", Status: domain.QuotePending, ValidUntil: now.Add(time.Hour), CreatedAt: now}
		if err := tx.InsertQuote(q3); err != nil {
			return err
		}

		q1.Status = domain.QuoteAccepted
		if err := tx.UpdateQuote(q1); err != nil {
			return err
		}
		q3.Status = domain.QuoteAccepted
		if err := tx.UpdateQuote(q3); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("second accepted quote per order should conflict, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryExternalEventDedupe(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	store.Update(ctx, func(tx Tx) error {
		first, err := tx.MarkExternalEvent("payment", "evt-1")
		if err != nil || !first {
			t.Errorf("first mark should return true, got %v/%v", first, err)
		}
		second, err := tx.MarkExternalEvent("payment", "evt-1")
		if err != nil || second {
			t.Errorf("replay should return false, got %v/%v", second, err)
		}
		other, _ := tx.MarkExternalEvent("shipment", "evt-1")
		if !other {
			t.Error("same event id in a different scope is a distinct event")
		}
		return nil
	})
}

func TestMemoryReturnsClones(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now()
	store.Update(ctx, func(tx Tx) error {
		return tx.InsertOrder(&domain.Order{OrderID: "o1", OrderNumber: "N1", Status: domain.OrderDraft, CreatedAt: now, UpdatedAt: now})
	})

	store.View(ctx, func(tx Tx) error {
		o, _ := tx.GetOrder("o1")
		o.Status = domain.OrderCompleted // must not leak into the store
		return nil
	})
	store.View(ctx, func(tx Tx) error {
		o, _ := tx.GetOrder("o1")
		if o.Status != domain.OrderDraft {
			t.Errorf("stored order mutated through a returned copy: %s", o.Status)
		}
		return nil
	})
}

func TestMemoryDisputeEvidenceCloned(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now()
	store.Update(ctx, func(tx Tx) error {
		return tx.InsertDispute(&domain.Dispute{
			DisputeID: "d1",
			OrderID:   "o1",
			Status:    domain.DisputeAwaitingVendor,
			Evidence:  domain.DisputeEvidence{Photos: []string{"a.jpg"}},
			CreatedAt: now,
		})
	})

	store.View(ctx, func(tx Tx) error {
		d, _ := tx.GetDispute("d1")
		d.Evidence.Photos[0] = "tampered.jpg"
		return nil
	})
	store.View(ctx, func(tx Tx) error {
		d, _ := tx.GetDispute("d1")
		if d.Evidence.Photos[0] != "a.jpg" {
			t.Errorf("stored evidence mutated through a returned copy: %v", d.Evidence.Photos)
		}
		return nil
	})
}

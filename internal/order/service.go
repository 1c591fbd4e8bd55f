// Package order owns the order lifecycle and the escrow bound to it. The
// twelve-state machine in internal/domain is the single source of truth;
// every mutation here runs in one store transaction under the order's row
// lock, and money never moves without a matching status-log entry.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/identity"
	"github.com/ocx/marketd/internal/params"
	"github.com/ocx/marketd/internal/ports"
	"github.com/ocx/marketd/internal/storage"
)

// Payment fee schedule, applied to the subtotal in minor units.
const (
	stripeFeePercent    = 2.9
	stripeFeeFixed      = 30 // minor units
	lightningFeePercent = 0.1

	orderNumberRetries = 5

	// autoReleaseReason is stamped on escrows settled by the sweep.
	autoReleaseReason = "auto-release after hold"
)

// base36 alphabet for the order-number suffix.
const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// Service implements the order and escrow operations.
type Service struct {
	store      storage.Store
	identities *identity.Service
	params     *params.Service
	gateway    ports.PaymentGateway
	oracle     ports.RateOracle
	catalog    ports.Catalog
	index      ports.CatalogIndex
	emitter    events.Emitter
	metrics    *Metrics

	nowFn func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(store storage.Store, ids *identity.Service, p *params.Service, gateway ports.PaymentGateway, oracle ports.RateOracle, catalog ports.Catalog, index ports.CatalogIndex, emitter events.Emitter, metrics *Metrics) *Service {
	return &Service{
		store:      store,
		identities: ids,
		params:     p,
		gateway:    gateway,
		oracle:     oracle,
		catalog:    catalog,
		index:      index,
		emitter:    emitter,
		metrics:    metrics,
		nowFn:      time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetNowFunc overrides the clock; tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// ItemInput is one order line as submitted by the buyer.
type ItemInput struct {
	ProductID    string
	Description  string
	Quantity     int64
	PricePerUnit int64
}

// CreateInput carries everything needed to open an order.
type CreateInput struct {
	BuyerDID        string
	VendorDID       string
	ClientID        string
	Type            domain.OrderType
	Items           []ItemInput
	Currency        string
	ShippingAddress map[string]interface{}
	PaymentMethod   domain.PaymentMethod
}

// Create validates the participants, computes the money, and opens the
// order in payment_pending.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Order, error) {
	if err := s.params.RequireActive(ctx); err != nil {
		return nil, err
	}
	if !in.Type.Valid() {
		return nil, domain.InvalidFieldError("type", "unknown order type")
	}
	if len(in.Items) == 0 {
		return nil, domain.InvalidFieldError("items", "at least one item required")
	}
	if strings.TrimSpace(in.Currency) == "" {
		return nil, domain.InvalidFieldError("currency", "required")
	}
	if in.BuyerDID == in.VendorDID {
		return nil, domain.InvalidFieldError("vendor_did", "buyer and vendor must differ")
	}
	for _, did := range []string{in.BuyerDID, in.VendorDID} {
		ok, err := s.identities.CanTransact(ctx, did)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("identity %s may not transact: %w", did, domain.ErrForbidden)
		}
	}

	items := make([]domain.OrderItem, 0, len(in.Items))
	var subtotal int64
	for i, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, domain.InvalidFieldError(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
		if it.PricePerUnit < 0 {
			return nil, domain.InvalidFieldError(fmt.Sprintf("items[%d].price_per_unit", i), "must be non-negative")
		}
		if err := s.checkProduct(ctx, i, it.ProductID, in.VendorDID); err != nil {
			return nil, err
		}
		total := it.Quantity * it.PricePerUnit
		items = append(items, domain.OrderItem{
			ProductID:    it.ProductID,
			Description:  it.Description,
			Quantity:     it.Quantity,
			PricePerUnit: it.PricePerUnit,
			TotalPrice:   total,
		})
		subtotal += total
	}

	fees, err := s.computeFees(ctx, subtotal, in.PaymentMethod)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	o := &domain.Order{
		OrderID:         uuid.NewString(),
		BuyerDID:        in.BuyerDID,
		VendorDID:       in.VendorDID,
		ClientID:        in.ClientID,
		Type:            in.Type,
		Items:           items,
		Currency:        strings.ToUpper(in.Currency),
		Subtotal:        subtotal,
		Fees:            fees,
		Total:           subtotal + fees.Total,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		Status:          domain.OrderPaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Order numbers collide on the ms window; retry with a fresh suffix.
	for attempt := 0; ; attempt++ {
		o.OrderNumber = s.orderNumber(now)
		err = s.store.Update(ctx, func(tx storage.Tx) error {
			if err := tx.InsertOrder(o); err != nil {
				return err
			}
			return tx.AppendStatusChange(&domain.StatusChange{
				OrderID:   o.OrderID,
				From:      domain.OrderDraft,
				To:        domain.OrderPaymentPending,
				ChangedBy: in.BuyerDID,
				Reason:    "order created",
				Timestamp: now,
			})
		})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= orderNumberRetries-1 {
			return nil, err
		}
	}

	s.metrics.RecordCreated(string(o.Type), string(o.PaymentMethod))
	s.emitStatus(o, domain.OrderDraft, "order created")
	return o, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var o *domain.Order
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		o, err = tx.GetOrder(orderID)
		return err
	})
	return o, err
}

// StatusLog returns the append-only status history of an order.
func (s *Service) StatusLog(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	var log []domain.StatusChange
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetOrder(orderID); err != nil {
			return err
		}
		var err error
		log, err = tx.ListStatusChanges(orderID)
		return err
	})
	return log, err
}

// GetEscrow returns the escrow bound to an order.
func (s *Service) GetEscrow(ctx context.Context, orderID string) (*domain.Escrow, error) {
	var e *domain.Escrow
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		e, err = tx.GetEscrowByOrder(orderID)
		return err
	})
	return e, err
}

// Pay settles an order from a payment proof: the gateway verifies it, the
// order moves payment_pending → paid, and the escrow opens with the
// governing params frozen in. Replays of the same proof source id are
// no-ops.
func (s *Service) Pay(ctx context.Context, orderID string, proof *ports.PaymentProof) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	if proof == nil || proof.SourceID == "" {
		return domain.InvalidFieldError("proof.source_id", "required for idempotence")
	}

	verifyStart := s.nowFn()
	ok, err := s.verifyPayment(ctx, proof)
	s.metrics.RecordPaymentVerify(string(proof.Method), verifyResult(ok, err), time.Since(verifyStart).Seconds())
	if err != nil {
		return err
	}

	rules, err := s.escrowRules(ctx)
	if err != nil {
		return err
	}

	now := s.nowFn()
	var (
		order   *domain.Order
		escrow  *domain.Escrow
		applied bool
	)
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			return err
		}
		target := domain.OrderPaid
		if !ok {
			target = domain.OrderPaymentFailed
		}
		// The dedupe mark goes in only once the callback is known to apply,
		// so a rejected call does not consume the source id. A replay after
		// the order moved on lands in the invalid branch and is swallowed.
		if !domain.OrderCanTransition(o.Status, target) {
			if first, err := tx.MarkExternalEvent("payment", proof.SourceID); err != nil {
				return err
			} else if !first {
				return nil
			}
			return domain.InvalidTransitionError("order", o.Status, target)
		}
		first, err := tx.MarkExternalEvent("payment", proof.SourceID)
		if err != nil {
			return err
		}
		if !first {
			return nil // replayed callback
		}
		applied = true

		if !ok {
			// Verified-false proofs park the order in payment_failed so the
			// buyer can retry with a fresh payment.
			if err := s.applyTransition(tx, o, domain.OrderPaymentFailed, "payment_gateway", "verification failed", nil, now); err != nil {
				return err
			}
			order = o
			return nil
		}

		if err := s.applyTransition(tx, o, domain.OrderPaid, "payment_gateway", "payment verified", map[string]interface{}{
			"source_id": proof.SourceID,
			"method":    string(proof.Method),
		}, now); err != nil {
			return err
		}
		o.PaidAt = &now
		if err := tx.UpdateOrder(o); err != nil {
			return err
		}

		escrow, err = CreateEscrowInTx(tx, o, rules, now)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if !ok {
		s.emitStatus(order, domain.OrderPaymentPending, "verification failed")
		return fmt.Errorf("payment proof rejected: %w", domain.ErrInvalidInput)
	}
	s.emitStatus(order, domain.OrderPaymentPending, "payment verified")
	s.emit(events.TypeEscrowHeld, order.OrderID, map[string]interface{}{
		"escrow_id":            escrow.EscrowID,
		"amount":               escrow.Amount,
		"currency":             escrow.Currency,
		"release_scheduled_at": escrow.ReleaseScheduledAt,
	})
	return nil
}

// RetryPayment re-opens a failed payment; buyer only.
func (s *Service) RetryPayment(ctx context.Context, orderID, caller string) error {
	return s.transition(ctx, orderID, domain.OrderPaymentPending, caller, "payment retry", func(o *domain.Order) error {
		if caller != o.BuyerDID {
			return fmt.Errorf("only the buyer may retry payment: %w", domain.ErrForbidden)
		}
		return nil
	})
}

// Confirm acknowledges a paid order; vendor only.
func (s *Service) Confirm(ctx context.Context, orderID, caller string) error {
	return s.transition(ctx, orderID, domain.OrderConfirmed, caller, "vendor confirmed", func(o *domain.Order) error {
		if caller != o.VendorDID {
			return fmt.Errorf("only the vendor may confirm: %w", domain.ErrForbidden)
		}
		return nil
	})
}

// StartProcessing marks the vendor working on a confirmed order.
func (s *Service) StartProcessing(ctx context.Context, orderID, caller string) error {
	return s.transition(ctx, orderID, domain.OrderProcessing, caller, "vendor processing", func(o *domain.Order) error {
		if caller != o.VendorDID {
			return fmt.Errorf("only the vendor may start processing: %w", domain.ErrForbidden)
		}
		return nil
	})
}

// Ship moves a processing order to shipped; vendor only. Tracking is
// optional; untracked shipping exists, and its absence feeds the
// non-receipt dispute rules.
func (s *Service) Ship(ctx context.Context, orderID, caller, trackingNumber, providerID string) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	now := s.nowFn()
	var order *domain.Order
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			return err
		}
		if caller != o.VendorDID {
			return fmt.Errorf("only the vendor may ship: %w", domain.ErrForbidden)
		}
		o.TrackingNumber = trackingNumber
		o.LogisticsProviderID = providerID
		if err := s.applyTransition(tx, o, domain.OrderShipped, caller, "shipped", map[string]interface{}{
			"tracking_number":       trackingNumber,
			"logistics_provider_id": providerID,
		}, now); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}
	s.emitStatus(order, domain.OrderProcessing, "shipped")
	return nil
}

// MarkDelivered records delivery. changedBy is the buyer, the bound
// logistics provider, or "shipment" when driven by a tracking event.
// eventID, when set, dedupes external shipment callbacks.
func (s *Service) MarkDelivered(ctx context.Context, orderID, changedBy, eventID string) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	now := s.nowFn()
	var (
		order   *domain.Order
		applied = true
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		if eventID != "" {
			first, err := tx.MarkExternalEvent("delivery", eventID)
			if err != nil {
				return err
			}
			if !first {
				applied = false
				return nil
			}
		}
		o, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			return err
		}
		if changedBy != o.BuyerDID && changedBy != o.LogisticsProviderID && changedBy != "shipment" {
			return fmt.Errorf("caller may not mark delivery: %w", domain.ErrForbidden)
		}
		if err := s.applyTransition(tx, o, domain.OrderDelivered, changedBy, "delivered", nil, now); err != nil {
			return err
		}
		o.DeliveredAt = &now
		if err := tx.UpdateOrder(o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil || !applied {
		return err
	}
	s.emitStatus(order, domain.OrderShipped, "delivered")
	return nil
}

// Complete closes a delivered order and releases the escrow; buyer or
// system.
func (s *Service) Complete(ctx context.Context, orderID, caller string) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	now := s.nowFn()
	var (
		order  *domain.Order
		escrow *domain.Escrow
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			return err
		}
		if caller != o.BuyerDID && caller != "system" {
			return fmt.Errorf("only the buyer may complete: %w", domain.ErrForbidden)
		}
		if err := s.applyTransition(tx, o, domain.OrderCompleted, caller, "completed", nil, now); err != nil {
			return err
		}
		o.CompletedAt = &now
		if err := tx.UpdateOrder(o); err != nil {
			return err
		}
		e, err := tx.GetEscrowByOrder(orderID)
		if err == nil && e.Status == domain.EscrowHeld {
			escrow, err = TransitionEscrowInTx(tx, orderID, domain.EscrowReleased, "order completed", now)
			if err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}

	s.emitStatus(order, domain.OrderDelivered, "completed")
	if escrow != nil {
		s.metrics.RecordEscrowSettled(string(domain.EscrowReleased))
		s.emit(events.TypeEscrowReleased, orderID, map[string]interface{}{
			"escrow_id": escrow.EscrowID,
			"amount":    escrow.Amount,
			"reason":    escrow.ReleaseReason,
		})
	}
	s.syncCatalog(order)
	return nil
}

// Cancel ends a cancellable order; buyer or vendor, with reason. A held
// escrow is refunded through the gateway first.
func (s *Service) Cancel(ctx context.Context, orderID, caller, reason string) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return domain.InvalidFieldError("reason", "required")
	}

	now := s.nowFn()
	var (
		order  *domain.Order
		from   domain.OrderStatus
		escrow *domain.Escrow
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			return err
		}
		if caller != o.BuyerDID && caller != o.VendorDID {
			return fmt.Errorf("only a participant may cancel: %w", domain.ErrForbidden)
		}
		if !domain.OrderCancellable(o.Status) {
			return domain.InvalidTransitionError("order", o.Status, domain.OrderCancelled)
		}
		from = o.Status
		if err := s.applyTransition(tx, o, domain.OrderCancelled, caller, reason, nil, now); err != nil {
			return err
		}
		e, err := tx.GetEscrowByOrder(orderID)
		if err == nil && e.Status == domain.EscrowHeld {
			escrow, err = TransitionEscrowInTx(tx, orderID, domain.EscrowRefunded, "order cancelled", now)
			if err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}

	s.emitStatus(order, from, reason)
	if escrow != nil {
		s.metrics.RecordEscrowSettled(string(domain.EscrowRefunded))
		s.refundThroughGateway(ctx, escrow)
		s.emit(events.TypeEscrowRefunded, orderID, map[string]interface{}{
			"escrow_id": escrow.EscrowID,
			"amount":    escrow.Amount,
			"reason":    "order cancelled",
		})
	}
	return nil
}

// ReleaseDueEscrows is the auto-release sweep body: held escrows past their
// schedule whose order is delivered with no open dispute are released and
// the order completed. Per-item failures are logged and skipped.
func (s *Service) ReleaseDueEscrows(ctx context.Context) error {
	now := s.nowFn()
	var due []domain.Escrow
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		due, err = tx.ListReleasableEscrows(now)
		return err
	})
	if err != nil {
		return err
	}

	for _, e := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.autoRelease(ctx, e.OrderID, now); err != nil {
			slog.Warn("escrow auto-release skipped", "order_id", e.OrderID, "error", err)
		}
	}
	return nil
}

func (s *Service) autoRelease(ctx context.Context, orderID string, now time.Time) error {
	var (
		order  *domain.Order
		escrow *domain.Escrow
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderDelivered {
			return nil // not eligible yet (or anymore); next sweep re-checks
		}
		e, err := tx.GetEscrowByOrder(orderID)
		if err != nil {
			return err
		}
		if e.Status != domain.EscrowHeld || e.ReleaseScheduledAt.After(now) {
			return nil
		}
		if d, err := tx.GetDisputeByOrder(orderID); err == nil {
			if d.Status != domain.DisputeResolved && d.Status != domain.DisputeClosed {
				return nil
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		escrow, err = TransitionEscrowInTx(tx, orderID, domain.EscrowReleased, autoReleaseReason, now)
		if err != nil {
			return err
		}
		if err := s.applyTransition(tx, o, domain.OrderCompleted, "system", autoReleaseReason, nil, now); err != nil {
			return err
		}
		o.CompletedAt = &now
		if err := tx.UpdateOrder(o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil || escrow == nil {
		return err
	}

	s.metrics.RecordEscrowSettled(string(domain.EscrowReleased))
	s.emitStatus(order, domain.OrderDelivered, autoReleaseReason)
	s.emit(events.TypeEscrowReleased, orderID, map[string]interface{}{
		"escrow_id": escrow.EscrowID,
		"amount":    escrow.Amount,
		"reason":    autoReleaseReason,
	})
	return nil
}

// DisplayTotal converts an order's total for display via the rate oracle.
// Readings older than the staleness bound are a hard error.
func (s *Service) DisplayTotal(ctx context.Context, orderID, toCurrency string) (*ports.PriceQuote, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, ports.DefaultCallTimeout)
	defer cancel()
	quote, err := s.oracle.Convert(callCtx, o.Total, o.Currency, toCurrency)
	if err != nil {
		return nil, upstreamErr("rate oracle", err)
	}
	if s.nowFn().Sub(quote.Timestamp) > ports.MaxQuoteAge {
		return nil, fmt.Errorf("rate from %s is older than %s: %w", quote.Source, ports.MaxQuoteAge, domain.ErrUpstream)
	}
	return quote, nil
}

// InitializePayment asks the gateway for settlement instructions.
func (s *Service) InitializePayment(ctx context.Context, orderID, caller string) (*ports.PaymentInstructions, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if caller != o.BuyerDID {
		return nil, fmt.Errorf("only the buyer may initialize payment: %w", domain.ErrForbidden)
	}
	if o.Status != domain.OrderPaymentPending {
		return nil, domain.InvalidTransitionError("order", o.Status, domain.OrderPaid)
	}

	callCtx, cancel := context.WithTimeout(ctx, ports.DefaultCallTimeout)
	defer cancel()
	ins, err := s.gateway.Initialize(callCtx, orderID, o.Total, o.Currency, o.PaymentMethod)
	if err != nil {
		return nil, upstreamErr("payment gateway", err)
	}
	return ins, nil
}

// --- internals ---

// transition runs the common single-edge mutations: pause gate, row lock,
// per-edge authorization, table check, log append, emit.
func (s *Service) transition(ctx context.Context, orderID string, to domain.OrderStatus, changedBy, reason string, authorize func(*domain.Order) error) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	now := s.nowFn()
	var (
		order *domain.Order
		from  domain.OrderStatus
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			return err
		}
		if err := authorize(o); err != nil {
			return err
		}
		from = o.Status
		if err := s.applyTransition(tx, o, to, changedBy, reason, nil, now); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return err
	}
	s.emitStatus(order, from, reason)
	return nil
}

// applyTransition validates the edge against the authoritative table,
// mutates the row and appends the status log entry.
func (s *Service) applyTransition(tx storage.Tx, o *domain.Order, to domain.OrderStatus, changedBy, reason string, metadata map[string]interface{}, now time.Time) error {
	from := o.Status
	if err := ApplyTransitionInTx(tx, o, to, changedBy, reason, metadata, now); err != nil {
		return err
	}
	s.metrics.RecordTransition(string(from), string(to))
	return nil
}

// ApplyTransitionInTx is the shared transition primitive; the trust service
// uses it to move orders to disputed and out again inside its own
// transactions.
func ApplyTransitionInTx(tx storage.Tx, o *domain.Order, to domain.OrderStatus, changedBy, reason string, metadata map[string]interface{}, now time.Time) error {
	if !domain.OrderCanTransition(o.Status, to) {
		return domain.InvalidTransitionError("order", o.Status, to)
	}
	from := o.Status
	o.Status = to
	o.UpdatedAt = now
	if err := tx.UpdateOrder(o); err != nil {
		return err
	}
	return tx.AppendStatusChange(&domain.StatusChange{
		OrderID:   o.OrderID,
		From:      from,
		To:        to,
		ChangedBy: changedBy,
		Reason:    reason,
		Metadata:  metadata,
		Timestamp: now,
	})
}

func (s *Service) computeFees(ctx context.Context, subtotal int64, method domain.PaymentMethod) (domain.OrderFees, error) {
	protocolPct, err := s.params.GetFloat(ctx, params.ProtocolFeePercentage)
	if err != nil {
		return domain.OrderFees{}, err
	}
	clientPct, err := s.params.GetFloat(ctx, params.ClientFeePercentage)
	if err != nil {
		return domain.OrderFees{}, err
	}

	fees := domain.OrderFees{
		ProtocolFee: domain.PercentOf(subtotal, protocolPct),
		ClientFee:   domain.PercentOf(subtotal, clientPct),
		PaymentFee:  paymentFee(subtotal, method),
	}
	fees.Total = fees.ProtocolFee + fees.ClientFee + fees.PaymentFee
	return fees, nil
}

// checkProduct resolves a catalog listing when the line references one and
// rejects listings that do not belong to the order's vendor. Free-text lines
// (empty product id) skip the lookup.
func (s *Service) checkProduct(ctx context.Context, idx int, productID, vendorDID string) error {
	if productID == "" || s.catalog == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, ports.DefaultCallTimeout)
	defer cancel()
	p, err := s.catalog.GetProduct(callCtx, productID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.InvalidFieldError(fmt.Sprintf("items[%d].product_id", idx), "unknown product")
	}
	if err != nil {
		return fmt.Errorf("catalog lookup for %s: %w", productID, err)
	}
	if p.VendorDID != vendorDID {
		return fmt.Errorf("product %s is not listed by vendor %s: %w", productID, vendorDID, domain.ErrForbidden)
	}
	return nil
}

func paymentFee(subtotal int64, method domain.PaymentMethod) int64 {
	switch method {
	case domain.PaymentStripe:
		return domain.PercentOf(subtotal, stripeFeePercent) + stripeFeeFixed
	case domain.PaymentLightning:
		return domain.PercentOf(subtotal, lightningFeePercent)
	default:
		return 0
	}
}

func (s *Service) escrowRules(ctx context.Context) (domain.EscrowRules, error) {
	holdDays, err := s.params.GetInt(ctx, params.EscrowHoldDurationDays)
	if err != nil {
		return domain.EscrowRules{}, err
	}
	windowDays, err := s.params.GetInt(ctx, params.DisputeWindowDays)
	if err != nil {
		return domain.EscrowRules{}, err
	}
	return domain.EscrowRules{
		HoldDurationDays:       holdDays,
		DisputeWindowDays:      windowDays,
		AutoReleaseIfNoDispute: true,
	}, nil
}

func (s *Service) verifyPayment(ctx context.Context, proof *ports.PaymentProof) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, ports.DefaultCallTimeout)
	defer cancel()
	ok, err := s.gateway.Verify(callCtx, proof.Method, proof)
	if err != nil {
		return false, upstreamErr("payment gateway", err)
	}
	return ok, nil
}

func (s *Service) refundThroughGateway(ctx context.Context, e *domain.Escrow) {
	if s.gateway == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, ports.DefaultCallTimeout)
	defer cancel()
	if _, err := s.gateway.Refund(callCtx, e.EscrowID, e.Amount); err != nil {
		// The escrow state is authoritative; the rail refund is retried by
		// operations if it fails here.
		slog.Error("gateway refund failed", "escrow_id", e.EscrowID, "error", err)
	}
}

func (s *Service) syncCatalog(o *domain.Order) {
	if s.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ports.DefaultCallTimeout)
	defer cancel()
	for _, item := range o.Items {
		err := s.index.Sync(ctx, &ports.CatalogIndexEntry{
			ProductID: item.ProductID,
			VendorDID: o.VendorDID,
			Fields: map[string]interface{}{
				"last_completed_order": o.OrderID,
				"last_sold_at":         o.UpdatedAt,
			},
		})
		if err != nil {
			slog.Warn("catalog sync failed", "product_id", item.ProductID, "error", err)
		}
	}
}

func (s *Service) orderNumber(now time.Time) string {
	ms := now.UnixMilli() % 1000000
	s.rngMu.Lock()
	suffix := make([]byte, 3)
	for i := range suffix {
		suffix[i] = base36[s.rng.Intn(len(base36))]
	}
	s.rngMu.Unlock()
	return fmt.Sprintf("ORD-%d-%06d-%s", now.Year(), ms, suffix)
}

func (s *Service) emitStatus(o *domain.Order, from domain.OrderStatus, reason string) {
	if s.emitter == nil || o == nil {
		return
	}
	s.emitter.Emit(events.TypeOrderStatusChanged, "order", o.OrderID, map[string]interface{}{
		"order_id":     o.OrderID,
		"order_number": o.OrderNumber,
		"from":         string(from),
		"to":           string(o.Status),
		"reason":       reason,
	})
}

func (s *Service) emit(eventType, orderID string, data map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(eventType, "order", orderID, data)
}

func upstreamErr(source string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", source, domain.ErrUpstreamTimeout)
	}
	return fmt.Errorf("%s: %v: %w", source, err, domain.ErrUpstream)
}

func verifyResult(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "verified"
	default:
		return "rejected"
	}
}

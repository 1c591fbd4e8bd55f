// Package logistics runs the shipping side of the spine: provider registry,
// the per-order quote auction, and shipment tracking. Quote acceptance is
// the serialization point of the auction: one accepted quote per order,
// enforced under the order's advisory lock.
package logistics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/identity"
	"github.com/ocx/marketd/internal/params"
	"github.com/ocx/marketd/internal/storage"
)

// Service implements the logistics operations.
type Service struct {
	store      storage.Store
	identities *identity.Service
	params     *params.Service
	emitter    events.Emitter
	metrics    *Metrics
	nowFn      func() time.Time
}

func New(store storage.Store, ids *identity.Service, p *params.Service, emitter events.Emitter, metrics *Metrics) *Service {
	return &Service{
		store:      store,
		identities: ids,
		params:     p,
		emitter:    emitter,
		metrics:    metrics,
		nowFn:      time.Now,
	}
}

// SetNowFunc overrides the clock; tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// ProviderInput carries a provider registration.
type ProviderInput struct {
	BusinessName       string
	IdentityDID        string
	ServiceRegions     []string
	ShippingMethods    []domain.ShippingMethod
	InsuranceAvailable bool
}

// RegisterProvider admits a shipping provider. The backing identity must be
// kyc-verified; one provider per identity.
func (s *Service) RegisterProvider(ctx context.Context, in ProviderInput) (*domain.LogisticsProvider, error) {
	if err := s.params.RequireActive(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.BusinessName) == "" {
		return nil, domain.InvalidFieldError("business_name", "required")
	}
	if len(in.ServiceRegions) == 0 {
		return nil, domain.InvalidFieldError("service_regions", "at least one region required")
	}
	if len(in.ShippingMethods) == 0 {
		return nil, domain.InvalidFieldError("shipping_methods", "at least one method required")
	}
	for _, m := range in.ShippingMethods {
		if !m.Valid() {
			return nil, domain.InvalidFieldError("shipping_methods", fmt.Sprintf("unknown method %q", m))
		}
	}

	id, err := s.identities.Get(ctx, in.IdentityDID)
	if err != nil {
		return nil, err
	}
	if id.Type != domain.IdentityKYC || id.Status != domain.VerificationVerified {
		return nil, fmt.Errorf("provider identity must be kyc-verified: %w", domain.ErrForbidden)
	}

	p := &domain.LogisticsProvider{
		ProviderID:         uuid.NewString(),
		BusinessName:       in.BusinessName,
		IdentityDID:        in.IdentityDID,
		ServiceRegions:     in.ServiceRegions,
		ShippingMethods:    in.ShippingMethods,
		InsuranceAvailable: in.InsuranceAvailable,
		CreatedAt:          s.nowFn(),
	}
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		return tx.InsertProvider(p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindProviders returns matches sorted by rating desc (nulls last), then
// total deliveries desc. The sort is the store's contract.
func (s *Service) FindProviders(ctx context.Context, filter storage.ProviderFilter) ([]domain.LogisticsProvider, error) {
	var out []domain.LogisticsProvider
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListProviders(filter)
		return err
	})
	return out, err
}

// UpdateProviderRating folds a delivery rating into the rolling mean and
// bumps the delivery count.
func (s *Service) UpdateProviderRating(ctx context.Context, providerID string, rating float64) error {
	if rating < 1 || rating > 5 {
		return domain.InvalidFieldError("rating", "must be in [1,5]")
	}
	return s.store.Update(ctx, func(tx storage.Tx) error {
		p, err := tx.GetProvider(providerID)
		if err != nil {
			return err
		}
		old := 0.0
		if p.AverageRating != nil {
			old = *p.AverageRating
		}
		avg := (old*float64(p.TotalDeliveries) + rating) / float64(p.TotalDeliveries+1)
		p.AverageRating = &avg
		p.TotalDeliveries++
		return tx.UpdateProvider(p)
	})
}

// QuoteInput carries one provider's bid for an order's shipping.
type QuoteInput struct {
	OrderID           string
	ProviderID        string
	Method            domain.ShippingMethod
	Price             int64
	Currency          string
	EstimatedDays     int
	InsuranceIncluded bool
	ValidHours        int
}

// SubmitQuote enters a bid into an order's auction. The order must be paid;
// one pending quote per provider and order.
func (s *Service) SubmitQuote(ctx context.Context, in QuoteInput) (*domain.Quote, error) {
	if err := s.params.RequireActive(ctx); err != nil {
		return nil, err
	}
	if !in.Method.Valid() {
		return nil, domain.InvalidFieldError("method", "unknown shipping method")
	}
	if in.Price <= 0 {
		return nil, domain.InvalidFieldError("price", "must be positive")
	}
	if in.ValidHours <= 0 {
		return nil, domain.InvalidFieldError("valid_hours", "must be positive")
	}

	now := s.nowFn()
	q := &domain.Quote{
		QuoteID:           uuid.NewString(),
		OrderID:           in.OrderID,
		ProviderID:        in.ProviderID,
		Method:            in.Method,
		Price:             in.Price,
		Currency:          strings.ToUpper(in.Currency),
		EstimatedDays:     in.EstimatedDays,
		InsuranceIncluded: in.InsuranceIncluded,
		Status:            domain.QuotePending,
		ValidUntil:        now.Add(time.Duration(in.ValidHours) * time.Hour),
		CreatedAt:         now,
	}
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrder(in.OrderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPaid {
			return domain.InvalidTransitionError("order", o.Status, domain.OrderPaid)
		}
		p, err := tx.GetProvider(in.ProviderID)
		if err != nil {
			return err
		}
		if !providerOffers(p, q.Method) {
			return fmt.Errorf("provider does not offer %s: %w", q.Method, domain.ErrInvalidInput)
		}
		return tx.InsertQuote(q)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordQuoteSubmitted(string(q.Method))
	s.emit(events.TypeQuoteSubmitted, in.OrderID, map[string]interface{}{
		"quote_id":    q.QuoteID,
		"provider_id": q.ProviderID,
		"price":       q.Price,
		"method":      string(q.Method),
	})
	return q, nil
}

// GetQuote returns a quote by id.
func (s *Service) GetQuote(ctx context.Context, quoteID string) (*domain.Quote, error) {
	var q *domain.Quote
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		q, err = tx.GetQuote(quoteID)
		return err
	})
	return q, err
}

// QuotesForOrder returns the order's pending, unexpired quotes, cheapest
// first.
func (s *Service) QuotesForOrder(ctx context.Context, orderID string) ([]domain.Quote, error) {
	now := s.nowFn()
	var out []domain.Quote
	err := s.store.View(ctx, func(tx storage.Tx) error {
		all, err := tx.ListQuotesByOrder(orderID)
		if err != nil {
			return err
		}
		for _, q := range all {
			if q.Status == domain.QuotePending && q.ValidUntil.After(now) {
				out = append(out, q)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

// AcceptQuote settles the auction: the chosen quote becomes accepted and
// every other pending quote for the order is rejected, atomically under the
// order's advisory lock. Re-accepting the already-accepted quote is a
// no-op.
func (s *Service) AcceptQuote(ctx context.Context, quoteID, caller string) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	now := s.nowFn()
	var (
		accepted *domain.Quote
		rejected int
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		q, err := tx.GetQuote(quoteID)
		if err != nil {
			return err
		}
		if err := tx.LockOrderQuotes(q.OrderID); err != nil {
			return err
		}
		o, err := tx.GetOrder(q.OrderID)
		if err != nil {
			return err
		}
		if caller != o.BuyerDID {
			return fmt.Errorf("only the buyer may accept a quote: %w", domain.ErrForbidden)
		}
		if q.Status == domain.QuoteAccepted {
			return nil // idempotent per quote_id
		}
		if q.Status != domain.QuotePending {
			return fmt.Errorf("quote is %s: %w", q.Status, domain.ErrConflict)
		}
		if !q.ValidUntil.After(now) {
			return fmt.Errorf("quote expired at %s: %w", q.ValidUntil, domain.ErrExpired)
		}
		if prior, err := tx.AcceptedQuoteForOrder(q.OrderID); err != nil {
			return err
		} else if prior != nil {
			return fmt.Errorf("order already has accepted quote %s: %w", prior.QuoteID, domain.ErrConflict)
		}

		q.Status = domain.QuoteAccepted
		if err := tx.UpdateQuote(q); err != nil {
			return err
		}
		siblings, err := tx.ListQuotesByOrder(q.OrderID)
		if err != nil {
			return err
		}
		for i := range siblings {
			sib := &siblings[i]
			if sib.QuoteID == q.QuoteID || sib.Status != domain.QuotePending {
				continue
			}
			sib.Status = domain.QuoteRejected
			if err := tx.UpdateQuote(sib); err != nil {
				return err
			}
			rejected++
		}
		accepted = q
		return nil
	})
	if err != nil || accepted == nil {
		return err
	}

	s.metrics.RecordQuoteSettled("accepted")
	for i := 0; i < rejected; i++ {
		s.metrics.RecordQuoteSettled("rejected")
	}
	s.emit(events.TypeQuoteAccepted, accepted.OrderID, map[string]interface{}{
		"quote_id":    accepted.QuoteID,
		"provider_id": accepted.ProviderID,
		"price":       accepted.Price,
	})
	return nil
}

// RejectQuote declines a single pending quote; buyer only.
func (s *Service) RejectQuote(ctx context.Context, quoteID, caller string) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		q, err := tx.GetQuote(quoteID)
		if err != nil {
			return err
		}
		o, err := tx.GetOrder(q.OrderID)
		if err != nil {
			return err
		}
		if caller != o.BuyerDID {
			return fmt.Errorf("only the buyer may reject a quote: %w", domain.ErrForbidden)
		}
		if q.Status != domain.QuotePending {
			return fmt.Errorf("quote is %s: %w", q.Status, domain.ErrConflict)
		}
		q.Status = domain.QuoteRejected
		return tx.UpdateQuote(q)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordQuoteSettled("rejected")
	return nil
}

// ExpireQuotes is the quote-expiry sweep body: pending quotes past
// valid_until become expired.
func (s *Service) ExpireQuotes(ctx context.Context) error {
	now := s.nowFn()
	var due []domain.Quote
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		due, err = tx.ListExpiredPendingQuotes(now)
		return err
	})
	if err != nil {
		return err
	}

	for _, q := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		quote := q
		err := s.store.Update(ctx, func(tx storage.Tx) error {
			cur, err := tx.GetQuote(quote.QuoteID)
			if err != nil {
				return err
			}
			if cur.Status != domain.QuotePending || cur.ValidUntil.After(now) {
				return nil
			}
			cur.Status = domain.QuoteExpired
			return tx.UpdateQuote(cur)
		})
		if err != nil {
			slog.Warn("quote expiry skipped", "quote_id", quote.QuoteID, "error", err)
			continue
		}
		s.metrics.RecordQuoteSettled("expired")
	}
	return nil
}

func providerOffers(p *domain.LogisticsProvider, method domain.ShippingMethod) bool {
	for _, m := range p.ShippingMethods {
		if m == method {
			return true
		}
	}
	return false
}

func (s *Service) emit(eventType, subject string, data map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(eventType, "logistics", subject, data)
}

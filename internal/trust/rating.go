package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/storage"
)

// sealedRevealWindow is how long a single-sided rating stays sealed before
// the sweep reveals it anyway.
const sealedRevealWindow = 7 * 24 * time.Hour

// RatingInput is one side's rating of the counterparty.
type RatingInput struct {
	OrderID    string
	RaterDID   string
	Rating     int
	Comment    string
	Categories map[string]int
}

// SubmitRating records one side's rating. Ratings stay sealed until both
// sides have submitted, then reveal atomically.
func (s *Service) SubmitRating(ctx context.Context, in RatingInput) error {
	if err := s.params.RequireActive(ctx); err != nil {
		return err
	}
	if in.Rating < 1 || in.Rating > 5 {
		return domain.InvalidFieldError("rating", "must be between 1 and 5")
	}
	for cat, v := range in.Categories {
		if v < 1 || v > 5 {
			return domain.InvalidFieldError("categories."+cat, "must be between 1 and 5")
		}
	}

	now := s.nowFn()
	var (
		side         string
		counterparty string
		revealed     bool
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		o, err := tx.GetOrder(in.OrderID)
		if err != nil {
			return err
		}
		switch o.Status {
		case domain.OrderCompleted, domain.OrderRefunded:
		default:
			return fmt.Errorf("order not finished: %w", domain.ErrInvalidTransition)
		}
		switch in.RaterDID {
		case o.BuyerDID:
			side, counterparty = "buyer", o.VendorDID
		case o.VendorDID:
			side, counterparty = "vendor", o.BuyerDID
		default:
			return fmt.Errorf("rater is not a party to the order: %w", domain.ErrForbidden)
		}

		r, err := tx.GetRatingByOrder(in.OrderID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			r = &domain.Rating{
				RatingID:  uuid.NewString(),
				OrderID:   in.OrderID,
				CreatedAt: now,
			}
			if err := tx.InsertRating(r); err != nil {
				return err
			}
		}

		entry := &domain.RatingEntry{
			RaterDID:    in.RaterDID,
			Rating:      in.Rating,
			Comment:     in.Comment,
			Categories:  in.Categories,
			SubmittedAt: now,
		}
		if side == "buyer" {
			if r.BuyerRating != nil {
				return fmt.Errorf("buyer already rated: %w", domain.ErrConflict)
			}
			r.BuyerRating = entry
		} else {
			if r.VendorRating != nil {
				return fmt.Errorf("vendor already rated: %w", domain.ErrConflict)
			}
			r.VendorRating = entry
		}
		if r.BuyerRating != nil && r.VendorRating != nil {
			r.RevealedAt = &now
			revealed = true
		}
		return tx.UpdateRating(r)
	})
	if err != nil {
		return err
	}

	s.metrics.RecordRatingSubmitted(side)
	if revealed {
		s.metrics.RecordRatingRevealed()
		s.emit(events.TypeRatingRevealed, in.OrderID, map[string]interface{}{
			"order_id": in.OrderID,
		})
	}
	s.appendRatingEvent(counterparty, in.OrderID, in.Rating)
	return nil
}

// GetRating returns an order's rating, redacted for the viewer while it is
// sealed: each party sees only their own submission until reveal.
func (s *Service) GetRating(ctx context.Context, orderID, viewerDID string) (*domain.Rating, error) {
	var r *domain.Rating
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		r, err = tx.GetRatingByOrder(orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r.Revealed() {
		return r, nil
	}
	redacted := *r
	if r.BuyerRating != nil && r.BuyerRating.RaterDID != viewerDID {
		redacted.BuyerRating = nil
	}
	if r.VendorRating != nil && r.VendorRating.RaterDID != viewerDID {
		redacted.VendorRating = nil
	}
	return &redacted, nil
}

// RevealDueRatings is the sweep body: single-sided ratings older than the
// sealed window reveal as-is.
func (s *Service) RevealDueRatings(ctx context.Context) error {
	now := s.nowFn()
	var due []domain.Rating
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		due, err = tx.ListUnrevealedRatings(now.Add(-sealedRevealWindow))
		return err
	})
	if err != nil {
		return err
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		orderID := r.OrderID
		var revealed bool
		err := s.store.Update(ctx, func(tx storage.Tx) error {
			cur, err := tx.GetRatingByOrder(orderID)
			if err != nil {
				return err
			}
			if cur.Revealed() || !ratingDue(cur, now) {
				return nil
			}
			cur.RevealedAt = &now
			revealed = true
			return tx.UpdateRating(cur)
		})
		if err != nil {
			slog.Warn("rating reveal skipped", "order_id", orderID, "error", err)
			continue
		}
		if revealed {
			s.metrics.RecordRatingRevealed()
			s.emit(events.TypeRatingRevealed, orderID, map[string]interface{}{
				"order_id": orderID,
				"timeout":  true,
			})
		}
	}
	return nil
}

// ratingDue reports whether the earliest submission is past the sealed
// window.
func ratingDue(r *domain.Rating, now time.Time) bool {
	var first *time.Time
	if r.BuyerRating != nil {
		first = &r.BuyerRating.SubmittedAt
	}
	if r.VendorRating != nil && (first == nil || r.VendorRating.SubmittedAt.Before(*first)) {
		first = &r.VendorRating.SubmittedAt
	}
	return first != nil && now.Sub(*first) >= sealedRevealWindow
}

// appendRatingEvent folds the rating into the counterparty's reputation.
// Runs post-commit; reputation opens its own transaction.
func (s *Service) appendRatingEvent(counterparty, orderID string, rating int) {
	if s.reputation == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.reputation.AppendEvent(ctx, counterparty, domain.RepEventRating, orderID, map[string]interface{}{
		"rating": rating,
	})
	if err != nil {
		slog.Warn("rating reputation event failed", "order_id", orderID, "error", err)
	}
}

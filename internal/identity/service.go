// Package identity manages protocol actors: registration, verification
// lifecycle and the audit log behind every status change. DIDs are minted
// here and never reassigned.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/storage"
)

// didMethod is the fixed method token of every DID this service mints.
const didMethod = "ocx"

// Initial cached reputation score by identity type. These are pre-activity
// placeholders; once real events arrive the reputation service recomputes
// from metrics.
var baseScores = map[domain.IdentityType]int{
	domain.IdentityKYC:       75,
	domain.IdentityNostr:     35,
	domain.IdentityAnonymous: 20,
}

// kycVerifiedBoost is applied once when a kyc identity moves
// pending → verified.
const kycVerifiedBoost = 25

// Service implements the identity operations.
type Service struct {
	store   storage.Store
	emitter events.Emitter
	nowFn   func() time.Time
}

func New(store storage.Store, emitter events.Emitter) *Service {
	return &Service{store: store, emitter: emitter, nowFn: time.Now}
}

// SetNowFunc overrides the clock; tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// RegisterInput carries the fields a caller supplies at registration.
type RegisterInput struct {
	Type             domain.IdentityType
	ClientID         string
	PublicProfile    map[string]interface{}
	TypeSpecificData map[string]interface{}
}

// Register mints a DID, stores the identity with its type's initial
// verification status and seeds the reputation record at the type's base
// score.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.Identity, error) {
	if !in.Type.Valid() {
		return nil, domain.InvalidFieldError("type", "unknown identity type")
	}
	if strings.TrimSpace(in.ClientID) == "" {
		return nil, domain.InvalidFieldError("client_id", "required")
	}

	now := s.nowFn()
	status := domain.VerificationVerified
	if in.Type == domain.IdentityKYC {
		status = domain.VerificationPending
	}

	id := &domain.Identity{
		DID:              fmt.Sprintf("did:%s:%s", didMethod, uuid.NewString()),
		Type:             in.Type,
		ClientID:         in.ClientID,
		Status:           status,
		PublicProfile:    in.PublicProfile,
		TypeSpecificData: in.TypeSpecificData,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutIdentity(id); err != nil {
			return err
		}
		return tx.PutReputation(&domain.Reputation{
			DID:          id.DID,
			IdentityType: id.Type,
			Score:        baseScores[id.Type],
			UpdatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.emit(id, "", "registered")
	return id, nil
}

// Get returns the identity for a DID.
func (s *Service) Get(ctx context.Context, did string) (*domain.Identity, error) {
	var id *domain.Identity
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		id, err = tx.GetIdentity(did)
		return err
	})
	return id, err
}

// Verify records a verification decision. A kyc identity moving
// pending → verified earns the one-time milestone boost.
func (s *Service) Verify(ctx context.Context, did string, status domain.VerificationStatus, verifiedBy, notes string) error {
	return s.setStatus(ctx, did, status, verifiedBy, notes)
}

// SetStatus changes the verification status; suspensions and bans go
// through here.
func (s *Service) SetStatus(ctx context.Context, did string, status domain.VerificationStatus, reason string) error {
	return s.setStatus(ctx, did, status, "system", reason)
}

// CanTransact reports whether a DID may enter new orders.
func (s *Service) CanTransact(ctx context.Context, did string) (bool, error) {
	id, err := s.Get(ctx, did)
	if err != nil {
		return false, err
	}
	return id.CanTransact(), nil
}

// AuditLog returns the status-change history of a DID, oldest first.
func (s *Service) AuditLog(ctx context.Context, did string) ([]domain.IdentityAuditEntry, error) {
	var entries []domain.IdentityAuditEntry
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetIdentity(did); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListIdentityAudit(did)
		return err
	})
	return entries, err
}

func (s *Service) setStatus(ctx context.Context, did string, status domain.VerificationStatus, changedBy, reason string) error {
	if !status.Valid() {
		return domain.InvalidFieldError("status", "unknown verification status")
	}

	now := s.nowFn()
	var from domain.VerificationStatus
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		id, err := tx.GetIdentity(did)
		if err != nil {
			return err
		}
		from = id.Status
		if from == status {
			return nil
		}

		id.Status = status
		id.UpdatedAt = now
		if err := tx.PutIdentity(id); err != nil {
			return err
		}
		if err := tx.AppendIdentityAudit(&domain.IdentityAuditEntry{
			DID:       did,
			From:      from,
			To:        status,
			ChangedBy: changedBy,
			Reason:    reason,
			Timestamp: now,
		}); err != nil {
			return err
		}

		if id.Type == domain.IdentityKYC && from == domain.VerificationPending && status == domain.VerificationVerified {
			return s.applyVerifiedBoost(tx, id, now)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if from != status {
		s.emitStatus(did, from, status, reason)
	}
	return nil
}

// applyVerifiedBoost records the kyc verification milestone and bumps the
// cached score. The milestone event in the log makes the boost one-time:
// a later pending→verified round trip will find it and skip.
func (s *Service) applyVerifiedBoost(tx storage.Tx, id *domain.Identity, now time.Time) error {
	prior, err := tx.ListReputationEvents(id.DID, domain.RepEventMilestone, 0)
	if err != nil {
		return err
	}
	for _, ev := range prior {
		if ev.Payload != nil && ev.Payload["milestone"] == "kyc_verified" {
			return nil
		}
	}

	if err := tx.AppendReputationEvent(&domain.ReputationEvent{
		EventID:   uuid.NewString(),
		DID:       id.DID,
		Type:      domain.RepEventMilestone,
		Timestamp: now,
		Payload:   map[string]interface{}{"milestone": "kyc_verified", "boost": kycVerifiedBoost},
	}); err != nil {
		return err
	}

	rep, err := tx.GetReputation(id.DID)
	if err != nil {
		return err
	}
	rep.Score += kycVerifiedBoost
	if rep.Score > 500 {
		rep.Score = 500
	}
	rep.UpdatedAt = now
	return tx.PutReputation(rep)
}

func (s *Service) emit(id *domain.Identity, from domain.VerificationStatus, reason string) {
	s.emitStatus(id.DID, from, id.Status, reason)
}

func (s *Service) emitStatus(did string, from, to domain.VerificationStatus, reason string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.TypeIdentityStatus, "identity", did, map[string]interface{}{
		"did":    did,
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

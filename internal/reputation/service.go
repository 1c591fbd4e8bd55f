// Package reputation keeps the append-only event log per identity, folds it
// into metrics and a bounded score, and mints detached signed proofs other
// marketplaces can verify offline.
package reputation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/params"
	"github.com/ocx/marketd/internal/ports"
	"github.com/ocx/marketd/internal/storage"
)

const (
	ProofVersion    = "1.0"
	ProtocolVersion = "1.0"

	// eventsHashWindow is how many trailing events feed events_hash.
	eventsHashWindow = 100

	// staleScoreDelta fails proof verification when the live score has
	// drifted further than this from the proof's snapshot.
	staleScoreDelta = 50

	// fallbackValidityDays applies when the parameter table is unreachable.
	fallbackValidityDays = 30
)

var typeMultipliers = map[domain.IdentityType]float64{
	domain.IdentityKYC:       1.2,
	domain.IdentityNostr:     1.0,
	domain.IdentityAnonymous: 0.8,
}

// ScoreBreakdown is the term-by-term decomposition behind a score.
type ScoreBreakdown struct {
	DID              string  `json:"did"`
	Base             int     `json:"base"`
	TransactionsTerm float64 `json:"transactions_term"`
	RatingTerm       float64 `json:"rating_term"`
	MinorPenalty     float64 `json:"minor_penalty"`
	MajorPenalty     float64 `json:"major_penalty"`
	Multiplier       float64 `json:"multiplier"`
	Score            int     `json:"score"`
}

// Service implements the reputation operations.
type Service struct {
	store   storage.Store
	signer  ports.Signer
	params  *params.Service
	emitter events.Emitter
	nowFn   func() time.Time
}

func New(store storage.Store, signer ports.Signer, p *params.Service, emitter events.Emitter) *Service {
	return &Service{store: store, signer: signer, params: p, emitter: emitter, nowFn: time.Now}
}

// SetNowFunc overrides the clock; tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Get returns the cached reputation record for a DID.
func (s *Service) Get(ctx context.Context, did string) (*domain.Reputation, error) {
	var rep *domain.Reputation
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		rep, err = tx.GetReputation(did)
		return err
	})
	return rep, err
}

// AppendEvent appends one event to the log and refolds the cached record:
// metrics from the full log, score from the metrics snapshot, events_hash
// from the trailing window. Never incremental, so replays converge.
func (s *Service) AppendEvent(ctx context.Context, did string, eventType domain.ReputationEventType, transactionID string, payload map[string]interface{}) error {
	now := s.nowFn()
	ev := &domain.ReputationEvent{
		EventID:       uuid.NewString(),
		DID:           did,
		TransactionID: transactionID,
		Type:          eventType,
		Timestamp:     now,
		Payload:       payload,
	}

	var score int
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		rep, err := tx.GetReputation(did)
		if err != nil {
			return err
		}
		if err := tx.AppendReputationEvent(ev); err != nil {
			return err
		}
		all, err := tx.ListReputationEvents(did, "", 0)
		if err != nil {
			return err
		}
		rep.Metrics = foldMetrics(all)
		rep.Score = computeScore(rep.Metrics, rep.IdentityType)
		rep.EventsHash, err = eventsHash(all)
		if err != nil {
			return err
		}
		rep.UpdatedAt = now
		score = rep.Score
		return tx.PutReputation(rep)
	})
	if err != nil {
		return err
	}

	if s.emitter != nil {
		s.emitter.Emit(events.TypeReputationUpdated, "reputation", did, map[string]interface{}{
			"did":        did,
			"event_type": string(eventType),
			"score":      score,
		})
	}
	return nil
}

// History returns the event log, oldest first. eventType "" means all,
// limit 0 means no limit; a nonzero limit keeps the most recent entries.
func (s *Service) History(ctx context.Context, did string, eventType domain.ReputationEventType, limit int) ([]domain.ReputationEvent, error) {
	var evs []domain.ReputationEvent
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetReputation(did); err != nil {
			return err
		}
		var err error
		evs, err = tx.ListReputationEvents(did, eventType, limit)
		return err
	})
	return evs, err
}

// GetBreakdown returns the score decomposition for a DID.
func (s *Service) GetBreakdown(ctx context.Context, did string) (*ScoreBreakdown, error) {
	rep, err := s.Get(ctx, did)
	if err != nil {
		return nil, err
	}
	m := rep.Metrics
	return &ScoreBreakdown{
		DID:              did,
		Base:             50,
		TransactionsTerm: minF(2*float64(m.TransactionsCompleted), 200),
		RatingTerm:       20 * m.AverageRating,
		MinorPenalty:     25 * float64(m.DisputesMinor),
		MajorPenalty:     50 * float64(m.DisputesMajor),
		Multiplier:       typeMultipliers[rep.IdentityType],
		Score:            computeScore(m, rep.IdentityType),
	}, nil
}

// GenerateProof mints a signed proof for a DID. validityDays 0 uses the
// governed default.
func (s *Service) GenerateProof(ctx context.Context, did string, validityDays int) (*domain.ReputationProof, error) {
	if validityDays < 0 {
		return nil, domain.InvalidFieldError("validity_days", "must be non-negative")
	}
	if validityDays == 0 {
		validityDays = s.defaultValidityDays(ctx)
	}

	rep, err := s.Get(ctx, did)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	proof := &domain.ReputationProof{
		DID:                   did,
		Score:                 rep.Score,
		TransactionsCompleted: rep.Metrics.TransactionsCompleted,
		AverageRating:         rep.Metrics.AverageRating,
		GeneratedAt:           now,
		ValidUntil:            now.AddDate(0, 0, validityDays),
		EventsHash:            rep.EventsHash,
		ProofVersion:          ProofVersion,
		ProtocolVersion:       ProtocolVersion,
	}

	payload, err := proofPayload(proof)
	if err != nil {
		return nil, err
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}
	proof.Signature = base64.StdEncoding.EncodeToString(sig)
	return proof, nil
}

// BatchGenerate mints proofs for many DIDs; failing DIDs are logged and
// skipped.
func (s *Service) BatchGenerate(ctx context.Context, dids []string, validityDays int) (map[string]*domain.ReputationProof, error) {
	out := make(map[string]*domain.ReputationProof, len(dids))
	for _, did := range dids {
		proof, err := s.GenerateProof(ctx, did, validityDays)
		if err != nil {
			slog.Warn("batch proof generation skipped", "did", did, "error", err)
			continue
		}
		out[did] = proof
	}
	return out, nil
}

// VerifyProof checks a proof: expiry first, signature second, then
// staleness against the live score when one exists.
func (s *Service) VerifyProof(ctx context.Context, proof *domain.ReputationProof) (bool, error) {
	if proof == nil || proof.Signature == "" {
		return false, nil
	}
	if s.nowFn().After(proof.ValidUntil) {
		return false, nil
	}

	payload, err := proofPayload(proof)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(proof.Signature)
	if err != nil {
		return false, nil
	}
	if !s.signer.Verify(payload, sig) {
		return false, nil
	}

	current, err := s.Get(ctx, proof.DID)
	if err != nil {
		// Unknown DID here: the proof may come from another federation
		// member, so signature + expiry are the whole check.
		return true, nil
	}
	if abs(current.Score-proof.Score) > staleScoreDelta {
		return false, nil
	}
	return true, nil
}

func (s *Service) defaultValidityDays(ctx context.Context) int {
	if s.params == nil {
		return fallbackValidityDays
	}
	days, err := s.params.GetInt(ctx, params.ProofValidityDaysDefault)
	if err != nil || days <= 0 {
		return fallbackValidityDays
	}
	return days
}

// proofPayload is the canonical byte form a proof is signed over: the proof
// object sans signature, timestamps in canonical form.
func proofPayload(p *domain.ReputationProof) ([]byte, error) {
	return CanonicalJSON(map[string]interface{}{
		"did":                    p.DID,
		"score":                  p.Score,
		"transactions_completed": p.TransactionsCompleted,
		"average_rating":         p.AverageRating,
		"generated_at":           CanonicalTime(p.GeneratedAt),
		"valid_until":            CanonicalTime(p.ValidUntil),
		"events_hash":            p.EventsHash,
		"proof_version":          p.ProofVersion,
		"protocol_version":       p.ProtocolVersion,
	})
}

// eventsHash hashes the canonical JSON of the trailing window of the event
// log. Input must already be ordered (timestamp asc, event_id asc), which
// ListReputationEvents guarantees.
func eventsHash(all []domain.ReputationEvent) (string, error) {
	window := all
	if len(window) > eventsHashWindow {
		window = window[len(window)-eventsHashWindow:]
	}
	entries := make([]interface{}, 0, len(window))
	for _, ev := range window {
		entries = append(entries, map[string]interface{}{
			"event_id":       ev.EventID,
			"did":            ev.DID,
			"transaction_id": ev.TransactionID,
			"type":           string(ev.Type),
			"timestamp":      CanonicalTime(ev.Timestamp),
			"payload":        ev.Payload,
		})
	}
	raw, err := CanonicalJSON(entries)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// foldMetrics derives the metrics snapshot from the full event log.
func foldMetrics(all []domain.ReputationEvent) domain.ReputationMetrics {
	var m domain.ReputationMetrics
	var ratingSum float64
	for _, ev := range all {
		switch ev.Type {
		case domain.RepEventRating:
			m.TransactionsCompleted++
			if r, ok := numField(ev.Payload, "rating"); ok {
				m.TotalRatings++
				ratingSum += r
			}
			if onTime, ok := ev.Payload["on_time"].(bool); ok && onTime {
				m.OnTimeDeliveries++
			}
		case domain.RepEventDispute:
			m.DisputesTotal++
			switch ev.Payload["severity"] {
			case "major":
				m.DisputesMajor++
			case "minor":
				m.DisputesMinor++
			}
			switch ev.Payload["outcome"] {
			case "won":
				m.DisputesWon++
			case "lost":
				m.DisputesLost++
			}
		}
	}
	if m.TotalRatings > 0 {
		m.AverageRating = ratingSum / float64(m.TotalRatings)
	}
	if m.TransactionsCompleted > 0 {
		m.OnTimeRate = float64(m.OnTimeDeliveries) / float64(m.TransactionsCompleted)
	}
	return m
}

// computeScore applies the score formula to a metrics snapshot.
func computeScore(m domain.ReputationMetrics, typ domain.IdentityType) int {
	mult, ok := typeMultipliers[typ]
	if !ok {
		mult = 1.0
	}
	raw := (50 +
		minF(2*float64(m.TransactionsCompleted), 200) +
		20*m.AverageRating -
		25*float64(m.DisputesMinor) -
		50*float64(m.DisputesMajor)) * mult
	score := domain.RoundHalfUp(raw)
	if score < 0 {
		return 0
	}
	if score > 500 {
		return 500
	}
	return int(score)
}

func numField(payload map[string]interface{}, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

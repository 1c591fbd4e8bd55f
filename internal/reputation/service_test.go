package reputation

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/storage"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	signer, err := NewEphemeralSigner()
	if err != nil {
		t.Fatalf("NewEphemeralSigner: %v", err)
	}
	return New(store, signer, nil, nil), store
}

func seedReputation(t *testing.T, store storage.Store, did string, typ domain.IdentityType, score int) {
	t.Helper()
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutReputation(&domain.Reputation{
			DID: did, IdentityType: typ, Score: score, UpdatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("seed reputation: %v", err)
	}
}

func TestComputeScore(t *testing.T) {
	cases := []struct {
		name string
		m    domain.ReputationMetrics
		typ  domain.IdentityType
		want int
	}{
		{"fresh kyc", domain.ReputationMetrics{}, domain.IdentityKYC, 60},
		{"fresh anonymous", domain.ReputationMetrics{}, domain.IdentityAnonymous, 40},
		{
			"kyc with history",
			domain.ReputationMetrics{TransactionsCompleted: 10, TotalRatings: 10, AverageRating: 5},
			domain.IdentityKYC,
			204,
		},
		{
			"transactions term capped",
			domain.ReputationMetrics{TransactionsCompleted: 500, TotalRatings: 500, AverageRating: 5},
			domain.IdentityNostr,
			350,
		},
		{
			"major disputes floor at zero",
			domain.ReputationMetrics{DisputesTotal: 5, DisputesMajor: 5},
			domain.IdentityAnonymous,
			0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := computeScore(tc.m, tc.typ); got != tc.want {
				t.Errorf("computeScore = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAppendEventFoldsMetrics(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	did := "did:ocx:vendor-1"
	seedReputation(t, store, did, domain.IdentityKYC, 75)

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	now := base
	svc.SetNowFunc(func() time.Time { return now })

	ratings := []float64{5, 4, 5}
	for i, r := range ratings {
		now = base.Add(time.Duration(i) * time.Minute)
		err := svc.AppendEvent(ctx, did, domain.RepEventRating, "order-1", map[string]interface{}{
			"rating": r, "on_time": i != 1,
		})
		if err != nil {
			t.Fatalf("AppendEvent rating: %v", err)
		}
	}
	now = base.Add(time.Hour)
	err := svc.AppendEvent(ctx, did, domain.RepEventDispute, "order-2", map[string]interface{}{
		"severity": "major", "outcome": "lost",
	})
	if err != nil {
		t.Fatalf("AppendEvent dispute: %v", err)
	}

	rep, err := svc.Get(ctx, did)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m := rep.Metrics
	if m.TransactionsCompleted != 3 || m.TotalRatings != 3 {
		t.Errorf("counts = %d/%d, want 3/3", m.TransactionsCompleted, m.TotalRatings)
	}
	if m.AverageRating < 4.66 || m.AverageRating > 4.67 {
		t.Errorf("average = %v, want ~4.667", m.AverageRating)
	}
	if m.OnTimeDeliveries != 2 {
		t.Errorf("on-time = %d, want 2", m.OnTimeDeliveries)
	}
	if m.DisputesTotal != 1 || m.DisputesMajor != 1 || m.DisputesLost != 1 {
		t.Errorf("disputes = %+v", m)
	}
	// (50 + 6 + 93.33 - 50) * 1.2 = 119.2 -> 119
	if rep.Score != 119 {
		t.Errorf("score = %d, want 119", rep.Score)
	}
	if rep.EventsHash == "" {
		t.Error("events_hash empty after append")
	}
}

func TestEventsHashStableAndOrderSensitive(t *testing.T) {
	evs := []domain.ReputationEvent{
		{EventID: "a", DID: "d", Type: domain.RepEventRating, Timestamp: time.Unix(100, 0).UTC()},
		{EventID: "b", DID: "d", Type: domain.RepEventRating, Timestamp: time.Unix(200, 0).UTC()},
	}
	h1, err := eventsHash(evs)
	if err != nil {
		t.Fatalf("eventsHash: %v", err)
	}
	h2, _ := eventsHash(evs)
	if h1 != h2 {
		t.Error("hash not stable across calls")
	}
	h3, _ := eventsHash([]domain.ReputationEvent{evs[1], evs[0]})
	if h1 == h3 {
		t.Error("hash insensitive to event order")
	}
}

func TestGenerateAndVerifyProof(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	did := "did:ocx:vendor-2"
	seedReputation(t, store, did, domain.IdentityNostr, 120)

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	now := base
	svc.SetNowFunc(func() time.Time { return now })

	proof, err := svc.GenerateProof(ctx, did, 0)
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	if !proof.ValidUntil.Equal(base.AddDate(0, 0, 30)) {
		t.Errorf("valid_until = %v, want +30d default", proof.ValidUntil)
	}
	if proof.Signature == "" {
		t.Fatal("proof unsigned")
	}

	ok, err := svc.VerifyProof(ctx, proof)
	if err != nil || !ok {
		t.Fatalf("VerifyProof(fresh) = %v, %v; want true", ok, err)
	}

	// Tampering breaks the signature.
	tampered := *proof
	tampered.Score = 400
	ok, err = svc.VerifyProof(ctx, &tampered)
	if err != nil || ok {
		t.Errorf("VerifyProof(tampered) = %v, %v; want false", ok, err)
	}

	// Expired proof fails before any signature work.
	now = base.AddDate(0, 0, 31)
	ok, err = svc.VerifyProof(ctx, proof)
	if err != nil || ok {
		t.Errorf("VerifyProof(expired) = %v, %v; want false", ok, err)
	}
	now = base

	// Live score drift beyond the threshold marks the proof stale.
	err = store.Update(ctx, func(tx storage.Tx) error {
		rep, err := tx.GetReputation(did)
		if err != nil {
			return err
		}
		rep.Score = proof.Score + 51
		return tx.PutReputation(rep)
	})
	if err != nil {
		t.Fatalf("drift score: %v", err)
	}
	ok, err = svc.VerifyProof(ctx, proof)
	if err != nil || ok {
		t.Errorf("VerifyProof(stale) = %v, %v; want false", ok, err)
	}
}

func TestVerifyProofUnknownDIDChecksSignatureOnly(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedReputation(t, store, "did:ocx:local", domain.IdentityNostr, 100)

	proof, err := svc.GenerateProof(ctx, "did:ocx:local", 10)
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	// Simulate a proof arriving from another federation member: the DID is
	// not in the local store.
	foreign := *proof
	foreign.DID = "did:ocx:remote"
	// Re-signing under the local key to keep the signature valid.
	payload, err := proofPayload(&foreign)
	if err != nil {
		t.Fatalf("proofPayload: %v", err)
	}
	sig, err := svc.signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	foreign.Signature = base64.StdEncoding.EncodeToString(sig)

	ok, err := svc.VerifyProof(ctx, &foreign)
	if err != nil || !ok {
		t.Errorf("VerifyProof(foreign) = %v, %v; want true", ok, err)
	}
}

func TestBatchGenerateSkipsUnknown(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedReputation(t, store, "did:ocx:a", domain.IdentityKYC, 75)
	seedReputation(t, store, "did:ocx:b", domain.IdentityAnonymous, 20)

	out, err := svc.BatchGenerate(ctx, []string{"did:ocx:a", "did:ocx:missing", "did:ocx:b"}, 7)
	if err != nil {
		t.Fatalf("BatchGenerate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out["did:ocx:a"] == nil || out["did:ocx:b"] == nil {
		t.Errorf("missing proofs: %v", out)
	}
}

func TestHistoryFiltersByType(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	did := "did:ocx:vendor-3"
	seedReputation(t, store, did, domain.IdentityNostr, 35)

	if err := svc.AppendEvent(ctx, did, domain.RepEventRating, "o1", map[string]interface{}{"rating": 5.0}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := svc.AppendEvent(ctx, did, domain.RepEventDispute, "o2", map[string]interface{}{"severity": "minor"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	all, err := svc.History(ctx, did, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}
	disputes, err := svc.History(ctx, did, domain.RepEventDispute, 0)
	if err != nil {
		t.Fatalf("History filtered: %v", err)
	}
	if len(disputes) != 1 || disputes[0].Type != domain.RepEventDispute {
		t.Errorf("disputes = %+v", disputes)
	}
}

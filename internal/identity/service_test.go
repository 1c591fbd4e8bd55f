package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/storage"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	return New(store, nil), store
}

func register(t *testing.T, svc *Service, typ domain.IdentityType) *domain.Identity {
	t.Helper()
	id, err := svc.Register(context.Background(), RegisterInput{Type: typ, ClientID: "client-1"})
	if err != nil {
		t.Fatalf("Register(%s): %v", typ, err)
	}
	return id
}

func TestRegisterInitialStatusAndSeed(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		typ    domain.IdentityType
		status domain.VerificationStatus
		score  int
	}{
		{domain.IdentityKYC, domain.VerificationPending, 75},
		{domain.IdentityNostr, domain.VerificationVerified, 35},
		{domain.IdentityAnonymous, domain.VerificationVerified, 20},
	}
	for _, tc := range cases {
		id := register(t, svc, tc.typ)
		if !strings.HasPrefix(id.DID, "did:ocx:") {
			t.Errorf("%s: did = %q, want did:ocx: prefix", tc.typ, id.DID)
		}
		if id.Status != tc.status {
			t.Errorf("%s: status = %s, want %s", tc.typ, id.Status, tc.status)
		}
		var rep *domain.Reputation
		err := store.View(ctx, func(tx storage.Tx) error {
			var err error
			rep, err = tx.GetReputation(id.DID)
			return err
		})
		if err != nil {
			t.Fatalf("%s: seeded reputation missing: %v", tc.typ, err)
		}
		if rep.Score != tc.score {
			t.Errorf("%s: seeded score = %d, want %d", tc.typ, rep.Score, tc.score)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Type: "alien", ClientID: "c"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("bad type: err = %v, want ErrInvalidInput", err)
	}
	_, err = svc.Register(ctx, RegisterInput{Type: domain.IdentityKYC})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("missing client: err = %v, want ErrInvalidInput", err)
	}
}

func TestKYCVerificationBoostIsOneTime(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	id := register(t, svc, domain.IdentityKYC)

	if err := svc.Verify(ctx, id.DID, domain.VerificationVerified, "reviewer-1", "documents ok"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	score := func() int {
		var rep *domain.Reputation
		if err := store.View(ctx, func(tx storage.Tx) error {
			var err error
			rep, err = tx.GetReputation(id.DID)
			return err
		}); err != nil {
			t.Fatalf("GetReputation: %v", err)
		}
		return rep.Score
	}
	if got := score(); got != 100 {
		t.Errorf("score after verification = %d, want 100", got)
	}

	// A suspend/reinstate round trip must not award the boost again.
	if err := svc.SetStatus(ctx, id.DID, domain.VerificationPending, "re-review"); err != nil {
		t.Fatalf("SetStatus pending: %v", err)
	}
	if err := svc.Verify(ctx, id.DID, domain.VerificationVerified, "reviewer-2", "still ok"); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if got := score(); got != 100 {
		t.Errorf("score after second verification = %d, want 100", got)
	}
}

func TestCanTransact(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := register(t, svc, domain.IdentityNostr)

	ok, err := svc.CanTransact(ctx, id.DID)
	if err != nil || !ok {
		t.Fatalf("CanTransact(verified) = %v, %v; want true", ok, err)
	}

	if err := svc.SetStatus(ctx, id.DID, domain.VerificationSuspended, "tos violation"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	ok, err = svc.CanTransact(ctx, id.DID)
	if err != nil || ok {
		t.Fatalf("CanTransact(suspended) = %v, %v; want false", ok, err)
	}

	if _, err := svc.CanTransact(ctx, "did:ocx:missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown did: err = %v, want ErrNotFound", err)
	}
}

func TestAuditLogRecordsEveryChange(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	now := base
	svc.SetNowFunc(func() time.Time { return now })

	id := register(t, svc, domain.IdentityKYC)
	now = now.Add(time.Hour)
	if err := svc.Verify(ctx, id.DID, domain.VerificationVerified, "reviewer", ""); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	now = now.Add(time.Hour)
	if err := svc.SetStatus(ctx, id.DID, domain.VerificationBanned, "fraud"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	// No-op change appends nothing.
	if err := svc.SetStatus(ctx, id.DID, domain.VerificationBanned, "fraud again"); err != nil {
		t.Fatalf("repeat SetStatus: %v", err)
	}

	entries, err := svc.AuditLog(ctx, id.DID)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].From != domain.VerificationPending || entries[0].To != domain.VerificationVerified {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].To != domain.VerificationBanned || entries[1].Reason != "fraud" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

// Package governance runs the m-of-n signer scheme: proposals, voting,
// and atomic execution of the approved actions. It is the only writer of
// protocol parameters and the signer set.
//
// Governance operations deliberately skip the pause gate: an
// emergency_unpause proposal must remain executable while the system is
// paused.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/marketd/internal/domain"
	"github.com/ocx/marketd/internal/events"
	"github.com/ocx/marketd/internal/params"
	"github.com/ocx/marketd/internal/ports"
	"github.com/ocx/marketd/internal/storage"
)

const (
	defaultVotingHours = 72
	minActiveSigners   = 3
)

// Quorum is the approval threshold for n active signers: ceil(2n/3).
func Quorum(activeSigners int) int {
	return (2*activeSigners + 2) / 3
}

// Service is the governance engine.
type Service struct {
	store   storage.Store
	writer  *params.Writer
	rail    ports.TreasuryRail
	emitter events.Emitter
	metrics *Metrics
	nowFn   func() time.Time
}

func New(store storage.Store, writer *params.Writer, rail ports.TreasuryRail, emitter events.Emitter, metrics *Metrics) *Service {
	return &Service{
		store:   store,
		writer:  writer,
		rail:    rail,
		emitter: emitter,
		metrics: metrics,
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the clock; tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// SignerSeed describes one founding signer.
type SignerSeed struct {
	IdentityDID string
	Name        string
	Role        domain.SignerRole
}

// BootstrapSigners seeds the founding signer set. It only runs against an
// empty set; afterwards the set mutates exclusively through add_signer and
// remove_signer proposals.
func (s *Service) BootstrapSigners(ctx context.Context, seeds []SignerSeed) ([]domain.Signer, error) {
	if len(seeds) < minActiveSigners {
		return nil, domain.InvalidFieldError("signers", fmt.Sprintf("at least %d founding signers required", minActiveSigners))
	}
	now := s.nowFn()
	out := make([]domain.Signer, 0, len(seeds))
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		existing, err := tx.ListSigners(false)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("signer set already bootstrapped: %w", domain.ErrConflict)
		}
		for _, seed := range seeds {
			if !seed.Role.Valid() {
				return domain.InvalidFieldError("role", "unknown signer role")
			}
			sg := domain.Signer{
				SignerID:    uuid.NewString(),
				IdentityDID: seed.IdentityDID,
				Name:        seed.Name,
				Role:        seed.Role,
				Active:      true,
				AddedAt:     now,
			}
			if err := tx.InsertSigner(&sg); err != nil {
				return err
			}
			out = append(out, sg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Signers lists the signer set.
func (s *Service) Signers(ctx context.Context, activeOnly bool) ([]domain.Signer, error) {
	var out []domain.Signer
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListSigners(activeOnly)
		return err
	})
	return out, err
}

// ProposalInput carries a new proposal.
type ProposalInput struct {
	Action              domain.GovernanceAction
	Params              map[string]interface{}
	Rationale           string
	ProposerID          string
	VotingDurationHours int
}

// CreateProposal opens a proposal for voting. The approval threshold is
// frozen from the active signer set at creation time.
func (s *Service) CreateProposal(ctx context.Context, in ProposalInput) (*domain.Proposal, error) {
	if strings.TrimSpace(in.Rationale) == "" {
		return nil, domain.InvalidFieldError("rationale", "required")
	}
	if err := validateActionParams(in.Action, in.Params); err != nil {
		return nil, err
	}
	hours := in.VotingDurationHours
	if hours <= 0 {
		hours = defaultVotingHours
	}

	now := s.nowFn()
	p := &domain.Proposal{
		ProposalID:   uuid.NewString(),
		Action:       in.Action,
		Params:       in.Params,
		Rationale:    in.Rationale,
		ProposerID:   in.ProposerID,
		Status:       domain.ProposalActive,
		VotingEndsAt: now.Add(time.Duration(hours) * time.Hour),
		CreatedAt:    now,
	}
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		active, err := s.requireActiveSigner(tx, in.ProposerID)
		if err != nil {
			return err
		}
		if len(active) < minActiveSigners {
			return fmt.Errorf("signer set below quorum minimum: %w", domain.ErrConflict)
		}
		p.RequiredApprovals = Quorum(len(active))
		n, err := tx.NextProposalNumber()
		if err != nil {
			return err
		}
		p.ProposalNumber = fmt.Sprintf("GOV-%03d", n)
		return tx.InsertProposal(p)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordProposalCreated(string(in.Action))
	return p, nil
}

// GetProposal returns a proposal by id.
func (s *Service) GetProposal(ctx context.Context, proposalID string) (*domain.Proposal, error) {
	var p *domain.Proposal
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetProposal(proposalID)
		return err
	})
	return p, err
}

// ListProposals returns proposals, optionally filtered by status ("" = all).
func (s *Service) ListProposals(ctx context.Context, status domain.ProposalStatus) ([]domain.Proposal, error) {
	var out []domain.Proposal
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListProposals(status)
		return err
	})
	return out, err
}

// Approvals returns the votes cast on a proposal.
func (s *Service) Approvals(ctx context.Context, proposalID string) ([]domain.Approval, error) {
	var out []domain.Approval
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetProposal(proposalID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListApprovals(proposalID)
		return err
	})
	return out, err
}

// ExecutionRecords returns the execution attempts for a proposal.
func (s *Service) ExecutionRecords(ctx context.Context, proposalID string) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetProposal(proposalID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListExecutionRecords(proposalID)
		return err
	})
	return out, err
}

// Vote records one signer's vote. The vote and the status recomputation are
// a single transaction; a proposal approves at the frozen threshold and
// rejects early once approval is arithmetically impossible.
func (s *Service) Vote(ctx context.Context, proposalID, signerID string, approved bool, comment string) (*domain.Proposal, error) {
	now := s.nowFn()
	var p *domain.Proposal
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetProposalForUpdate(proposalID)
		if err != nil {
			return err
		}
		active, err := s.requireActiveSigner(tx, signerID)
		if err != nil {
			return err
		}
		if p.Status != domain.ProposalActive {
			return domain.InvalidTransitionError("proposal", p.Status, domain.ProposalApproved)
		}
		if !now.Before(p.VotingEndsAt) {
			return fmt.Errorf("voting window closed: %w", domain.ErrExpired)
		}
		if err := tx.InsertApproval(&domain.Approval{
			ProposalID: proposalID,
			SignerID:   signerID,
			Approved:   approved,
			Comment:    comment,
			Timestamp:  now,
		}); err != nil {
			return err
		}

		votes, err := tx.ListApprovals(proposalID)
		if err != nil {
			return err
		}
		p.CurrentApprovals, p.CurrentRejections = tally(votes)
		switch {
		case p.CurrentApprovals >= p.RequiredApprovals:
			p.Status = domain.ProposalApproved
		case len(active)-p.CurrentRejections < p.RequiredApprovals:
			p.Status = domain.ProposalRejected
		}
		return tx.UpdateProposal(p)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordVote(approved)
	return p, nil
}

func tally(votes []domain.Approval) (approvals, rejections int) {
	for _, v := range votes {
		if v.Approved {
			approvals++
		} else {
			rejections++
		}
	}
	return approvals, rejections
}

// Execute runs an approved proposal's action. Success moves the proposal to
// executed; a handler failure keeps it approved so execution can be
// retried, with the failure kept in the execution log.
func (s *Service) Execute(ctx context.Context, proposalID, executorID string) error {
	now := s.nowFn()
	var (
		p          *domain.Proposal
		postCommit func(context.Context)
		handlerErr error
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetProposalForUpdate(proposalID)
		if err != nil {
			return err
		}
		if _, err := s.requireActiveSigner(tx, executorID); err != nil {
			return err
		}
		if p.Status != domain.ProposalApproved {
			return domain.InvalidTransitionError("proposal", p.Status, domain.ProposalExecuted)
		}

		result, after, err := s.executeAction(tx, p, executorID, now)
		rec := &domain.ExecutionRecord{
			ProposalID: proposalID,
			ExecutorID: executorID,
			Timestamp:  now,
		}
		if err != nil {
			// Handlers validate before mutating, so a failure leaves no
			// partial state behind; only the failed record commits.
			handlerErr = err
			rec.Status = "failed"
			rec.Error = err.Error()
			return tx.AppendExecutionRecord(rec)
		}
		rec.Status = "success"
		rec.Result = result
		if err := tx.AppendExecutionRecord(rec); err != nil {
			return err
		}
		p.Status = domain.ProposalExecuted
		p.ExecutedAt = &now
		postCommit = after
		return tx.UpdateProposal(p)
	})
	if err != nil {
		return err
	}
	if handlerErr != nil {
		s.metrics.RecordExecution(string(p.Action), "failed")
		return fmt.Errorf("executing %s: %w", p.Action, handlerErr)
	}

	s.metrics.RecordExecution(string(p.Action), "success")
	if postCommit != nil {
		postCommit(ctx)
	}
	if s.emitter != nil {
		s.emitter.Emit(events.TypeProposalExecuted, "governance", proposalID, map[string]interface{}{
			"proposal_number": p.ProposalNumber,
			"action":          string(p.Action),
			"executor_id":     executorID,
		})
	}
	return nil
}

// executeAction dispatches to the per-action handler inside the execution
// transaction. It returns a result summary and an optional post-commit hook
// (cache invalidation, event emission, rail transfer).
func (s *Service) executeAction(tx storage.Tx, p *domain.Proposal, executorID string, now time.Time) (string, func(context.Context), error) {
	switch p.Action {
	case domain.ActionUpdateProtocolFee:
		return s.setParam(tx, p, params.ProtocolFeePercentage, formatNum(p.Params["new_fee_percent"]), executorID)
	case domain.ActionUpdateClientFee:
		return s.setParam(tx, p, params.ClientFeePercentage, formatNum(p.Params["new_fee_percent"]), executorID)
	case domain.ActionUpdateEscrowDuration:
		return s.setParam(tx, p, params.EscrowHoldDurationDays, formatNum(p.Params["days"]), executorID)
	case domain.ActionUpdateDisputeWindow:
		return s.setParam(tx, p, params.DisputeWindowDays, formatNum(p.Params["days"]), executorID)
	case domain.ActionEmergencyPause:
		return s.setParam(tx, p, params.EmergencyPauseEnabled, "true", executorID)
	case domain.ActionEmergencyUnpause:
		return s.setParam(tx, p, params.EmergencyPauseEnabled, "false", executorID)
	case domain.ActionAddSigner:
		return s.addSigner(tx, p, now)
	case domain.ActionRemoveSigner:
		return s.removeSigner(tx, p, now)
	case domain.ActionTreasuryWithdrawal:
		return s.treasuryWithdrawal(tx, p, now)
	}
	return "", nil, domain.InvalidFieldError("action", "no handler for action")
}

func (s *Service) setParam(tx storage.Tx, p *domain.Proposal, name, value, executorID string) (string, func(context.Context), error) {
	previous := ""
	if existing, err := tx.GetParameter(name); err == nil {
		previous = existing.Value
	}
	if err := s.writer.SetInTx(tx, name, value, executorID, p.Rationale); err != nil {
		return "", nil, err
	}
	after := func(ctx context.Context) {
		s.writer.NotifyChanged(ctx, name, previous, value, executorID)
	}
	return fmt.Sprintf("%s: %s -> %s", name, previous, value), after, nil
}

func (s *Service) addSigner(tx storage.Tx, p *domain.Proposal, now time.Time) (string, func(context.Context), error) {
	sg := &domain.Signer{
		SignerID:    uuid.NewString(),
		IdentityDID: strParam(p.Params, "identity_did"),
		Name:        strParam(p.Params, "name"),
		Role:        domain.SignerRole(strParam(p.Params, "role")),
		Active:      true,
		AddedAt:     now,
	}
	if err := tx.InsertSigner(sg); err != nil {
		return "", nil, err
	}
	active, err := tx.ListSigners(true)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("signer %s added; quorum now %d of %d", sg.SignerID, Quorum(len(active)), len(active)), nil, nil
}

func (s *Service) removeSigner(tx storage.Tx, p *domain.Proposal, now time.Time) (string, func(context.Context), error) {
	sg, err := tx.GetSigner(strParam(p.Params, "signer_id"))
	if err != nil {
		return "", nil, err
	}
	if !sg.Active {
		return "", nil, fmt.Errorf("signer already removed: %w", domain.ErrConflict)
	}
	active, err := tx.ListSigners(true)
	if err != nil {
		return "", nil, err
	}
	if len(active)-1 < minActiveSigners {
		return "", nil, fmt.Errorf("removal would drop the active set below %d: %w", minActiveSigners, domain.ErrConflict)
	}
	sg.Active = false
	sg.RemovedAt = &now
	if err := tx.UpdateSigner(sg); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("signer %s removed; quorum now %d of %d", sg.SignerID, Quorum(len(active)-1), len(active)-1), nil, nil
}

func (s *Service) treasuryWithdrawal(tx storage.Tx, p *domain.Proposal, now time.Time) (string, func(context.Context), error) {
	m := &domain.TreasuryMovement{
		MovementID:  uuid.NewString(),
		ProposalID:  p.ProposalID,
		Destination: strParam(p.Params, "destination"),
		Amount:      intParam(p.Params, "amount"),
		Currency:    strParam(p.Params, "currency"),
		Status:      "approved",
		CreatedAt:   now,
	}
	if err := tx.InsertTreasuryMovement(m); err != nil {
		return "", nil, err
	}
	after := func(ctx context.Context) {
		if s.rail == nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, ports.DefaultCallTimeout)
		defer cancel()
		if _, err := s.rail.Transfer(callCtx, m.MovementID, m.Destination, m.Amount, m.Currency); err != nil {
			// The movement stays approved; the rail settles via callback or
			// operations retries the transfer.
			slog.Error("treasury transfer failed", "movement_id", m.MovementID, "error", err)
		}
	}
	return fmt.Sprintf("treasury movement %s created for %d %s", m.MovementID, m.Amount, m.Currency), after, nil
}

// SettleTreasuryMovement is the rail's settlement callback.
func (s *Service) SettleTreasuryMovement(ctx context.Context, movementID, railRef string, success bool) error {
	now := s.nowFn()
	return s.store.Update(ctx, func(tx storage.Tx) error {
		m, err := tx.GetTreasuryMovement(movementID)
		if err != nil {
			return err
		}
		if m.Status != "approved" {
			return fmt.Errorf("movement already settled: %w", domain.ErrConflict)
		}
		if success {
			m.Status = "settled"
		} else {
			m.Status = "failed"
		}
		m.RailRef = railRef
		m.SettledAt = &now
		return tx.UpdateTreasuryMovement(m)
	})
}

// ExpireProposals is the sweep body: active proposals past their voting
// window without enough approvals expire.
func (s *Service) ExpireProposals(ctx context.Context) error {
	now := s.nowFn()
	var due []domain.Proposal
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		due, err = tx.ListExpiredActiveProposals(now)
		return err
	})
	if err != nil {
		return err
	}

	for _, p := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		proposalID := p.ProposalID
		err := s.store.Update(ctx, func(tx storage.Tx) error {
			cur, err := tx.GetProposalForUpdate(proposalID)
			if err != nil {
				return err
			}
			if cur.Status != domain.ProposalActive || cur.VotingEndsAt.After(now) {
				return nil
			}
			cur.Status = domain.ProposalExpired
			return tx.UpdateProposal(cur)
		})
		if err != nil {
			slog.Warn("proposal expiry skipped", "proposal_id", proposalID, "error", err)
		}
	}
	return nil
}

// requireActiveSigner resolves signerID and asserts it is an active seat,
// returning the current active set for quorum arithmetic.
func (s *Service) requireActiveSigner(tx storage.Tx, signerID string) ([]domain.Signer, error) {
	sg, err := tx.GetSigner(signerID)
	if err != nil {
		return nil, err
	}
	if !sg.Active {
		return nil, fmt.Errorf("signer %s is not active: %w", signerID, domain.ErrForbidden)
	}
	return tx.ListSigners(true)
}

// validateActionParams checks a proposal's params against the per-action
// schema before it enters voting.
func validateActionParams(action domain.GovernanceAction, p map[string]interface{}) error {
	switch action {
	case domain.ActionUpdateProtocolFee, domain.ActionUpdateClientFee:
		v, ok := numParam(p, "new_fee_percent")
		if !ok {
			return domain.InvalidFieldError("new_fee_percent", "number required")
		}
		if v < 0 || v > 10 {
			return domain.InvalidFieldError("new_fee_percent", "must be between 0 and 10")
		}
	case domain.ActionUpdateEscrowDuration, domain.ActionUpdateDisputeWindow:
		v, ok := numParam(p, "days")
		if !ok || v != float64(int64(v)) {
			return domain.InvalidFieldError("days", "whole number required")
		}
		if v < 1 || v > 90 {
			return domain.InvalidFieldError("days", "must be between 1 and 90")
		}
	case domain.ActionEmergencyPause, domain.ActionEmergencyUnpause:
		// no params
	case domain.ActionAddSigner:
		if strParam(p, "identity_did") == "" {
			return domain.InvalidFieldError("identity_did", "required")
		}
		if !domain.SignerRole(strParam(p, "role")).Valid() {
			return domain.InvalidFieldError("role", "unknown signer role")
		}
	case domain.ActionRemoveSigner:
		if strParam(p, "signer_id") == "" {
			return domain.InvalidFieldError("signer_id", "required")
		}
	case domain.ActionTreasuryWithdrawal:
		if strParam(p, "destination") == "" {
			return domain.InvalidFieldError("destination", "required")
		}
		if intParam(p, "amount") <= 0 {
			return domain.InvalidFieldError("amount", "positive amount required")
		}
		if strParam(p, "currency") == "" {
			return domain.InvalidFieldError("currency", "required")
		}
	default:
		return domain.InvalidFieldError("action", "unknown action")
	}
	return nil
}

func strParam(p map[string]interface{}, key string) string {
	v, _ := p[key].(string)
	return v
}

func numParam(p map[string]interface{}, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func intParam(p map[string]interface{}, key string) int64 {
	v, ok := numParam(p, key)
	if !ok {
		return 0
	}
	return int64(v)
}

// formatNum renders a numeric proposal param the way params stores values:
// whole floats print without a trailing ".0".
func formatNum(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprintf("%v", v)
}

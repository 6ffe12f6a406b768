// Package deal is the orchestrator for the escrow settlement engine: deposit
// policy, the milestone acceptance pipeline, and the dispute lifecycle. All
// entity mutation flows through the injected store; every state change lands
// one audit record.
package deal

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowflow/audit"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fault"
)

// Store is the slice of the state repository the orchestrator needs. Lock
// returns a per-entity release func and must serialize callers on the same
// key across network suspension points.
type Store interface {
	PutDeal(ctx context.Context, d Deal) (Deal, error)
	GetDeal(ctx context.Context, id string) (Deal, error)
	PutMilestone(ctx context.Context, m Milestone) (Milestone, error)
	GetMilestone(ctx context.Context, id string) (Milestone, error)
	PutDispute(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error)
	GetDispute(ctx context.Context, id string) (dispute.Dispute, error)
	IsBlocked(ctx context.Context, wallet, communityID string) (bool, error)
	Lock(id string) func()
}

// Auditor records orchestrator actions on the audit log.
type Auditor interface {
	Append(eventType string, payload map[string]any) audit.Record
}

// Releaser is the escrow release protocol.
type Releaser interface {
	Release(ctx context.Context, req escrow.ReleaseRequest) (escrow.ReleaseResult, error)
}

// Pinner stores a deliverable blob and returns its content id and checksum.
type Pinner interface {
	Pin(ctx context.Context, data []byte) (contentID, checksum string, err error)
}

// TestRunner executes a milestone's automated test suite.
type TestRunner func(ctx context.Context, m Milestone) (bool, error)

// Service is the deal/milestone orchestrator.
type Service struct {
	store      Store
	audit      Auditor
	escrow     Releaser
	pinner     Pinner
	testRunner TestRunner
	now        func() time.Time
}

// NewService wires the orchestrator. testRunner may be nil, in which case
// TESTS_PASS milestones verify unconditionally.
func NewService(store Store, auditor Auditor, releaser Releaser, pinner Pinner, testRunner TestRunner) *Service {
	if testRunner == nil {
		testRunner = func(context.Context, Milestone) (bool, error) { return true, nil }
	}
	return &Service{
		store:      store,
		audit:      auditor,
		escrow:     releaser,
		pinner:     pinner,
		testRunner: testRunner,
		now:        time.Now,
	}
}

// assertNotBlocked rejects blocklisted participants, leaving only the
// compliance log entry behind.
func (s *Service) assertNotBlocked(ctx context.Context, wallet, communityID string) error {
	blocked, err := s.store.IsBlocked(ctx, wallet, communityID)
	if err != nil {
		return fmt.Errorf("deal: blocklist check: %w", err)
	}
	if blocked {
		s.audit.Append("compliance.block", map[string]any{
			"wallet":       wallet,
			"community_id": communityID,
		})
		return fault.New(fault.CodeBlockedParticipant, "deal: participant is blocklisted")
	}
	return nil
}

// CreateDeal stores a new deal after blocklist screening of both parties.
func (s *Service) CreateDeal(ctx context.Context, d Deal) (Deal, error) {
	if err := s.assertNotBlocked(ctx, "", d.BuyerID); err != nil {
		return Deal{}, err
	}
	if err := s.assertNotBlocked(ctx, "", d.SellerID); err != nil {
		return Deal{}, err
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	stored, err := s.store.PutDeal(ctx, d)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: store deal: %w", err)
	}
	s.audit.Append("deal.created", map[string]any{
		"deal_id":  stored.ID,
		"guild_id": stored.GuildID,
		"buyer":    stored.BuyerID,
		"seller":   stored.SellerID,
	})
	return stored, nil
}

// AddMilestone creates a PENDING milestone under a deal and appends it to the
// deal's ordered milestone list.
func (s *Service) AddMilestone(ctx context.Context, m Milestone) (Milestone, error) {
	if m.Amount == nil || m.Amount.Sign() < 0 {
		return Milestone{}, fmt.Errorf("deal: milestone amount must be a non-negative integer")
	}
	if len(m.Recipients) == 0 {
		return Milestone{}, fmt.Errorf("deal: milestone requires at least one recipient")
	}

	unlock := s.store.Lock(m.DealID)
	defer unlock()

	d, err := s.store.GetDeal(ctx, m.DealID)
	if err != nil {
		return Milestone{}, err
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.VerifyPolicy == "" {
		m.VerifyPolicy = VerifyNone
	}
	stored, err := s.store.PutMilestone(ctx, m)
	if err != nil {
		return Milestone{}, fmt.Errorf("deal: store milestone: %w", err)
	}

	d.Milestones = append(d.Milestones, stored.ID)
	if _, err := s.store.PutDeal(ctx, d); err != nil {
		// The milestone row is already persisted without a deal attachment;
		// record it so the dangling row can be reconciled.
		s.audit.Append("milestone.orphaned", map[string]any{
			"milestone_id": stored.ID,
			"deal_id":      d.ID,
		})
		return Milestone{}, fmt.Errorf("deal: attach milestone to deal: %w", err)
	}

	s.audit.Append("milestone.created", map[string]any{
		"milestone_id": stored.ID,
		"deal_id":      d.ID,
		"amount":       stored.Amount.String(),
	})
	return stored, nil
}

// DepositOpts identifies the depositor and the cap applied to unverified
// participants.
type DepositOpts struct {
	Wallet      string
	CommunityID string
	Cap         *big.Int
}

// RecordDeposit screens the depositor and enforces the unverified deposit
// cap; caps bound counterparty risk before identity verification completes.
func (s *Service) RecordDeposit(ctx context.Context, dealID string, amount *big.Int, opts DepositOpts) error {
	if err := s.assertNotBlocked(ctx, opts.Wallet, opts.CommunityID); err != nil {
		return err
	}
	if opts.Cap != nil && amount.Cmp(opts.Cap) > 0 {
		return fault.New(fault.CodeVerification, "deal: deposit exceeds configured cap for unverified participant")
	}
	s.audit.Append("escrow.deposit.recorded", map[string]any{
		"deal_id":      dealID,
		"amount":       amount.String(),
		"wallet":       opts.Wallet,
		"community_id": opts.CommunityID,
	})
	return nil
}

// StoreDeliverable pins the blob and attaches the resulting content id and
// checksum to the milestone.
func (s *Service) StoreDeliverable(ctx context.Context, milestoneID string, blob []byte, expectedChecksum string) (Milestone, error) {
	unlock := s.store.Lock(milestoneID)
	defer unlock()

	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	contentID, checksum, err := s.pinner.Pin(ctx, blob)
	if err != nil {
		return Milestone{}, fmt.Errorf("deal: pin deliverable: %w", err)
	}

	m.DeliverableCID = contentID
	m.DeliverableChecksum = checksum
	if expectedChecksum != "" {
		m.ExpectedChecksum = expectedChecksum
	}
	stored, err := s.store.PutMilestone(ctx, m)
	if err != nil {
		return Milestone{}, fmt.Errorf("deal: store deliverable: %w", err)
	}

	s.audit.Append("deliverable.pinned", map[string]any{
		"milestone_id": milestoneID,
		"content_id":   contentID,
		"checksum":     checksum,
	})
	return stored, nil
}

// AcceptRequest parameterizes one acceptance attempt.
type AcceptRequest struct {
	MilestoneID string
	Actor       Actor
	Contract    escrow.ContractAdapter
	Signers     []escrow.Signer
	SafeAddress string
}

// AcceptMilestone runs the acceptance pipeline: authorization, automated
// verification, then release. The per-milestone lock is held across the
// release submission so concurrent acceptance of the same milestone cannot
// double-release. A failure after the ACCEPTED mark leaves the milestone in
// ACCEPTED so the partial progress is observable and the call retryable.
func (s *Service) AcceptMilestone(ctx context.Context, req AcceptRequest) (Milestone, error) {
	unlock := s.store.Lock(req.MilestoneID)
	defer unlock()

	m, err := s.store.GetMilestone(ctx, req.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status == StatusDisputed {
		return Milestone{}, fault.New(fault.CodeVerification, "deal: milestone is locked by an active dispute")
	}
	if m.Status.Terminal() {
		return Milestone{}, fault.Newf(fault.CodeVerification, "deal: milestone is already %s", m.Status)
	}

	d, err := s.store.GetDeal(ctx, m.DealID)
	if err != nil {
		return Milestone{}, err
	}

	if !actorMayAccept(d, req.Actor) {
		return Milestone{}, fault.New(fault.CodeAuthorization, "deal: actor is not authorized to accept this milestone")
	}

	acceptedAt := s.now().UTC()
	m.Status = StatusAccepted
	m.AcceptedAt = &acceptedAt
	if m, err = s.store.PutMilestone(ctx, m); err != nil {
		return Milestone{}, fmt.Errorf("deal: mark accepted: %w", err)
	}

	if err := s.runVerification(ctx, m); err != nil {
		return Milestone{}, err
	}

	if len(m.Recipients) == 0 {
		return Milestone{}, fault.New(fault.CodeVerification, "deal: milestone has no payout recipients")
	}
	amounts := splitAmount(m.Amount, len(m.Recipients))

	safeAddress := req.SafeAddress
	if safeAddress == "" {
		safeAddress = d.ControllerSafe
	}

	res, err := s.escrow.Release(ctx, escrow.ReleaseRequest{
		Contract:    req.Contract,
		Recipients:  m.Recipients,
		Amounts:     amounts,
		Signers:     req.Signers,
		SafeAddress: safeAddress,
	})
	if err != nil {
		return Milestone{}, fmt.Errorf("deal: release milestone %s: %w", m.ID, err)
	}

	m.Status = StatusReleased
	if m, err = s.store.PutMilestone(ctx, m); err != nil {
		return Milestone{}, fmt.Errorf("deal: mark released: %w", err)
	}
	s.audit.Append("milestone.released", map[string]any{
		"milestone_id":    m.ID,
		"deal_id":         m.DealID,
		"tx_hash":         res.TxHash,
		"safe_request_id": res.SafeRequestID,
	})
	return m, nil
}

// actorMayAccept permits the deal's buyer identity or any wallet in the
// deal's authorized signer set.
func actorMayAccept(d Deal, actor Actor) bool {
	if actor.CommunityID != "" && actor.CommunityID == d.BuyerID {
		return true
	}
	if actor.Wallet == "" {
		return false
	}
	for _, signer := range d.RequiredSigners {
		if strings.EqualFold(signer, actor.Wallet) {
			return true
		}
	}
	return false
}

// OpenDispute opens a dispute against a milestone and locks it.
func (s *Service) OpenDispute(ctx context.Context, milestoneID, openedBy, description string) (dispute.Dispute, error) {
	unlock := s.store.Lock(milestoneID)
	defer unlock()

	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return dispute.Dispute{}, err
	}
	if m.Status.Terminal() {
		return dispute.Dispute{}, fault.Newf(fault.CodeVerification, "deal: milestone is already %s", m.Status)
	}

	now := s.now().UTC()
	dsp := dispute.Dispute{
		ID:          uuid.NewString(),
		MilestoneID: milestoneID,
		OpenedBy:    openedBy,
		Status:      dispute.StatusOpen,
		CreatedAt:   now,
	}
	if description != "" {
		dsp.Evidence = []dispute.EvidenceArtifact{{
			ID:          uuid.NewString(),
			SubmittedBy: openedBy,
			SubmittedAt: now,
			Description: description,
		}}
	}
	if dsp, err = s.store.PutDispute(ctx, dsp); err != nil {
		return dispute.Dispute{}, fmt.Errorf("deal: store dispute: %w", err)
	}

	m.Status = StatusDisputed
	m.DisputeID = dsp.ID
	if _, err := s.store.PutMilestone(ctx, m); err != nil {
		return dispute.Dispute{}, fmt.Errorf("deal: lock milestone under dispute: %w", err)
	}

	s.audit.Append("dispute.opened", map[string]any{
		"milestone_id": milestoneID,
		"dispute_id":   dsp.ID,
		"opened_by":    openedBy,
	})
	return dsp, nil
}

// AddEvidence appends an artifact to a dispute. Evidence may be added at any
// dispute stage, including after escalation.
func (s *Service) AddEvidence(ctx context.Context, disputeID string, artifact dispute.EvidenceArtifact) (dispute.Dispute, error) {
	unlock := s.store.Lock(disputeID)
	defer unlock()

	dsp, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return dispute.Dispute{}, err
	}

	artifact.ID = uuid.NewString()
	artifact.SubmittedAt = s.now().UTC()
	dsp.Evidence = append(dsp.Evidence, artifact)
	if dsp, err = s.store.PutDispute(ctx, dsp); err != nil {
		return dispute.Dispute{}, fmt.Errorf("deal: store evidence: %w", err)
	}

	s.audit.Append("dispute.evidence", map[string]any{
		"dispute_id":   disputeID,
		"artifact_id":  artifact.ID,
		"submitted_by": artifact.SubmittedBy,
	})
	return dsp, nil
}

// EscalateToArbitrator moves a dispute to ESCALATED. Re-escalating an
// already escalated dispute is accepted.
func (s *Service) EscalateToArbitrator(ctx context.Context, disputeID string) (dispute.Dispute, error) {
	unlock := s.store.Lock(disputeID)
	defer unlock()

	dsp, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return dispute.Dispute{}, err
	}
	if dsp.Status == dispute.StatusResolved {
		return dispute.Dispute{}, fault.New(fault.CodeVerification, "deal: dispute is already resolved")
	}

	dsp.Status = dispute.StatusEscalated
	if dsp, err = s.store.PutDispute(ctx, dsp); err != nil {
		return dispute.Dispute{}, fmt.Errorf("deal: escalate dispute: %w", err)
	}

	s.audit.Append("dispute.escalated", map[string]any{"dispute_id": disputeID})
	return dsp, nil
}

// ResolveDispute closes a dispute and applies the decision to the linked
// milestone: release moves it to RELEASED, refund and split to REFUNDED. The
// literal decision is preserved in the resolution record.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, decision dispute.Decision, details, resolver string) (dispute.Dispute, error) {
	if !decision.Valid() {
		return dispute.Dispute{}, fault.Newf(fault.CodeVerification, "deal: unrecognized dispute decision %q", decision)
	}

	unlock := s.store.Lock(disputeID)
	defer unlock()

	dsp, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return dispute.Dispute{}, err
	}
	if dsp.Status == dispute.StatusResolved {
		return dispute.Dispute{}, fault.New(fault.CodeVerification, "deal: dispute is already resolved")
	}

	dsp.Status = dispute.StatusResolved
	dsp.Resolution = &dispute.Resolution{
		Decision:   decision,
		Details:    details,
		ResolvedBy: resolver,
		ResolvedAt: s.now().UTC(),
	}
	if dsp, err = s.store.PutDispute(ctx, dsp); err != nil {
		return dispute.Dispute{}, fmt.Errorf("deal: resolve dispute: %w", err)
	}

	if err := s.applyResolution(ctx, dsp.MilestoneID, decision); err != nil {
		return dispute.Dispute{}, err
	}

	s.audit.Append("dispute.resolved", map[string]any{
		"dispute_id": disputeID,
		"decision":   string(decision),
		"details":    details,
	})
	return dsp, nil
}

func (s *Service) applyResolution(ctx context.Context, milestoneID string, decision dispute.Decision) error {
	if milestoneID == "" {
		return nil
	}
	unlock := s.store.Lock(milestoneID)
	defer unlock()

	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		if fault.IsCode(err, fault.CodeNotFound) {
			return nil
		}
		return err
	}

	if decision == dispute.DecisionRelease {
		m.Status = StatusReleased
	} else {
		m.Status = StatusRefunded
	}
	if _, err := s.store.PutMilestone(ctx, m); err != nil {
		return fmt.Errorf("deal: apply resolution to milestone: %w", err)
	}
	return nil
}

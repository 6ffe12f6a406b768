// Package api is the HTTP surface of the engine. Handlers stay thin: parse
// the request, call the orchestrator, render the result.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fault"
	"escrowflow/state"
	"escrowflow/treasury"
)

// Store is the slice of the repository the read-side handlers need.
type Store interface {
	GetDeal(ctx context.Context, id string) (deal.Deal, error)
	GetMilestone(ctx context.Context, id string) (deal.Milestone, error)
	ListMilestonesByDeal(ctx context.Context, dealID string) ([]deal.Milestone, error)
	AddBlocklistEntry(ctx context.Context, e state.BlocklistEntry) (state.BlocklistEntry, error)
}

// AuditLog exposes the audit history for the read endpoint.
type AuditLog interface {
	List() []audit.Record
}

// ContractResolver returns the escrow contract adapter for a deal.
type ContractResolver func(d deal.Deal) (escrow.ContractAdapter, error)

// SignerResolver returns the signer handles available for a deal's release.
type SignerResolver func(d deal.Deal) ([]escrow.Signer, error)

// Options collects the server's dependencies.
type Options struct {
	Deals      *deal.Service
	Treasury   *treasury.Service
	Store      Store
	Audit      AuditLog
	JWTSecret  []byte
	DepositCap *big.Int
	Contracts  ContractResolver
	Signers    SignerResolver
}

// Server routes HTTP requests into the engine.
type Server struct {
	deals      *deal.Service
	treasury   *treasury.Service
	store      Store
	auditLog   AuditLog
	jwtSecret  []byte
	depositCap *big.Int
	contracts  ContractResolver
	signers    SignerResolver
	router     chi.Router
}

func NewServer(opts Options) *Server {
	s := &Server{
		deals:      opts.Deals,
		treasury:   opts.Treasury,
		store:      opts.Store,
		auditLog:   opts.Audit,
		jwtSecret:  opts.JWTSecret,
		depositCap: opts.DepositCap,
		contracts:  opts.Contracts,
		signers:    opts.Signers,
	}

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(s.requireActor)

		r.Post("/deals", s.handleCreateDeal)
		r.Get("/deals/{dealID}", s.handleGetDeal)
		r.Post("/deals/{dealID}/deposits", s.handleRecordDeposit)
		r.Post("/deals/{dealID}/milestones", s.handleAddMilestone)

		r.Post("/milestones/{milestoneID}/accept", s.handleAcceptMilestone)
		r.Post("/milestones/{milestoneID}/deliverable", s.handleStoreDeliverable)
		r.Post("/milestones/{milestoneID}/disputes", s.handleOpenDispute)

		r.Post("/disputes/{disputeID}/evidence", s.handleAddEvidence)
		r.Post("/disputes/{disputeID}/escalate", s.handleEscalate)
		r.Post("/disputes/{disputeID}/resolve", s.handleResolve)

		r.Get("/audit", s.handleListAudit)
		r.Get("/treasury/sweeps/pending", s.handleListPendingSweeps)
		r.Post("/blocklist", s.handleAddBlocklistEntry)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createDealReq struct {
	GuildID           string   `json:"guild_id"`
	BuyerID           string   `json:"buyer_id"`
	SellerID          string   `json:"seller_id"`
	EscrowAddress     string   `json:"escrow_address"`
	EscrowChainID     int64    `json:"escrow_chain_id"`
	RequiredSigners   []string `json:"required_signers"`
	ControllerSafe    string   `json:"controller_safe"`
	RefundWindowHours int64    `json:"refund_window_hours"`
	RefundDualConfirm string   `json:"refund_dual_confirm"`
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BuyerID == "" || req.SellerID == "" || req.EscrowAddress == "" {
		writeError(w, http.StatusBadRequest, "buyer_id, seller_id and escrow_address are required")
		return
	}

	d := deal.Deal{
		GuildID:         req.GuildID,
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		EscrowAddress:   req.EscrowAddress,
		EscrowChainID:   req.EscrowChainID,
		RequiredSigners: req.RequiredSigners,
		ControllerSafe:  req.ControllerSafe,
		RefundWindow:    time.Duration(req.RefundWindowHours) * time.Hour,
	}
	if req.RefundDualConfirm != "" {
		threshold, err := parseWei(req.RefundDualConfirm)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid refund_dual_confirm amount")
			return
		}
		d.RefundDualConfirm = threshold
	}

	created, err := s.deals.CreateDeal(r.Context(), d)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")

	d, err := s.store.GetDeal(r.Context(), dealID)
	if err != nil {
		writeFault(w, err)
		return
	}
	milestones, err := s.store.ListMilestonesByDeal(r.Context(), dealID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deal":       d,
		"milestones": milestones,
	})
}

type depositReq struct {
	Amount string `json:"amount"`
}

func (s *Server) handleRecordDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseWei(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deposit amount")
		return
	}

	actor, _ := ActorFromContext(r.Context())
	err = s.deals.RecordDeposit(r.Context(), chi.URLParam(r, "dealID"), amount, deal.DepositOpts{
		Wallet:      actor.Wallet,
		CommunityID: actor.CommunityID,
		Cap:         s.depositCap,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"recorded": true})
}

type addMilestoneReq struct {
	Amount           string   `json:"amount"`
	Recipients       []string `json:"recipients"`
	Deadline         string   `json:"deadline"`
	VerifyPolicy     string   `json:"verify_policy"`
	ExpectedChecksum string   `json:"expected_checksum"`
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	var req addMilestoneReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseWei(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid milestone amount")
		return
	}
	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "deadline must be RFC 3339")
		return
	}

	m, err := s.deals.AddMilestone(r.Context(), deal.Milestone{
		DealID:           chi.URLParam(r, "dealID"),
		Amount:           amount,
		Recipients:       req.Recipients,
		Deadline:         deadline,
		VerifyPolicy:     deal.VerifyPolicy(req.VerifyPolicy),
		ExpectedChecksum: req.ExpectedChecksum,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type acceptReq struct {
	SafeAddress string `json:"safe_address"`
}

func (s *Server) handleAcceptMilestone(w http.ResponseWriter, r *http.Request) {
	milestoneID := chi.URLParam(r, "milestoneID")

	var req acceptReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	actor, _ := ActorFromContext(r.Context())

	// Resolve the contract from the owning deal before entering the
	// acceptance pipeline.
	m, err := s.store.GetMilestone(r.Context(), milestoneID)
	if err != nil {
		writeFault(w, err)
		return
	}
	d, err := s.store.GetDeal(r.Context(), m.DealID)
	if err != nil {
		writeFault(w, err)
		return
	}
	contract, err := s.contracts(d)
	if err != nil {
		writeError(w, http.StatusBadGateway, "escrow contract unavailable")
		return
	}
	signers, err := s.signers(d)
	if err != nil {
		writeError(w, http.StatusBadGateway, "release signers unavailable")
		return
	}

	released, err := s.deals.AcceptMilestone(r.Context(), deal.AcceptRequest{
		MilestoneID: milestoneID,
		Actor:       actor,
		Contract:    contract,
		Signers:     signers,
		SafeAddress: req.SafeAddress,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, released)
}

type deliverableReq struct {
	Content          []byte `json:"content"`
	ExpectedChecksum string `json:"expected_checksum"`
}

func (s *Server) handleStoreDeliverable(w http.ResponseWriter, r *http.Request) {
	var req deliverableReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	m, err := s.deals.StoreDeliverable(r.Context(), chi.URLParam(r, "milestoneID"), req.Content, req.ExpectedChecksum)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type openDisputeReq struct {
	Description string `json:"description"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	actor, _ := ActorFromContext(r.Context())
	dsp, err := s.deals.OpenDispute(r.Context(), chi.URLParam(r, "milestoneID"), actorIdentity(actor), req.Description)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dsp)
}

type evidenceReq struct {
	ContentID   string `json:"content_id"`
	Checksum    string `json:"checksum"`
	Description string `json:"description"`
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor, _ := ActorFromContext(r.Context())
	dsp, err := s.deals.AddEvidence(r.Context(), chi.URLParam(r, "disputeID"), dispute.EvidenceArtifact{
		ContentID:   req.ContentID,
		Checksum:    req.Checksum,
		Description: req.Description,
		SubmittedBy: actorIdentity(actor),
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dsp)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	dsp, err := s.deals.EscalateToArbitrator(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dsp)
}

type resolveReq struct {
	Decision string `json:"decision"`
	Details  string `json:"details"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor, _ := ActorFromContext(r.Context())
	dsp, err := s.deals.ResolveDispute(r.Context(), chi.URLParam(r, "disputeID"),
		dispute.Decision(req.Decision), req.Details, actorIdentity(actor))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dsp)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auditLog.List())
}

func (s *Server) handleListPendingSweeps(w http.ResponseWriter, r *http.Request) {
	sweeps, err := s.treasury.ListPending(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweeps)
}

type blocklistReq struct {
	Wallet      string `json:"wallet"`
	CommunityID string `json:"community_id"`
	Reason      string `json:"reason"`
}

func (s *Server) handleAddBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	var req blocklistReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Wallet == "" && req.CommunityID == "" {
		writeError(w, http.StatusBadRequest, "wallet or community_id is required")
		return
	}

	entry, err := s.store.AddBlocklistEntry(r.Context(), state.BlocklistEntry{
		Wallet:      req.Wallet,
		CommunityID: req.CommunityID,
		Reason:      req.Reason,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// actorIdentity picks the caller's display identity: community id when
// present, wallet otherwise.
func actorIdentity(actor deal.Actor) string {
	if actor.CommunityID != "" {
		return actor.CommunityID
	}
	return actor.Wallet
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("api: invalid wei amount %q", s)
	}
	return v, nil
}

// writeFault maps an engine error to an HTTP status via its taxonomy code.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.CodeOf(err) {
	case fault.CodeNotFound:
		status = http.StatusNotFound
	case fault.CodeBlockedParticipant, fault.CodeAuthorization:
		status = http.StatusForbidden
	case fault.CodeVerification:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(fault.CodeOf(err)),
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing useful left to do.
		return
	}
}

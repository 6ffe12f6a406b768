// Package state is the authoritative in-process registry for deals,
// milestones, disputes, blocklist entries, and treasury records. It is the
// single mutation point: no component mutates an entity it did not fetch
// through the repository.
package state

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/fault"
	"escrowflow/treasury"
)

// Repository holds every entity registry behind a single registry mutex plus
// a per-entity key lock set for callers that must serialize an operation
// across network suspension points.
type Repository struct {
	mu         sync.RWMutex
	deals      map[string]deal.Deal
	milestones map[string]deal.Milestone
	disputes   map[string]dispute.Dispute
	blocklist  map[string]BlocklistEntry
	sweeps     map[string]treasury.SweepRecord
	sweepOrder []string

	locks *KeyMutex
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{
		deals:      make(map[string]deal.Deal),
		milestones: make(map[string]deal.Milestone),
		disputes:   make(map[string]dispute.Dispute),
		blocklist:  make(map[string]BlocklistEntry),
		sweeps:     make(map[string]treasury.SweepRecord),
		locks:      NewKeyMutex(),
	}
}

// Lock acquires the per-entity mutex for id and returns the release func.
func (r *Repository) Lock(id string) func() {
	return r.locks.Lock(id)
}

// PutDeal stores or replaces a deal.
func (r *Repository) PutDeal(_ context.Context, d deal.Deal) (deal.Deal, error) {
	d = cloneDeal(d)
	r.mu.Lock()
	r.deals[d.ID] = d
	r.mu.Unlock()
	return cloneDeal(d), nil
}

// GetDeal fetches a deal by id.
func (r *Repository) GetDeal(_ context.Context, id string) (deal.Deal, error) {
	r.mu.RLock()
	d, ok := r.deals[id]
	r.mu.RUnlock()
	if !ok {
		return deal.Deal{}, fault.Newf(fault.CodeNotFound, "state: deal %s not found", id)
	}
	return cloneDeal(d), nil
}

// ListDeals returns every deal in no particular order.
func (r *Repository) ListDeals(_ context.Context) ([]deal.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]deal.Deal, 0, len(r.deals))
	for _, d := range r.deals {
		out = append(out, cloneDeal(d))
	}
	return out, nil
}

// PutMilestone stores or replaces a milestone.
func (r *Repository) PutMilestone(_ context.Context, m deal.Milestone) (deal.Milestone, error) {
	m = cloneMilestone(m)
	r.mu.Lock()
	r.milestones[m.ID] = m
	r.mu.Unlock()
	return cloneMilestone(m), nil
}

// GetMilestone fetches a milestone by id.
func (r *Repository) GetMilestone(_ context.Context, id string) (deal.Milestone, error) {
	r.mu.RLock()
	m, ok := r.milestones[id]
	r.mu.RUnlock()
	if !ok {
		return deal.Milestone{}, fault.Newf(fault.CodeNotFound, "state: milestone %s not found", id)
	}
	return cloneMilestone(m), nil
}

// ListMilestonesByDeal returns the milestones owned by a deal.
func (r *Repository) ListMilestonesByDeal(_ context.Context, dealID string) ([]deal.Milestone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []deal.Milestone
	for _, m := range r.milestones {
		if m.DealID == dealID {
			out = append(out, cloneMilestone(m))
		}
	}
	return out, nil
}

// PutDispute stores or replaces a dispute.
func (r *Repository) PutDispute(_ context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	d = cloneDispute(d)
	r.mu.Lock()
	r.disputes[d.ID] = d
	r.mu.Unlock()
	return cloneDispute(d), nil
}

// GetDispute fetches a dispute by id.
func (r *Repository) GetDispute(_ context.Context, id string) (dispute.Dispute, error) {
	r.mu.RLock()
	d, ok := r.disputes[id]
	r.mu.RUnlock()
	if !ok {
		return dispute.Dispute{}, fault.Newf(fault.CodeNotFound, "state: dispute %s not found", id)
	}
	return cloneDispute(d), nil
}

// AddBlocklistEntry appends a blocklist entry, assigning identity and
// timestamp when absent.
func (r *Repository) AddBlocklistEntry(_ context.Context, e BlocklistEntry) (BlocklistEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.blocklist[e.ID] = e
	r.mu.Unlock()
	return e, nil
}

// IsBlocked reports whether either identity matches a stored entry. Wallet
// comparison is case-insensitive, community identity is exact.
func (r *Repository) IsBlocked(_ context.Context, wallet, communityID string) (bool, error) {
	wallet = strings.ToLower(wallet)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.blocklist {
		if wallet != "" && e.Wallet != "" && strings.ToLower(e.Wallet) == wallet {
			return true, nil
		}
		if communityID != "" && e.CommunityID == communityID {
			return true, nil
		}
	}
	return false, nil
}

// PutSweep stores or replaces a treasury sweep record, preserving insertion
// order for listing.
func (r *Repository) PutSweep(_ context.Context, rec treasury.SweepRecord) (treasury.SweepRecord, error) {
	rec = cloneSweep(rec)
	r.mu.Lock()
	if _, exists := r.sweeps[rec.ID]; !exists {
		r.sweepOrder = append(r.sweepOrder, rec.ID)
	}
	r.sweeps[rec.ID] = rec
	r.mu.Unlock()
	return cloneSweep(rec), nil
}

// ListSweepsByStatus returns sweep records with exactly the given status,
// in creation order.
func (r *Repository) ListSweepsByStatus(_ context.Context, status treasury.Status) ([]treasury.SweepRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []treasury.SweepRecord
	for _, id := range r.sweepOrder {
		rec := r.sweeps[id]
		if rec.Status == status {
			out = append(out, cloneSweep(rec))
		}
	}
	return out, nil
}

func cloneDeal(d deal.Deal) deal.Deal {
	d.RequiredSigners = append([]string(nil), d.RequiredSigners...)
	d.Milestones = append([]string(nil), d.Milestones...)
	if d.RefundDualConfirm != nil {
		d.RefundDualConfirm = new(big.Int).Set(d.RefundDualConfirm)
	}
	return d
}

func cloneMilestone(m deal.Milestone) deal.Milestone {
	m.Recipients = append([]string(nil), m.Recipients...)
	if m.Amount != nil {
		m.Amount = new(big.Int).Set(m.Amount)
	}
	if m.AcceptedAt != nil {
		t := *m.AcceptedAt
		m.AcceptedAt = &t
	}
	return m
}

func cloneDispute(d dispute.Dispute) dispute.Dispute {
	d.Evidence = append([]dispute.EvidenceArtifact(nil), d.Evidence...)
	if d.Resolution != nil {
		res := *d.Resolution
		d.Resolution = &res
	}
	return d
}

func cloneSweep(rec treasury.SweepRecord) treasury.SweepRecord {
	if rec.Amount != nil {
		rec.Amount = new(big.Int).Set(rec.Amount)
	}
	if rec.Threshold != nil {
		rec.Threshold = new(big.Int).Set(rec.Threshold)
	}
	return rec
}

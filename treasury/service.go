// Package treasury implements the sweep policy moving hot-wallet balances
// above a threshold into cold custody.
package treasury

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"escrowflow/audit"
)

// Store persists sweep records.
type Store interface {
	PutSweep(ctx context.Context, rec SweepRecord) (SweepRecord, error)
	ListSweepsByStatus(ctx context.Context, status Status) ([]SweepRecord, error)
}

// Preparer obtains a custody request hash for a prepared transfer.
type Preparer interface {
	PrepareTransaction(ctx context.Context, safeAddress string, payload TransferPayload) (string, error)
}

// Auditor records sweep actions on the audit log.
type Auditor interface {
	Append(eventType string, payload map[string]any) audit.Record
}

// Service applies the sweep policy.
type Service struct {
	store    Store
	audit    Auditor
	preparer Preparer // optional
}

// NewService wires the sweep policy. preparer may be nil when no custody
// integration is configured; the request hash is then generated locally.
func NewService(store Store, auditor Auditor, preparer Preparer) *Service {
	return &Service{store: store, audit: auditor, preparer: preparer}
}

// QueueSweep prepares a transfer when balance strictly exceeds threshold.
// At or below threshold it is a no-op returning nil.
func (s *Service) QueueSweep(ctx context.Context, safeAddress, hotWallet string, balance, threshold *big.Int) (*SweepRecord, error) {
	if balance.Cmp(threshold) <= 0 {
		return nil, nil
	}

	payload := TransferPayload{
		To:        hotWallet,
		Value:     new(big.Int).Set(balance),
		Data:      "0x",
		Operation: 0,
	}

	requestHash := uuid.NewString()
	if s.preparer != nil {
		hash, err := s.preparer.PrepareTransaction(ctx, safeAddress, payload)
		if err != nil {
			return nil, fmt.Errorf("treasury: prepare custody transaction: %w", err)
		}
		requestHash = hash
	}

	rec := SweepRecord{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		SafeAddress: safeAddress,
		Threshold:   new(big.Int).Set(threshold),
		Amount:      new(big.Int).Set(balance),
		Payload:     payload,
		RequestHash: requestHash,
		Status:      StatusPending,
	}
	rec, err := s.store.PutSweep(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("treasury: persist sweep record: %w", err)
	}

	s.audit.Append("treasury.sweep.enqueued", map[string]any{
		"safe_address": safeAddress,
		"hot_wallet":   hotWallet,
		"balance":      balance.String(),
		"threshold":    threshold.String(),
		"request_hash": requestHash,
	})
	return &rec, nil
}

// ListPending returns sweep records awaiting execution.
func (s *Service) ListPending(ctx context.Context) ([]SweepRecord, error) {
	return s.store.ListSweepsByStatus(ctx, StatusPending)
}

// SweepJob periodically fetches the hot-wallet balance and applies the policy.
type SweepJob struct {
	Treasury     *Service
	FetchBalance func(ctx context.Context) (*big.Int, error)
	HotWallet    string
	SafeAddress  string
	Threshold    *big.Int
}

// Run applies one sweep cycle.
func (j *SweepJob) Run(ctx context.Context) error {
	balance, err := j.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("treasury: fetch hot wallet balance: %w", err)
	}
	_, err = j.Treasury.QueueSweep(ctx, j.SafeAddress, j.HotWallet, balance, j.Threshold)
	return err
}

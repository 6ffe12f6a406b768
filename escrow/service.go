// Package escrow implements the release protocol: it builds a signable
// release payload, collects authorization signatures, and submits the release
// either directly with the controller key or through a safe-custody queue.
package escrow

import (
	"context"
	"fmt"
	"math/big"

	"escrowflow/audit"
	"escrowflow/fault"
)

// Signer produces an authorization signature over a typed release payload.
type Signer interface {
	SignRelease(ctx context.Context, payload Payload) (string, error)
}

// SafeQueue hands a release payload to a multi-party custody transaction
// queue instead of submitting it directly.
type SafeQueue interface {
	Enqueue(ctx context.Context, safeAddress string, payload Payload) error
}

// Auditor records protocol actions on the audit log.
type Auditor interface {
	Append(eventType string, payload map[string]any) audit.Record
}

// Service coordinates release submission against one deployment's policy.
type Service struct {
	audit       Auditor
	controller  Signer // nil when no controller key is held
	requireSafe bool
	safeQueue   SafeQueue
}

// NewService wires the release protocol. controller may be nil when the
// deployment holds no controller key; safeQueue may be nil when no custody
// integration is configured.
func NewService(auditor Auditor, controller Signer, requireSafe bool, safeQueue SafeQueue) *Service {
	return &Service{
		audit:       auditor,
		controller:  controller,
		requireSafe: requireSafe,
		safeQueue:   safeQueue,
	}
}

// ReleaseRequest binds one release attempt.
type ReleaseRequest struct {
	Contract    ContractAdapter
	Recipients  []string
	Amounts     []*big.Int
	Signers     []Signer
	SafeAddress string
}

// ReleaseResult reports how the release left the engine. Exactly one of
// TxHash and SafeRequestID is set.
type ReleaseResult struct {
	TxHash        string
	SafeRequestID string
}

// Release executes the protocol. Malformed input is rejected before any
// network interaction so no partial signature collection happens.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	if len(req.Recipients) != len(req.Amounts) {
		return ReleaseResult{}, fmt.Errorf("escrow: recipients and amounts length mismatch (%d != %d)", len(req.Recipients), len(req.Amounts))
	}

	nonce, err := req.Contract.GetNonce(ctx)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("escrow: read nonce: %w", err)
	}

	payload, err := BuildReleasePayload(req.Contract, req.Recipients, req.Amounts, nonce)
	if err != nil {
		return ReleaseResult{}, err
	}

	if req.SafeAddress != "" && (s.controller == nil || s.requireSafe) {
		return s.enqueueSafe(ctx, req, nonce, payload)
	}

	if s.controller == nil {
		return ReleaseResult{}, fault.New(fault.CodeMissingControllerKey, "escrow: controller signing key required for direct release")
	}

	signatures := make([]string, 0, len(req.Signers))
	for _, signer := range req.Signers {
		sig, err := signer.SignRelease(ctx, payload)
		if err != nil {
			return ReleaseResult{}, fmt.Errorf("escrow: collect signature: %w", err)
		}
		signatures = append(signatures, sig)
	}

	txHash, err := req.Contract.Release(ctx, req.Recipients, req.Amounts, signatures)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("escrow: submit release: %w", err)
	}

	s.audit.Append("escrow.release.executed", map[string]any{
		"contract":   req.Contract.Address(),
		"recipients": req.Recipients,
		"amounts":    amountStrings(req.Amounts),
		"tx_hash":    txHash,
	})
	return ReleaseResult{TxHash: txHash}, nil
}

// enqueueSafe routes the release through custody. The request id is
// deterministic over (safe, contract, nonce) so retries resolve to the same
// custody request.
func (s *Service) enqueueSafe(ctx context.Context, req ReleaseRequest, nonce *big.Int, payload Payload) (ReleaseResult, error) {
	s.audit.Append("escrow.release.safe_enqueued", map[string]any{
		"contract":     req.Contract.Address(),
		"safe_address": req.SafeAddress,
		"recipients":   req.Recipients,
		"amounts":      amountStrings(req.Amounts),
	})

	if s.safeQueue != nil {
		if err := s.safeQueue.Enqueue(ctx, req.SafeAddress, payload); err != nil {
			return ReleaseResult{}, fmt.Errorf("escrow: enqueue safe request: %w", err)
		}
	}

	requestID := fmt.Sprintf("%s:%s:%s", req.SafeAddress, req.Contract.Address(), nonce.String())
	return ReleaseResult{SafeRequestID: requestID}, nil
}

func amountStrings(amounts []*big.Int) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}

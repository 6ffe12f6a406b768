package deal

import (
	"math/big"
	"time"
)

// MilestoneStatus is the milestone state machine. RELEASED and REFUNDED are
// terminal.
type MilestoneStatus string

const (
	StatusPending  MilestoneStatus = "PENDING"
	StatusAccepted MilestoneStatus = "ACCEPTED"
	StatusDisputed MilestoneStatus = "DISPUTED"
	StatusReleased MilestoneStatus = "RELEASED"
	StatusRefunded MilestoneStatus = "REFUNDED"
)

// Terminal reports whether no further transition is permitted.
func (s MilestoneStatus) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// VerifyPolicy selects the automated verification applied during acceptance.
type VerifyPolicy string

const (
	VerifyNone      VerifyPolicy = "NONE"
	VerifyHashMatch VerifyPolicy = "HASH_MATCH"
	VerifyTestsPass VerifyPolicy = "TESTS_PASS"
)

// Deal is one escrow agreement. Chain and address fields are immutable after
// creation; the milestone list grows as milestones are added.
type Deal struct {
	ID                string        `json:"id"`
	GuildID           string        `json:"guild_id"`
	BuyerID           string        `json:"buyer_id"`
	SellerID          string        `json:"seller_id"`
	EscrowAddress     string        `json:"escrow_address"`
	EscrowChainID     int64         `json:"escrow_chain_id"`
	RequiredSigners   []string      `json:"required_signers"`
	ControllerSafe    string        `json:"controller_safe,omitempty"`
	RefundWindow      time.Duration `json:"refund_window"`
	RefundDualConfirm *big.Int      `json:"refund_dual_confirm"`
	Milestones        []string      `json:"milestones"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Milestone is a unit of payment owned by exactly one deal, gated by
// deadline, acceptance, and optional automated verification.
type Milestone struct {
	ID                  string          `json:"id"`
	DealID              string          `json:"deal_id"`
	Amount              *big.Int        `json:"amount"`
	Recipients          []string        `json:"recipients"`
	Deadline            time.Time       `json:"deadline"`
	AcceptedAt          *time.Time      `json:"accepted_at,omitempty"`
	Status              MilestoneStatus `json:"status"`
	VerifyPolicy        VerifyPolicy    `json:"verify_policy"`
	DeliverableCID      string          `json:"deliverable_cid,omitempty"`
	DeliverableChecksum string          `json:"deliverable_checksum,omitempty"`
	ExpectedChecksum    string          `json:"expected_checksum,omitempty"`
	DisputeID           string          `json:"dispute_id,omitempty"`
}

// Actor identifies a caller by community identity and/or wallet address.
type Actor struct {
	CommunityID string
	Wallet      string
}

// splitAmount divides amount evenly across n recipients. The integer-division
// remainder goes to the first recipient so the total is preserved.
func splitAmount(amount *big.Int, n int) []*big.Int {
	base, rem := new(big.Int).DivMod(amount, big.NewInt(int64(n)), new(big.Int))
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = new(big.Int).Set(base)
	}
	out[0] = out[0].Add(out[0], rem)
	return out
}

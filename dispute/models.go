package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusEscalated Status = "ESCALATED"
	StatusResolved  Status = "RESOLVED"
)

// Decision is the resolver's ruling on a resolved dispute.
type Decision string

const (
	DecisionRelease Decision = "release"
	DecisionRefund  Decision = "refund"
	DecisionSplit   Decision = "split"
)

// Valid reports whether d is a recognized decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionRelease, DecisionRefund, DecisionSplit:
		return true
	}
	return false
}

// EvidenceArtifact is one submitted piece of dispute evidence.
type EvidenceArtifact struct {
	ID          string    `json:"id"`
	ContentID   string    `json:"content_id"`
	Checksum    string    `json:"checksum"`
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
	Description string    `json:"description,omitempty"`
}

// Resolution captures the outcome of a resolved dispute.
type Resolution struct {
	Decision   Decision  `json:"decision"`
	Details    string    `json:"details"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Dispute is owned by exactly one milestone while open. A milestone with a
// non-resolved dispute is locked: no acceptance or release may proceed.
type Dispute struct {
	ID          string             `json:"id"`
	MilestoneID string             `json:"milestone_id"`
	OpenedBy    string             `json:"opened_by"`
	Status      Status             `json:"status"`
	Evidence    []EvidenceArtifact `json:"evidence"`
	Resolution  *Resolution        `json:"resolution,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Open reports whether the dispute still locks its milestone.
func (d Dispute) Open() bool {
	return d.Status != StatusResolved
}

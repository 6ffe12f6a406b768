package state

import "time"

// BlocklistEntry bans a participant by wallet address (case-insensitive)
// and/or community identity (exact). Entries are append-only.
type BlocklistEntry struct {
	ID          string    `json:"id"`
	Wallet      string    `json:"wallet,omitempty"`
	CommunityID string    `json:"community_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

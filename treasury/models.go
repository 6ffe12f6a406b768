package treasury

import (
	"math/big"
	"time"
)

// Status is the sweep record lifecycle.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusExecuted Status = "EXECUTED"
)

// TransferPayload is the prepared transaction handed to custody.
type TransferPayload struct {
	To        string   `json:"to"`
	Value     *big.Int `json:"value"`
	Data      string   `json:"data"`
	Operation int      `json:"operation"`
}

// SweepRecord is one proposed transfer from the hot wallet to custody.
type SweepRecord struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	SafeAddress string          `json:"safe_address"`
	Threshold   *big.Int        `json:"threshold"`
	Amount      *big.Int        `json:"amount"`
	Payload     TransferPayload `json:"payload"`
	RequestHash string          `json:"request_hash"`
	Status      Status          `json:"status"`
}

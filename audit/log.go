// Package audit holds the append-only record of every state-changing action
// in the engine. Records are never mutated after creation except to attach a
// confirming transaction hash once an async submission lands.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one immutable audit event. Ordering is creation order.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	TxHash    string         `json:"tx_hash,omitempty"`
}

// Log is an in-memory append-only audit log safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	records []Record
	clock   func() time.Time
}

// NewLog constructs an empty log.
func NewLog() *Log {
	return &Log{clock: time.Now}
}

// Append creates a record with a generated identity and current timestamp.
func (l *Log) Append(eventType string, payload map[string]any) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		CreatedAt: l.clock().UTC(),
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return rec
}

// List returns the full ordered sequence as a snapshot. Mutating the returned
// slice or payload maps does not affect stored state.
func (l *Log) List() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.records))
	for i, rec := range l.records {
		out[i] = rec
		if rec.Payload != nil {
			payload := make(map[string]any, len(rec.Payload))
			for k, v := range rec.Payload {
				payload[k] = v
			}
			out[i].Payload = payload
		}
	}
	return out
}

// AttachTxHash records the confirming transaction hash on an existing record.
// It is idempotent for the same hash and a no-op when the id is unknown.
func (l *Log) AttachTxHash(id, txHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.records {
		if l.records[i].ID == id {
			l.records[i].TxHash = txHash
			return
		}
	}
}

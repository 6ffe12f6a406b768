// Package anchor periodically commits a Merkle root of new audit records to
// an on-chain registry so the off-chain log can be proven untampered.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"escrowflow/audit"
)

const defaultBatchLimit = 50

// Contract submits a root to the on-chain anchor registry.
type Contract interface {
	Anchor(ctx context.Context, root string, metadata string) (txHash string, err error)
}

// Log is the slice of the audit log the job needs.
type Log interface {
	List() []audit.Record
	Append(eventType string, payload map[string]any) audit.Record
	AttachTxHash(recordID string, txHash string)
}

// Job anchors unseen audit records in bounded batches. The cursor into the
// log is kept in process and only advanced after a successful submission, so
// a failed run retries the same batch.
type Job struct {
	log      Log
	contract Contract
	limit    int
	cursor   int
	now      func() time.Time
}

func NewJob(log Log, contract Contract, batchLimit int) *Job {
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	return &Job{log: log, contract: contract, limit: batchLimit, now: time.Now}
}

// Run anchors the next batch of records. It returns the submission tx hash,
// or "" when there was nothing new to anchor.
func (j *Job) Run(ctx context.Context) (string, error) {
	records := j.log.List()
	if j.cursor >= len(records) {
		return "", nil
	}

	batch := records[j.cursor:]
	if len(batch) > j.limit {
		batch = batch[:j.limit]
	}

	leaves := make([][32]byte, len(batch))
	for i, rec := range batch {
		leaves[i] = LeafHash(rec)
	}
	root := Root(leaves)
	rootHex := "0x" + hex.EncodeToString(root[:])

	// Per-submission freshness nonce so identical batches produce distinct
	// registry entries.
	nonce := sha256.Sum256([]byte(j.now().UTC().Format(time.RFC3339Nano)))
	metadata := "0x" + hex.EncodeToString(nonce[:])

	txHash, err := j.contract.Anchor(ctx, rootHex, metadata)
	if err != nil {
		return "", fmt.Errorf("anchor: submit root: %w", err)
	}

	first, last := batch[0], batch[len(batch)-1]
	j.cursor += len(batch)

	rec := j.log.Append("audit.anchor", map[string]any{
		"root":     rootHex,
		"metadata": metadata,
		"count":    len(batch),
		"from_id":  first.ID,
		"to_id":    last.ID,
	})
	j.log.AttachTxHash(rec.ID, txHash)

	return txHash, nil
}

package anchor

import (
	"crypto/sha256"
	"encoding/json"

	"escrowflow/audit"
)

// emptyRoot is the fixed sentinel for an empty batch.
var emptyRoot = sha256.Sum256([]byte("empty"))

// LeafHash hashes the immutable identity of one audit record. The tx hash is
// deliberately excluded: it may be attached after the record is anchored.
func LeafHash(rec audit.Record) [32]byte {
	payload, err := json.Marshal(struct {
		ID      string         `json:"id"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}{rec.ID, rec.Type, rec.Payload})
	if err != nil {
		// Audit payloads are built from JSON-safe values throughout the engine.
		panic(err)
	}
	return sha256.Sum256(payload)
}

// Root builds a Merkle root over the leaves by pairwise SHA-256
// concatenation. An odd node at any level is paired with itself; a single
// leaf therefore hashes against itself. Empty input yields the sentinel.
func Root(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return emptyRoot
	}

	level := leaves
	for {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			h := sha256.New()
			h.Write(left[:])
			h.Write(right[:])
			var node [32]byte
			copy(node[:], h.Sum(nil))
			next = append(next, node)
		}
		level = next
		if len(level) == 1 {
			return level[0]
		}
	}
}

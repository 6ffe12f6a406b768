// Package pin stores deliverable artifacts on content-addressed storage and
// returns the identifiers milestone verification checks against.
package pin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Service pins deliverable content. The default implementation derives the
// content id locally; a gateway-backed implementation can replace it without
// touching callers.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Pin stores content and returns its content id and SHA-256 checksum.
func (s *Service) Pin(_ context.Context, content []byte) (string, string, error) {
	if len(content) == 0 {
		return "", "", fmt.Errorf("pin: empty content")
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])
	cid := "bafy" + checksum[:10]
	return cid, checksum, nil
}

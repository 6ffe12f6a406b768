package escrow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// KeySigner signs release digests with a raw symmetric key. It stands in for
// a wallet-backed signer in development and tests; production deployments
// inject an implementation that speaks to a real key store.
type KeySigner struct {
	key []byte
}

// NewKeySigner builds a signer from raw key material.
func NewKeySigner(key string) *KeySigner {
	return &KeySigner{key: []byte(key)}
}

// SignRelease signs the payload digest.
func (s *KeySigner) SignRelease(_ context.Context, payload Payload) (string, error) {
	digest := payload.Digest()
	mac := hmac.New(sha256.New, s.key)
	mac.Write(digest[:])
	return "0x" + hex.EncodeToString(mac.Sum(nil)), nil
}

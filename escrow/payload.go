package escrow

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ContractAdapter is the external call surface of the on-chain escrow
// contract. Consumed, never implemented, by the engine.
type ContractAdapter interface {
	Address() string
	ChainID() int64
	GetNonce(ctx context.Context) (*big.Int, error)
	Release(ctx context.Context, recipients []string, amounts []*big.Int, signatures []string) (txHash string, err error)
}

// Domain scopes a release payload to one contract on one chain so a
// signature cannot be replayed cross-contract or cross-chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// Message carries the release commitment a signer authorizes.
type Message struct {
	RecipientsHash [32]byte
	AmountsHash    [32]byte
	Nonce          *big.Int
}

// Payload is the typed release payload presented to signers.
type Payload struct {
	Domain  Domain
	Message Message
}

const (
	domainName    = "Escrowflow"
	domainVersion = "2"
)

// BuildReleasePayload binds recipients, amounts, and a contract nonce into a
// signable payload scoped to the contract's address and chain.
func BuildReleasePayload(contract ContractAdapter, recipients []string, amounts []*big.Int, nonce *big.Int) (Payload, error) {
	recipientsHash, err := hashAddresses(recipients)
	if err != nil {
		return Payload{}, fmt.Errorf("escrow: hash recipients: %w", err)
	}
	return Payload{
		Domain: Domain{
			Name:              domainName,
			Version:           domainVersion,
			ChainID:           contract.ChainID(),
			VerifyingContract: contract.Address(),
		},
		Message: Message{
			RecipientsHash: recipientsHash,
			AmountsHash:    hashAmounts(amounts),
			Nonce:          new(big.Int).Set(nonce),
		},
	}, nil
}

// Digest collapses the payload into a 32-byte signing digest. Signer
// implementations that hold raw keys sign this; custody implementations may
// re-encode the typed payload instead.
func (p Payload) Digest() [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(p.Domain.Name))
	h.Write([]byte(p.Domain.Version))
	h.Write(uint256Bytes(big.NewInt(p.Domain.ChainID)))
	h.Write([]byte(strings.ToLower(p.Domain.VerifyingContract)))
	h.Write(p.Message.RecipientsHash[:])
	h.Write(p.Message.AmountsHash[:])
	h.Write(uint256Bytes(p.Message.Nonce))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashAddresses keccak-hashes the tightly packed 20-byte addresses.
func hashAddresses(addrs []string) ([32]byte, error) {
	var out [32]byte
	h := sha3.NewLegacyKeccak256()
	for _, addr := range addrs {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(addr), "0x"))
		if err != nil {
			return out, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		if len(raw) != 20 {
			return out, fmt.Errorf("invalid address %q: %d bytes", addr, len(raw))
		}
		h.Write(raw)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// hashAmounts keccak-hashes the tightly packed 32-byte big-endian amounts.
func hashAmounts(amounts []*big.Int) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, amount := range amounts {
		h.Write(uint256Bytes(amount))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func uint256Bytes(v *big.Int) []byte {
	var buf [32]byte
	v.FillBytes(buf[:])
	return buf[:]
}

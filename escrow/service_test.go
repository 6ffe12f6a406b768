package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"escrowflow/audit"
	"escrowflow/fault"
)

const (
	addrA = "0x00000000000000000000000000000000000000a1"
	addrB = "0x00000000000000000000000000000000000000a2"
)

type fakeContract struct {
	address  string
	chainID  int64
	nonce    *big.Int
	nonceErr error

	released   bool
	recipients []string
	amounts    []*big.Int
	signatures []string
}

func (f *fakeContract) Address() string { return f.address }
func (f *fakeContract) ChainID() int64  { return f.chainID }

func (f *fakeContract) GetNonce(context.Context) (*big.Int, error) {
	if f.nonceErr != nil {
		return nil, f.nonceErr
	}
	return f.nonce, nil
}

func (f *fakeContract) Release(_ context.Context, recipients []string, amounts []*big.Int, signatures []string) (string, error) {
	f.released = true
	f.recipients = recipients
	f.amounts = amounts
	f.signatures = signatures
	return "0xrelease", nil
}

func newFakeContract() *fakeContract {
	return &fakeContract{address: "0x00000000000000000000000000000000000000e5", chainID: 31337, nonce: big.NewInt(7)}
}

type countingSigner struct {
	calls int
	last  Payload
}

func (c *countingSigner) SignRelease(_ context.Context, payload Payload) (string, error) {
	c.calls++
	c.last = payload
	return "0xsig", nil
}

func TestReleaseDirectPath(t *testing.T) {
	log := audit.NewLog()
	svc := NewService(log, NewKeySigner("controller"), false, nil)
	contract := newFakeContract()
	signer := &countingSigner{}

	res, err := svc.Release(context.Background(), ReleaseRequest{
		Contract:   contract,
		Recipients: []string{addrA, addrB},
		Amounts:    []*big.Int{big.NewInt(1), big.NewInt(1)},
		Signers:    []Signer{signer},
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.TxHash != "0xrelease" {
		t.Fatalf("expected tx hash, got %+v", res)
	}
	if !contract.released || len(contract.signatures) != 1 {
		t.Fatalf("expected contract release with 1 signature, got %+v", contract)
	}
	if signer.last.Domain.VerifyingContract != contract.address || signer.last.Domain.ChainID != 31337 {
		t.Fatalf("payload not domain-scoped: %+v", signer.last.Domain)
	}
	if signer.last.Message.Nonce.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("payload must carry the contract nonce")
	}

	records := log.List()
	if len(records) != 1 || records[0].Type != "escrow.release.executed" {
		t.Fatalf("expected executed audit record, got %+v", records)
	}
}

func TestReleaseLengthMismatchBeforeAnyNetworkCall(t *testing.T) {
	svc := NewService(audit.NewLog(), NewKeySigner("controller"), false, nil)
	contract := newFakeContract()
	contract.nonceErr = errors.New("network must not be touched")
	signer := &countingSigner{}

	_, err := svc.Release(context.Background(), ReleaseRequest{
		Contract:   contract,
		Recipients: []string{addrA},
		Amounts:    []*big.Int{big.NewInt(1), big.NewInt(2)},
		Signers:    []Signer{signer},
	})
	if err == nil {
		t.Fatalf("expected length mismatch error")
	}
	if signer.calls != 0 {
		t.Fatalf("no signer may be invoked on malformed input")
	}
	if contract.released {
		t.Fatalf("contract must not be called on malformed input")
	}
}

func TestReleaseMissingControllerKey(t *testing.T) {
	svc := NewService(audit.NewLog(), nil, false, nil)

	_, err := svc.Release(context.Background(), ReleaseRequest{
		Contract:   newFakeContract(),
		Recipients: []string{addrA},
		Amounts:    []*big.Int{big.NewInt(1)},
	})
	if !fault.IsCode(err, fault.CodeMissingControllerKey) {
		t.Fatalf("expected MISSING_CONTROLLER_KEY, got %v", err)
	}
}

func TestReleaseSafeRouting(t *testing.T) {
	log := audit.NewLog()
	svc := NewService(log, nil, false, nil)
	contract := newFakeContract()

	res, err := svc.Release(context.Background(), ReleaseRequest{
		Contract:    contract,
		Recipients:  []string{addrA},
		Amounts:     []*big.Int{big.NewInt(5)},
		SafeAddress: "0xsafe",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	want := "0xsafe:" + contract.address + ":7"
	if res.SafeRequestID != want {
		t.Fatalf("expected deterministic request id %q, got %q", want, res.SafeRequestID)
	}
	if res.TxHash != "" {
		t.Fatalf("safe path must not produce a tx hash")
	}
	if contract.released {
		t.Fatalf("safe path must not submit directly")
	}
}

func TestReleaseSafeMandatedByPolicy(t *testing.T) {
	svc := NewService(audit.NewLog(), NewKeySigner("controller"), true, nil)
	contract := newFakeContract()

	res, err := svc.Release(context.Background(), ReleaseRequest{
		Contract:    contract,
		Recipients:  []string{addrA},
		Amounts:     []*big.Int{big.NewInt(5)},
		SafeAddress: "0xsafe",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.SafeRequestID == "" || contract.released {
		t.Fatalf("require-safe policy must route through custody even with a controller key")
	}
}

func TestPayloadDomainSeparation(t *testing.T) {
	a := newFakeContract()
	b := newFakeContract()
	b.address = "0x00000000000000000000000000000000000000e6"

	recipients := []string{addrA}
	amounts := []*big.Int{big.NewInt(1)}
	pa, err := BuildReleasePayload(a, recipients, amounts, big.NewInt(1))
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	pb, err := BuildReleasePayload(b, recipients, amounts, big.NewInt(1))
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if pa.Digest() == pb.Digest() {
		t.Fatalf("digests must differ across contracts")
	}
}

func TestBuildReleasePayloadRejectsBadAddress(t *testing.T) {
	if _, err := BuildReleasePayload(newFakeContract(), []string{"0xnothex"}, []*big.Int{big.NewInt(1)}, big.NewInt(0)); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

package pin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestPinDerivesChecksumAndContentID(t *testing.T) {
	svc := NewService()

	content := []byte("final build artifact")
	cid, checksum, err := svc.Pin(context.Background(), content)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}

	sum := sha256.Sum256(content)
	if checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %q, want sha256 of content", checksum)
	}
	if !strings.HasPrefix(cid, "bafy") {
		t.Fatalf("cid = %q, want bafy prefix", cid)
	}
	if cid != "bafy"+checksum[:10] {
		t.Fatalf("cid = %q not derived from checksum", cid)
	}
}

func TestPinSameContentIsDeterministic(t *testing.T) {
	svc := NewService()

	cid1, sum1, err := svc.Pin(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	cid2, sum2, err := svc.Pin(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if cid1 != cid2 || sum1 != sum2 {
		t.Fatal("identical content produced different identifiers")
	}
}

func TestPinRejectsEmptyContent(t *testing.T) {
	svc := NewService()
	if _, _, err := svc.Pin(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty content")
	}
}

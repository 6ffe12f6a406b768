package anchor

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"escrowflow/audit"
)

type fakeContract struct {
	calls []struct{ root, metadata string }
	err   error
}

func (f *fakeContract) Anchor(_ context.Context, root, metadata string) (string, error) {
	f.calls = append(f.calls, struct{ root, metadata string }{root, metadata})
	if f.err != nil {
		return "", f.err
	}
	return "0xanchortx", nil
}

func TestRootEmptyReturnsSentinel(t *testing.T) {
	want := sha256.Sum256([]byte("empty"))
	if got := Root(nil); got != want {
		t.Fatalf("empty root = %x, want sentinel %x", got, want)
	}
}

func TestRootSingleLeafPairsWithItself(t *testing.T) {
	leaf := sha256.Sum256([]byte("only"))

	h := sha256.New()
	h.Write(leaf[:])
	h.Write(leaf[:])
	var want [32]byte
	copy(want[:], h.Sum(nil))

	if got := Root([][32]byte{leaf}); got != want {
		t.Fatalf("single-leaf root = %x, want %x", got, want)
	}
}

func TestRootOddLevelDuplicatesLastNode(t *testing.T) {
	a := sha256.Sum256([]byte("a"))
	b := sha256.Sum256([]byte("b"))
	c := sha256.Sum256([]byte("c"))

	pair := func(l, r [32]byte) [32]byte {
		h := sha256.New()
		h.Write(l[:])
		h.Write(r[:])
		var out [32]byte
		copy(out[:], h.Sum(nil))
		return out
	}
	want := pair(pair(a, b), pair(c, c))

	if got := Root([][32]byte{a, b, c}); got != want {
		t.Fatalf("three-leaf root = %x, want %x", got, want)
	}
}

func TestLeafHashIgnoresTxHash(t *testing.T) {
	rec := audit.Record{ID: "r1", Type: "milestone.released", Payload: map[string]any{"deal_id": "d1"}}
	before := LeafHash(rec)
	rec.TxHash = "0xattached"
	if after := LeafHash(rec); after != before {
		t.Fatal("leaf hash changed after tx hash attachment")
	}
}

func TestJobAnchorsNewRecordsAndAdvancesCursor(t *testing.T) {
	log := audit.NewLog()
	log.Append("deal.created", map[string]any{"deal_id": "d1"})
	log.Append("milestone.released", map[string]any{"milestone_id": "m1"})

	contract := &fakeContract{}
	job := NewJob(log, contract, 0)

	tx, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tx != "0xanchortx" {
		t.Fatalf("tx = %q, want 0xanchortx", tx)
	}
	if len(contract.calls) != 1 {
		t.Fatalf("contract called %d times, want 1", len(contract.calls))
	}

	records := log.List()
	last := records[len(records)-1]
	if last.Type != "audit.anchor" {
		t.Fatalf("last record type = %q, want audit.anchor", last.Type)
	}
	if last.TxHash != "0xanchortx" {
		t.Fatalf("anchor record tx hash = %q", last.TxHash)
	}
	if last.Payload["count"] != 2 {
		t.Fatalf("anchored count = %v, want 2", last.Payload["count"])
	}
}

func TestJobSecondRunAnchorsOnlyTheAnchorRecord(t *testing.T) {
	log := audit.NewLog()
	log.Append("deal.created", map[string]any{"deal_id": "d1"})

	contract := &fakeContract{}
	job := NewJob(log, contract, 0)

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(contract.calls) != 2 {
		t.Fatalf("contract called %d times, want 2", len(contract.calls))
	}
	records := log.List()
	last := records[len(records)-1]
	if last.Payload["count"] != 1 {
		t.Fatalf("second batch count = %v, want 1 (the prior anchor record)", last.Payload["count"])
	}
}

func TestJobNoNewRecordsIsNoop(t *testing.T) {
	log := audit.NewLog()
	contract := &fakeContract{}
	job := NewJob(log, contract, 10)

	tx, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tx != "" {
		t.Fatalf("tx = %q, want empty", tx)
	}
	if len(contract.calls) != 0 {
		t.Fatal("contract called on empty log")
	}
}

func TestJobRetriesSameBatchAfterFailure(t *testing.T) {
	log := audit.NewLog()
	log.Append("deal.created", map[string]any{"deal_id": "d1"})

	contract := &fakeContract{err: errors.New("rpc down")}
	job := NewJob(log, contract, 10)

	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("expected submission error")
	}

	contract.err = nil
	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if len(contract.calls) != 2 {
		t.Fatalf("contract called %d times, want 2", len(contract.calls))
	}
	if contract.calls[0].root != contract.calls[1].root {
		t.Fatal("retry anchored a different root than the failed attempt")
	}
}

func TestJobBatchLimitBoundsSubmission(t *testing.T) {
	log := audit.NewLog()
	for i := 0; i < 5; i++ {
		log.Append("deal.created", map[string]any{"n": i})
	}

	contract := &fakeContract{}
	job := NewJob(log, contract, 3)
	job.now = func() time.Time { return time.Unix(1700000000, 0) }

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	records := log.List()
	last := records[len(records)-1]
	if last.Payload["count"] != 3 {
		t.Fatalf("batch count = %v, want limit 3", last.Payload["count"])
	}
}

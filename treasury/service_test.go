package treasury

import (
	"context"
	"math/big"
	"testing"

	"escrowflow/audit"
)

type memStore struct {
	records []SweepRecord
}

func (m *memStore) PutSweep(_ context.Context, rec SweepRecord) (SweepRecord, error) {
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memStore) ListSweepsByStatus(_ context.Context, status Status) ([]SweepRecord, error) {
	var out []SweepRecord
	for _, rec := range m.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakePreparer struct{ hash string }

func (f *fakePreparer) PrepareTransaction(context.Context, string, TransferPayload) (string, error) {
	return f.hash, nil
}

func TestQueueSweepAboveThreshold(t *testing.T) {
	store := &memStore{}
	svc := NewService(store, audit.NewLog(), &fakePreparer{hash: "0xsafehash"})

	rec, err := svc.QueueSweep(context.Background(), "0xsafe", "0xhot", big.NewInt(5), big.NewInt(1))
	if err != nil {
		t.Fatalf("queue sweep: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected a sweep record")
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}
	if rec.RequestHash != "0xsafehash" {
		t.Fatalf("expected custody request hash, got %q", rec.RequestHash)
	}

	pending, err := svc.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending sweep, got %d", len(pending))
	}
}

func TestQueueSweepAtThresholdIsNoop(t *testing.T) {
	store := &memStore{}
	log := audit.NewLog()
	svc := NewService(store, log, nil)

	rec, err := svc.QueueSweep(context.Background(), "0xsafe", "0xhot", big.NewInt(1), big.NewInt(1))
	if err != nil {
		t.Fatalf("queue sweep: %v", err)
	}
	if rec != nil {
		t.Fatalf("balance at threshold must not sweep")
	}
	if len(store.records) != 0 {
		t.Fatalf("no record may be created")
	}
	if len(log.List()) != 0 {
		t.Fatalf("no audit entry may be appended on a no-op")
	}
}

func TestSweepJob(t *testing.T) {
	store := &memStore{}
	svc := NewService(store, audit.NewLog(), nil)
	job := &SweepJob{
		Treasury: svc,
		FetchBalance: func(context.Context) (*big.Int, error) {
			return big.NewInt(10), nil
		},
		HotWallet:   "0xhot",
		SafeAddress: "0xsafe",
		Threshold:   big.NewInt(2),
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run sweep job: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected job to queue one sweep, got %d", len(store.records))
	}
	if store.records[0].RequestHash == "" {
		t.Fatalf("payload must contain a request hash")
	}
}

package state

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"escrowflow/deal"
	"escrowflow/fault"
	"escrowflow/treasury"
)

func TestGetDealNotFound(t *testing.T) {
	repo := NewRepository()
	_, err := repo.GetDeal(context.Background(), "missing")
	if !fault.IsCode(err, fault.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestPutGetMilestoneReturnsCopies(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	m := deal.Milestone{
		ID:         "m-1",
		DealID:     "deal-1",
		Amount:     big.NewInt(100),
		Recipients: []string{"0xa1"},
		Status:     deal.StatusPending,
	}
	if _, err := repo.PutMilestone(ctx, m); err != nil {
		t.Fatalf("put milestone: %v", err)
	}

	got, err := repo.GetMilestone(ctx, "m-1")
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	got.Amount.SetInt64(0)
	got.Recipients[0] = "tampered"
	got.Status = deal.StatusReleased

	fresh, err := repo.GetMilestone(ctx, "m-1")
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if fresh.Amount.Cmp(big.NewInt(100)) != 0 || fresh.Recipients[0] != "0xa1" || fresh.Status != deal.StatusPending {
		t.Fatalf("stored milestone mutated through returned copy: %+v", fresh)
	}
}

func TestListMilestonesByDeal(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	for _, m := range []deal.Milestone{
		{ID: "m-1", DealID: "deal-1", Amount: big.NewInt(1)},
		{ID: "m-2", DealID: "deal-1", Amount: big.NewInt(2)},
		{ID: "m-3", DealID: "deal-2", Amount: big.NewInt(3)},
	} {
		if _, err := repo.PutMilestone(ctx, m); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := repo.ListMilestonesByDeal(ctx, "deal-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 milestones for deal-1, got %d", len(got))
	}
}

func TestIsBlocked(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	if _, err := repo.AddBlocklistEntry(ctx, BlocklistEntry{Wallet: "0xABCDEF"}); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if _, err := repo.AddBlocklistEntry(ctx, BlocklistEntry{CommunityID: "bad-user"}); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	cases := []struct {
		wallet, community string
		want              bool
	}{
		{"0xabcdef", "", true}, // wallet compare is case-insensitive
		{"0xABCDEF", "", true},
		{"", "bad-user", true},
		{"", "Bad-User", false}, // identity compare is exact
		{"0x123", "good-user", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := repo.IsBlocked(ctx, tc.wallet, tc.community)
		if err != nil {
			t.Fatalf("is blocked: %v", err)
		}
		if got != tc.want {
			t.Fatalf("IsBlocked(%q, %q) = %v, want %v", tc.wallet, tc.community, got, tc.want)
		}
	}
}

func TestSweepListByStatus(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	for _, rec := range []treasury.SweepRecord{
		{ID: "s-1", Amount: big.NewInt(5), Threshold: big.NewInt(1), Status: treasury.StatusPending},
		{ID: "s-2", Amount: big.NewInt(9), Threshold: big.NewInt(1), Status: treasury.StatusExecuted},
	} {
		if _, err := repo.PutSweep(ctx, rec); err != nil {
			t.Fatalf("put sweep: %v", err)
		}
	}

	pending, err := repo.ListSweepsByStatus(ctx, treasury.StatusPending)
	if err != nil {
		t.Fatalf("list sweeps: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "s-1" {
		t.Fatalf("expected only s-1 pending, got %+v", pending)
	}

	// An empty status is not a wildcard; it matches no stored record.
	none, err := repo.ListSweepsByStatus(ctx, "")
	if err != nil {
		t.Fatalf("list sweeps: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("empty status must match nothing, got %+v", none)
	}
}

func TestKeyMutexSerializesSameKey(t *testing.T) {
	locks := NewKeyMutex()
	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("m-1")
			defer unlock()
			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Fatalf("expected at most one holder of the same key, observed %d", max)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.json")
	ctx := context.Background()

	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	d := deal.Deal{
		ID:                "deal-1",
		BuyerID:           "buyer",
		SellerID:          "seller",
		EscrowAddress:     "0xescrow",
		EscrowChainID:     31337,
		RefundWindow:      time.Hour,
		RefundDualConfirm: big.NewInt(1000),
	}
	if _, err := store.PutDeal(ctx, d); err != nil {
		t.Fatalf("put deal: %v", err)
	}
	if _, err := store.PutMilestone(ctx, deal.Milestone{ID: "m-1", DealID: "deal-1", Amount: big.NewInt(7), Status: deal.StatusPending}); err != nil {
		t.Fatalf("put milestone: %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	got, err := reopened.GetDeal(ctx, "deal-1")
	if err != nil {
		t.Fatalf("get deal after reopen: %v", err)
	}
	if got.RefundWindow != time.Hour || got.RefundDualConfirm.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("deal fields lost across restart: %+v", got)
	}
	m, err := reopened.GetMilestone(ctx, "m-1")
	if err != nil {
		t.Fatalf("get milestone after reopen: %v", err)
	}
	if m.Amount.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("milestone amount lost across restart: %+v", m)
	}
}

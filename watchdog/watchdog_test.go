package watchdog

import (
	"context"
	"math/big"
	"testing"
	"time"

	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/state"
)

func seed(t *testing.T, repo *state.Repository, d deal.Deal, milestones ...deal.Milestone) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.PutDeal(ctx, d); err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	for _, m := range milestones {
		if _, err := repo.PutMilestone(ctx, m); err != nil {
			t.Fatalf("seed milestone: %v", err)
		}
	}
}

func TestRefundTriggeredAfterWindow(t *testing.T) {
	repo := state.NewRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, repo,
		deal.Deal{ID: "deal-1", RefundWindow: time.Hour, RefundDualConfirm: big.NewInt(5)},
		deal.Milestone{
			ID:       "m-1",
			DealID:   "deal-1",
			Amount:   big.NewInt(10),
			Deadline: now.Add(-2 * time.Hour),
			Status:   deal.StatusPending,
		},
	)

	var refunds []RefundRequest
	w := New(repo, audit.NewLog(),
		func(context.Context, Reminder) error { return nil },
		func(_ context.Context, r RefundRequest) error {
			refunds = append(refunds, r)
			return nil
		},
	)
	w.now = func() time.Time { return now }

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(refunds) != 1 {
		t.Fatalf("expected 1 refund trigger, got %d", len(refunds))
	}
	if !refunds[0].RequiresDualConfirmation {
		t.Fatalf("amount 10 >= threshold 5 must require dual confirmation")
	}
}

func TestRefundNotTriggeredInsideWindow(t *testing.T) {
	repo := state.NewRepository()
	now := time.Now()
	seed(t, repo,
		deal.Deal{ID: "deal-1", RefundWindow: 3 * time.Hour},
		deal.Milestone{ID: "m-1", DealID: "deal-1", Amount: big.NewInt(1), Deadline: now.Add(-time.Hour), Status: deal.StatusPending},
	)

	triggered := false
	w := New(repo, audit.NewLog(),
		func(context.Context, Reminder) error { return nil },
		func(context.Context, RefundRequest) error { triggered = true; return nil },
	)
	w.now = func() time.Time { return now }

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if triggered {
		t.Fatalf("refund must wait for the full refund window")
	}
}

func TestReminderExactHourMatch(t *testing.T) {
	repo := state.NewRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, repo,
		deal.Deal{ID: "deal-1", RefundWindow: time.Hour},
		// 24h30m out floors to 24 whole hours: matches the 24h offset.
		deal.Milestone{ID: "m-24", DealID: "deal-1", Amount: big.NewInt(1), Deadline: now.Add(24*time.Hour + 30*time.Minute), Status: deal.StatusPending},
		// 25h30m out floors to 25: matches nothing.
		deal.Milestone{ID: "m-25", DealID: "deal-1", Amount: big.NewInt(1), Deadline: now.Add(25*time.Hour + 30*time.Minute), Status: deal.StatusPending},
	)

	var reminders []Reminder
	w := New(repo, audit.NewLog(),
		func(_ context.Context, r Reminder) error {
			reminders = append(reminders, r)
			return nil
		},
		func(context.Context, RefundRequest) error { return nil },
	)
	w.now = func() time.Time { return now }

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(reminders) != 1 {
		t.Fatalf("expected exactly 1 reminder, got %d", len(reminders))
	}
	if reminders[0].Milestone.ID != "m-24" || reminders[0].HoursBefore != 24 {
		t.Fatalf("unexpected reminder: %+v", reminders[0])
	}
}

func TestTerminalAndDisputedMilestonesSkipped(t *testing.T) {
	repo := state.NewRepository()
	now := time.Now()
	seed(t, repo,
		deal.Deal{ID: "deal-1", RefundWindow: time.Hour},
		deal.Milestone{ID: "m-1", DealID: "deal-1", Amount: big.NewInt(1), Deadline: now.Add(-5 * time.Hour), Status: deal.StatusDisputed},
		deal.Milestone{ID: "m-2", DealID: "deal-1", Amount: big.NewInt(1), Deadline: now.Add(-5 * time.Hour), Status: deal.StatusReleased},
		deal.Milestone{ID: "m-3", DealID: "deal-1", Amount: big.NewInt(1), Deadline: now.Add(-5 * time.Hour), Status: deal.StatusRefunded},
	)

	w := New(repo, audit.NewLog(),
		func(context.Context, Reminder) error {
			t.Fatal("no reminder expected")
			return nil
		},
		func(context.Context, RefundRequest) error {
			t.Fatal("no refund expected")
			return nil
		},
	)
	w.now = func() time.Time { return now }

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

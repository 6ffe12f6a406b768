// Package watchdog periodically scans active milestones, dispatching
// deadline reminders and triggering refunds once a deal's refund window has
// elapsed. Refund execution is delegated; the watchdog never mutates
// milestone status itself.
package watchdog

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/audit"
	"escrowflow/deal"
)

// Reminder offsets in whole hours before the deadline. The scan matches on
// equality, so the scan cadence must be finer than one hour.
var reminderOffsets = [...]int{72, 24, 6}

// Store is the read surface the scan needs.
type Store interface {
	ListDeals(ctx context.Context) ([]deal.Deal, error)
	ListMilestonesByDeal(ctx context.Context, dealID string) ([]deal.Milestone, error)
}

// Auditor records watchdog actions on the audit log.
type Auditor interface {
	Append(eventType string, payload map[string]any) audit.Record
}

// Reminder notifies parties of an approaching deadline.
type Reminder struct {
	Deal        deal.Deal
	Milestone   deal.Milestone
	HoursBefore int
}

// RefundRequest asks the injected capability to execute a refund.
type RefundRequest struct {
	Deal                     deal.Deal
	Milestone                deal.Milestone
	RequiresDualConfirmation bool
}

// Watchdog runs the deadline scan.
type Watchdog struct {
	store  Store
	audit  Auditor
	remind func(ctx context.Context, r Reminder) error
	refund func(ctx context.Context, r RefundRequest) error
	now    func() time.Time

	scanConcurrency int
}

// New wires a watchdog. remind and refund are the injected dispatch
// capabilities.
func New(store Store, auditor Auditor, remind func(context.Context, Reminder) error, refund func(context.Context, RefundRequest) error) *Watchdog {
	return &Watchdog{
		store:           store,
		audit:           auditor,
		remind:          remind,
		refund:          refund,
		now:             time.Now,
		scanConcurrency: 4,
	}
}

// Run performs one scan over all deals. Deals are scanned concurrently;
// milestones within a deal sequentially.
func (w *Watchdog) Run(ctx context.Context) error {
	deals, err := w.store.ListDeals(ctx)
	if err != nil {
		return fmt.Errorf("watchdog: list deals: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.scanConcurrency)
	for _, d := range deals {
		g.Go(func() error {
			return w.scanDeal(ctx, d)
		})
	}
	return g.Wait()
}

func (w *Watchdog) scanDeal(ctx context.Context, d deal.Deal) error {
	milestones, err := w.store.ListMilestonesByDeal(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("watchdog: list milestones for deal %s: %w", d.ID, err)
	}

	now := w.now()
	for _, m := range milestones {
		switch m.Status {
		case deal.StatusDisputed, deal.StatusReleased, deal.StatusRefunded:
			continue
		}

		untilDeadline := m.Deadline.Sub(now)
		if untilDeadline > 0 {
			if err := w.checkReminders(ctx, d, m, untilDeadline); err != nil {
				return err
			}
			continue
		}

		if now.Sub(m.Deadline) >= d.RefundWindow {
			if err := w.triggerRefund(ctx, d, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watchdog) checkReminders(ctx context.Context, d deal.Deal, m deal.Milestone, untilDeadline time.Duration) error {
	hours := int(untilDeadline / time.Hour)
	for _, offset := range reminderOffsets {
		if hours != offset {
			continue
		}
		if err := w.remind(ctx, Reminder{Deal: d, Milestone: m, HoursBefore: offset}); err != nil {
			return fmt.Errorf("watchdog: dispatch reminder for milestone %s: %w", m.ID, err)
		}
		w.audit.Append("milestone.watchdog.reminder", map[string]any{
			"milestone_id": m.ID,
			"deal_id":      d.ID,
			"hours_before": offset,
		})
	}
	return nil
}

func (w *Watchdog) triggerRefund(ctx context.Context, d deal.Deal, m deal.Milestone) error {
	threshold := d.RefundDualConfirm
	if threshold == nil {
		threshold = big.NewInt(0)
	}
	dual := m.Amount != nil && m.Amount.Cmp(threshold) >= 0

	if err := w.refund(ctx, RefundRequest{Deal: d, Milestone: m, RequiresDualConfirmation: dual}); err != nil {
		return fmt.Errorf("watchdog: trigger refund for milestone %s: %w", m.ID, err)
	}
	w.audit.Append("milestone.watchdog.refund_triggered", map[string]any{
		"milestone_id":               m.ID,
		"deal_id":                    d.ID,
		"requires_dual_confirmation": dual,
	})
	return nil
}

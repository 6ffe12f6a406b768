// Package pgstate is the Postgres-backed state repository. Amounts are stored
// as numeric(78,0) and travel as decimal strings; transient failures are
// retried with bounded exponential backoff.
package pgstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/fault"
	"escrowflow/state"
	"escrowflow/treasury"
)

const retryAttempts = 3

// Store persists engine entities in Postgres. Per-entity mutual exclusion is
// app-level: the key mutex must span network suspension points, which row
// locks inside a transaction cannot.
type Store struct {
	pool  *pgxpool.Pool
	locks *state.KeyMutex
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, locks: state.NewKeyMutex()}
}

// Lock acquires the per-entity mutex for id.
func (s *Store) Lock(id string) func() {
	return s.locks.Lock(id)
}

// withRetry runs op up to retryAttempts times, backing off between attempts.
// Only transient failures are retried.
func (s *Store) withRetry(ctx context.Context, op func(context.Context) error) error {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = op(ctx)
		if err == nil || !transient(err) {
			return err
		}
	}
	return err
}

func transient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Connection exceptions, serialization failures, deadlocks.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *Store) PutDeal(ctx context.Context, d deal.Deal) (deal.Deal, error) {
	signers, err := json.Marshal(d.RequiredSigners)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("pgstate: marshal signers: %w", err)
	}
	milestones, err := json.Marshal(d.Milestones)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("pgstate: marshal milestone list: %w", err)
	}

	const upsertSQL = `
INSERT INTO deals (id, guild_id, buyer_id, seller_id, escrow_address, escrow_chain_id,
                   required_signers, controller_safe, refund_window_seconds,
                   refund_dual_confirm, milestones, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    required_signers = EXCLUDED.required_signers,
    controller_safe = EXCLUDED.controller_safe,
    refund_window_seconds = EXCLUDED.refund_window_seconds,
    refund_dual_confirm = EXCLUDED.refund_dual_confirm,
    milestones = EXCLUDED.milestones;
`

	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, upsertSQL,
			d.ID, d.GuildID, d.BuyerID, d.SellerID, d.EscrowAddress, d.EscrowChainID,
			signers, d.ControllerSafe, int64(d.RefundWindow/time.Second),
			bigString(d.RefundDualConfirm), milestones, d.CreatedAt)
		return err
	})
	if err != nil {
		return deal.Deal{}, fmt.Errorf("pgstate: upsert deal: %w", err)
	}
	return d, nil
}

func (s *Store) GetDeal(ctx context.Context, id string) (deal.Deal, error) {
	const selectSQL = `
SELECT id, guild_id, buyer_id, seller_id, escrow_address, escrow_chain_id,
       required_signers, controller_safe, refund_window_seconds,
       refund_dual_confirm::text, milestones, created_at
FROM deals WHERE id = $1;
`

	var d deal.Deal
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, selectSQL, id)
		got, err := scanDeal(row)
		if err != nil {
			return err
		}
		d = got
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return deal.Deal{}, fault.Newf(fault.CodeNotFound, "pgstate: deal %s not found", id)
	}
	if err != nil {
		return deal.Deal{}, fmt.Errorf("pgstate: get deal: %w", err)
	}
	return d, nil
}

func (s *Store) ListDeals(ctx context.Context) ([]deal.Deal, error) {
	const selectSQL = `
SELECT id, guild_id, buyer_id, seller_id, escrow_address, escrow_chain_id,
       required_signers, controller_safe, refund_window_seconds,
       refund_dual_confirm::text, milestones, created_at
FROM deals ORDER BY created_at;
`

	var out []deal.Deal
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, selectSQL)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			d, err := scanDeal(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("pgstate: list deals: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (deal.Deal, error) {
	var (
		d             deal.Deal
		signers       []byte
		milestones    []byte
		windowSeconds int64
		dualConfirm   *string
	)
	err := row.Scan(&d.ID, &d.GuildID, &d.BuyerID, &d.SellerID, &d.EscrowAddress,
		&d.EscrowChainID, &signers, &d.ControllerSafe, &windowSeconds,
		&dualConfirm, &milestones, &d.CreatedAt)
	if err != nil {
		return deal.Deal{}, err
	}
	if err := json.Unmarshal(signers, &d.RequiredSigners); err != nil {
		return deal.Deal{}, fmt.Errorf("unmarshal signers: %w", err)
	}
	if err := json.Unmarshal(milestones, &d.Milestones); err != nil {
		return deal.Deal{}, fmt.Errorf("unmarshal milestone list: %w", err)
	}
	d.RefundWindow = time.Duration(windowSeconds) * time.Second
	if dualConfirm != nil {
		v, err := parseBig(*dualConfirm)
		if err != nil {
			return deal.Deal{}, err
		}
		d.RefundDualConfirm = v
	}
	return d, nil
}

func (s *Store) PutMilestone(ctx context.Context, m deal.Milestone) (deal.Milestone, error) {
	if m.Amount == nil {
		return deal.Milestone{}, fmt.Errorf("pgstate: milestone amount is required")
	}
	recipients, err := json.Marshal(m.Recipients)
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("pgstate: marshal recipients: %w", err)
	}

	const upsertSQL = `
INSERT INTO milestones (id, deal_id, amount, recipients, deadline, accepted_at, status,
                        verify_policy, deliverable_cid, deliverable_checksum,
                        expected_checksum, dispute_id)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    accepted_at = EXCLUDED.accepted_at,
    status = EXCLUDED.status,
    deliverable_cid = EXCLUDED.deliverable_cid,
    deliverable_checksum = EXCLUDED.deliverable_checksum,
    expected_checksum = EXCLUDED.expected_checksum,
    dispute_id = EXCLUDED.dispute_id;
`

	var deadline any
	if !m.Deadline.IsZero() {
		deadline = m.Deadline
	}
	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, upsertSQL,
			m.ID, m.DealID, m.Amount.String(), recipients, deadline, m.AcceptedAt,
			string(m.Status), string(m.VerifyPolicy), m.DeliverableCID,
			m.DeliverableChecksum, m.ExpectedChecksum, m.DisputeID)
		return err
	})
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("pgstate: upsert milestone: %w", err)
	}
	return m, nil
}

func (s *Store) GetMilestone(ctx context.Context, id string) (deal.Milestone, error) {
	const selectSQL = `
SELECT id, deal_id, amount::text, recipients, deadline, accepted_at, status,
       verify_policy, deliverable_cid, deliverable_checksum, expected_checksum, dispute_id
FROM milestones WHERE id = $1;
`

	var m deal.Milestone
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, selectSQL, id)
		got, err := scanMilestone(row)
		if err != nil {
			return err
		}
		m = got
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return deal.Milestone{}, fault.Newf(fault.CodeNotFound, "pgstate: milestone %s not found", id)
	}
	if err != nil {
		return deal.Milestone{}, fmt.Errorf("pgstate: get milestone: %w", err)
	}
	return m, nil
}

func (s *Store) ListMilestonesByDeal(ctx context.Context, dealID string) ([]deal.Milestone, error) {
	const selectSQL = `
SELECT id, deal_id, amount::text, recipients, deadline, accepted_at, status,
       verify_policy, deliverable_cid, deliverable_checksum, expected_checksum, dispute_id
FROM milestones WHERE deal_id = $1 ORDER BY id;
`

	var out []deal.Milestone
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, selectSQL, dealID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			m, err := scanMilestone(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("pgstate: list milestones: %w", err)
	}
	return out, nil
}

func scanMilestone(row rowScanner) (deal.Milestone, error) {
	var (
		m          deal.Milestone
		amount     string
		recipients []byte
		deadline   *time.Time
		status     string
		policy     string
	)
	err := row.Scan(&m.ID, &m.DealID, &amount, &recipients, &deadline, &m.AcceptedAt,
		&status, &policy, &m.DeliverableCID, &m.DeliverableChecksum,
		&m.ExpectedChecksum, &m.DisputeID)
	if err != nil {
		return deal.Milestone{}, err
	}
	v, err := parseBig(amount)
	if err != nil {
		return deal.Milestone{}, err
	}
	m.Amount = v
	if err := json.Unmarshal(recipients, &m.Recipients); err != nil {
		return deal.Milestone{}, fmt.Errorf("unmarshal recipients: %w", err)
	}
	if deadline != nil {
		m.Deadline = *deadline
	}
	m.Status = deal.MilestoneStatus(status)
	m.VerifyPolicy = deal.VerifyPolicy(policy)
	return m, nil
}

func (s *Store) PutDispute(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("pgstate: marshal evidence: %w", err)
	}
	var resolution []byte
	if d.Resolution != nil {
		if resolution, err = json.Marshal(d.Resolution); err != nil {
			return dispute.Dispute{}, fmt.Errorf("pgstate: marshal resolution: %w", err)
		}
	}

	const upsertSQL = `
INSERT INTO disputes (id, milestone_id, opened_by, status, evidence, resolution, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    evidence = EXCLUDED.evidence,
    resolution = EXCLUDED.resolution;
`

	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, upsertSQL,
			d.ID, d.MilestoneID, d.OpenedBy, string(d.Status), evidence, resolution, d.CreatedAt)
		return err
	})
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("pgstate: upsert dispute: %w", err)
	}
	return d, nil
}

func (s *Store) GetDispute(ctx context.Context, id string) (dispute.Dispute, error) {
	const selectSQL = `
SELECT id, milestone_id, opened_by, status, evidence, resolution, created_at
FROM disputes WHERE id = $1;
`

	var d dispute.Dispute
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var (
			status     string
			evidence   []byte
			resolution []byte
		)
		row := s.pool.QueryRow(ctx, selectSQL, id)
		if err := row.Scan(&d.ID, &d.MilestoneID, &d.OpenedBy, &status, &evidence, &resolution, &d.CreatedAt); err != nil {
			return err
		}
		d.Status = dispute.Status(status)
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return fmt.Errorf("unmarshal evidence: %w", err)
		}
		if len(resolution) > 0 {
			d.Resolution = &dispute.Resolution{}
			if err := json.Unmarshal(resolution, d.Resolution); err != nil {
				return fmt.Errorf("unmarshal resolution: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return dispute.Dispute{}, fault.Newf(fault.CodeNotFound, "pgstate: dispute %s not found", id)
	}
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("pgstate: get dispute: %w", err)
	}
	return d, nil
}

func (s *Store) AddBlocklistEntry(ctx context.Context, e state.BlocklistEntry) (state.BlocklistEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	const insertSQL = `
INSERT INTO blocklist (id, wallet, community_id, reason, created_at)
VALUES ($1, $2, $3, $4, $5);
`

	err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, insertSQL, e.ID, e.Wallet, e.CommunityID, e.Reason, e.CreatedAt)
		return err
	})
	if err != nil {
		return state.BlocklistEntry{}, fmt.Errorf("pgstate: insert blocklist entry: %w", err)
	}
	return e, nil
}

func (s *Store) IsBlocked(ctx context.Context, wallet, communityID string) (bool, error) {
	const selectSQL = `
SELECT EXISTS (
    SELECT 1 FROM blocklist
    WHERE (wallet <> '' AND lower(wallet) = lower($1))
       OR (community_id <> '' AND community_id = $2)
);
`

	var blocked bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, selectSQL, wallet, communityID).Scan(&blocked)
	})
	if err != nil {
		return false, fmt.Errorf("pgstate: blocklist check: %w", err)
	}
	return blocked, nil
}

func (s *Store) PutSweep(ctx context.Context, rec treasury.SweepRecord) (treasury.SweepRecord, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return treasury.SweepRecord{}, fmt.Errorf("pgstate: marshal sweep payload: %w", err)
	}

	const upsertSQL = `
INSERT INTO treasury_sweeps (id, safe_address, threshold, amount, payload, request_hash, status, created_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    request_hash = EXCLUDED.request_hash,
    status = EXCLUDED.status;
`

	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, upsertSQL,
			rec.ID, rec.SafeAddress, bigString(rec.Threshold), bigString(rec.Amount),
			payload, rec.RequestHash, string(rec.Status), rec.CreatedAt)
		return err
	})
	if err != nil {
		return treasury.SweepRecord{}, fmt.Errorf("pgstate: upsert sweep: %w", err)
	}
	return rec, nil
}

func (s *Store) ListSweepsByStatus(ctx context.Context, status treasury.Status) ([]treasury.SweepRecord, error) {
	const selectSQL = `
SELECT id, safe_address, threshold::text, amount::text, payload, request_hash, status, created_at
FROM treasury_sweeps WHERE status = $1 ORDER BY created_at;
`

	var out []treasury.SweepRecord
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, selectSQL, string(status))
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				rec       treasury.SweepRecord
				threshold *string
				amount    *string
				payload   []byte
				st        string
			)
			if err := rows.Scan(&rec.ID, &rec.SafeAddress, &threshold, &amount, &payload, &rec.RequestHash, &st, &rec.CreatedAt); err != nil {
				return err
			}
			if threshold != nil {
				if rec.Threshold, err = parseBig(*threshold); err != nil {
					return err
				}
			}
			if amount != nil {
				if rec.Amount, err = parseBig(*amount); err != nil {
					return err
				}
			}
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return fmt.Errorf("unmarshal sweep payload: %w", err)
			}
			rec.Status = treasury.Status(st)
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("pgstate: list sweeps: %w", err)
	}
	return out, nil
}

// bigString renders v for a numeric parameter, passing NULL for nil.
func bigString(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse numeric %q", s)
	}
	return v, nil
}

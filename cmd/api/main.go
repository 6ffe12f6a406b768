package main

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"escrowflow/anchor"
	"escrowflow/api"
	"escrowflow/audit"
	"escrowflow/chainrpc"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/deal"
	"escrowflow/escrow"
	"escrowflow/pgstate"
	"escrowflow/pin"
	"escrowflow/state"
	"escrowflow/treasury"
	"escrowflow/watchdog"
)

// engineStore is the full repository surface the binary wires together.
type engineStore interface {
	deal.Store
	ListDeals(ctx context.Context) ([]deal.Deal, error)
	ListMilestonesByDeal(ctx context.Context, dealID string) ([]deal.Milestone, error)
	AddBlocklistEntry(ctx context.Context, e state.BlocklistEntry) (state.BlocklistEntry, error)
	PutSweep(ctx context.Context, rec treasury.SweepRecord) (treasury.SweepRecord, error)
	ListSweepsByStatus(ctx context.Context, status treasury.Status) ([]treasury.SweepRecord, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap store: %v", err)
	}
	defer closeStore()

	auditLog := audit.NewLog()

	var controller escrow.Signer
	if cfg.ControllerKey != "" {
		controller = escrow.NewKeySigner(cfg.ControllerKey)
	}
	releaser := escrow.NewService(auditLog, controller, cfg.RequireSafe, nil)
	deals := deal.NewService(store, auditLog, releaser, pin.NewService(), nil)
	sweeps := treasury.NewService(store, auditLog, nil)

	var rpc *chainrpc.Client
	if cfg.RPCURL != "" {
		rpc = chainrpc.NewClient(cfg.RPCURL)
	}

	srv := api.NewServer(api.Options{
		Deals:      deals,
		Treasury:   sweeps,
		Store:      store,
		Audit:      auditLog,
		JWTSecret:  []byte(cfg.JWTSecret),
		DepositCap: cfg.DepositCap(),
		Contracts: func(d deal.Deal) (escrow.ContractAdapter, error) {
			if rpc == nil {
				return nil, errors.New("no rpc endpoint configured")
			}
			return chainrpc.NewEscrowContract(rpc, d.EscrowAddress, d.EscrowChainID), nil
		},
		Signers: func(deal.Deal) ([]escrow.Signer, error) {
			if controller == nil {
				return nil, nil
			}
			return []escrow.Signer{controller}, nil
		},
	})

	startJobs(ctx, cfg, store, auditLog, sweeps, rpc)

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("escrowflow api listening on %s", cfg.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

// openStore selects the repository flavor: Postgres when a database URL is
// configured, JSON file when a data file path is, in-memory otherwise.
func openStore(ctx context.Context, cfg config.Config) (engineStore, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("using postgres state store")
		return pgstate.NewStore(pool), pool.Close, nil
	case cfg.DataFilePath != "":
		fs, err := state.OpenFileStore(cfg.DataFilePath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("using file state store at %s", cfg.DataFilePath)
		return fs, func() {}, nil
	default:
		log.Printf("using in-memory state store")
		return state.NewRepository(), func() {}, nil
	}
}

func startJobs(ctx context.Context, cfg config.Config, store engineStore, auditLog *audit.Log, sweeps *treasury.Service, rpc *chainrpc.Client) {
	wd := watchdog.New(store, auditLog,
		func(_ context.Context, r watchdog.Reminder) error {
			log.Printf("milestone %s (deal %s) deadline in %dh", r.Milestone.ID, r.Deal.ID, r.HoursBefore)
			return nil
		},
		func(ctx context.Context, r watchdog.RefundRequest) error {
			return executeRefund(ctx, store, r)
		},
	)
	runEvery(ctx, "watchdog", cfg.WatchdogInterval, wd.Run)

	if rpc != nil && cfg.HotWalletAddress != "" {
		job := &treasury.SweepJob{
			Treasury: sweeps,
			FetchBalance: func(ctx context.Context) (*big.Int, error) {
				return rpc.Balance(ctx, cfg.HotWalletAddress)
			},
			HotWallet:   cfg.HotWalletAddress,
			SafeAddress: cfg.TreasurySafeAddress,
			Threshold:   cfg.SweepThreshold(),
		}
		runEvery(ctx, "treasury sweep", cfg.SweepInterval, job.Run)
	}

	if cfg.AnchorURL != "" {
		job := anchor.NewJob(auditLog, newAnchorSubmitter(cfg.AnchorURL), cfg.AnchorBatch)
		runEvery(ctx, "anchor", cfg.AnchorInterval, func(ctx context.Context) error {
			_, err := job.Run(ctx)
			return err
		})
	}
}

// executeRefund marks the milestone refunded. Amounts above the dual
// confirmation threshold are left for operator approval.
func executeRefund(ctx context.Context, store engineStore, r watchdog.RefundRequest) error {
	if r.RequiresDualConfirmation {
		log.Printf("refund of milestone %s requires dual confirmation; awaiting operator", r.Milestone.ID)
		return nil
	}

	unlock := store.Lock(r.Milestone.ID)
	defer unlock()

	m, err := store.GetMilestone(ctx, r.Milestone.ID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() || m.Status == deal.StatusDisputed {
		return nil
	}
	m.Status = deal.StatusRefunded
	_, err = store.PutMilestone(ctx, m)
	return err
}

// runEvery ticks fn until ctx is canceled. Job failures are logged, never
// fatal.
func runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.Printf("%s run: %v", name, err)
				}
			}
		}
	}()
}

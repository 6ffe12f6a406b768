// Package config loads engine settings from the environment.
package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the api binary needs. Wei-denominated values are
// decimal strings in the environment and parsed to big integers.
type Config struct {
	Addr         string `env:"ESCROWFLOW_ADDR" envDefault:":8080"`
	DatabaseURL  string `env:"ESCROWFLOW_DATABASE_URL"`
	DataFilePath string `env:"ESCROWFLOW_DATA_FILE"`

	RPCURL string `env:"ESCROWFLOW_RPC_URL"`

	JWTSecret     string `env:"ESCROWFLOW_JWT_SECRET,required,notEmpty"`
	ControllerKey string `env:"ESCROWFLOW_CONTROLLER_KEY"`
	RequireSafe   bool   `env:"ESCROWFLOW_REQUIRE_SAFE" envDefault:"false"`

	DepositCapWei       string `env:"ESCROWFLOW_DEPOSIT_CAP_WEI" envDefault:"1000000000000000000"`
	RefundConfirmWei    string `env:"ESCROWFLOW_REFUND_CONFIRM_WEI" envDefault:"500000000000000000"`
	SweepThresholdWei   string `env:"ESCROWFLOW_SWEEP_THRESHOLD_WEI" envDefault:"0"`
	HotWalletAddress    string `env:"ESCROWFLOW_HOT_WALLET"`
	TreasurySafeAddress string `env:"ESCROWFLOW_TREASURY_SAFE"`

	WatchdogInterval time.Duration `env:"ESCROWFLOW_WATCHDOG_INTERVAL" envDefault:"10m"`
	SweepInterval    time.Duration `env:"ESCROWFLOW_SWEEP_INTERVAL" envDefault:"1h"`
	AnchorInterval   time.Duration `env:"ESCROWFLOW_ANCHOR_INTERVAL" envDefault:"30m"`
	AnchorBatch      int           `env:"ESCROWFLOW_ANCHOR_BATCH" envDefault:"50"`
	AnchorURL        string        `env:"ESCROWFLOW_ANCHOR_URL"`
}

// Load parses the environment and validates cross-field constraints.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.WatchdogInterval >= time.Hour {
		return Config{}, fmt.Errorf("config: watchdog interval %s must be under one hour", cfg.WatchdogInterval)
	}
	for _, field := range []struct{ name, value string }{
		{"ESCROWFLOW_DEPOSIT_CAP_WEI", cfg.DepositCapWei},
		{"ESCROWFLOW_REFUND_CONFIRM_WEI", cfg.RefundConfirmWei},
		{"ESCROWFLOW_SWEEP_THRESHOLD_WEI", cfg.SweepThresholdWei},
	} {
		if _, err := parseWei(field.value); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", field.name, err)
		}
	}
	return cfg, nil
}

// DepositCap returns the unverified-deposit cap in wei.
func (c Config) DepositCap() *big.Int { return mustWei(c.DepositCapWei) }

// RefundConfirm returns the dual-confirmation threshold for automatic refunds.
func (c Config) RefundConfirm() *big.Int { return mustWei(c.RefundConfirmWei) }

// SweepThreshold returns the hot-wallet balance above which sweeps trigger.
func (c Config) SweepThreshold() *big.Int { return mustWei(c.SweepThresholdWei) }

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}

func mustWei(s string) *big.Int {
	v, err := parseWei(s)
	if err != nil {
		// Load validated these fields; reaching here means the Config was
		// built without Load.
		panic(err)
	}
	return v
}

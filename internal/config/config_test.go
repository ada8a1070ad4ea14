package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PAYSTACK_SECRET_KEY", "sk_test_123")
	t.Setenv("DEPOSIT_ADDRESS", "0x8ba1f109551bD432803012645Ac136ddd64DBA72")
	t.Setenv("ADMIN_TOKEN", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != "sqlite" || cfg.ChainDriver != "simulated" {
		t.Fatalf("unexpected drivers %s %s", cfg.StoreDriver, cfg.ChainDriver)
	}
	if cfg.WatcherInterval != 30*time.Second || cfg.ReconLagThreshold != 10*time.Minute {
		t.Fatalf("unexpected intervals %s %s", cfg.WatcherInterval, cfg.ReconLagThreshold)
	}
	if cfg.FeeRate.String() != "0.000015" || cfg.MinFeeUSD.String() != "0.5" {
		t.Fatalf("unexpected fee settings %s %s", cfg.FeeRate, cfg.MinFeeUSD)
	}
	if len(cfg.SupportedStablecoins) != 1 || cfg.SupportedStablecoins[0] != "fUSDC" {
		t.Fatalf("unexpected stablecoins %v", cfg.SupportedStablecoins)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SUPPORTED_STABLECOINS", "fUSDC, fUSDT ,")
	t.Setenv("AUTO_APPROVE_MAX_FIAT", "50000")
	t.Setenv("SUBMIT_BASE_DELAY", "250ms")
	t.Setenv("AWAIT_PAYOUT_SETTLEMENT", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.SupportedStablecoins) != 2 || cfg.SupportedStablecoins[1] != "fUSDT" {
		t.Fatalf("unexpected stablecoins %v", cfg.SupportedStablecoins)
	}
	if cfg.AutoApproveMaxFiat.String() != "50000" || cfg.SubmitBaseDelay != 250*time.Millisecond || !cfg.AwaitPayoutSettlement {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadReportsMalformedValues(t *testing.T) {
	setRequired(t)
	t.Setenv("FEE_RATE", "abc")
	t.Setenv("WATCHER_INTERVAL", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "FEE_RATE") || !strings.Contains(err.Error(), "WATCHER_INTERVAL") {
		t.Fatalf("expected both keys reported, got %v", err)
	}
}

func TestValidateRequiresDriverSettings(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("CHAIN_DRIVER", "rpc")

	_, err := Load()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") || !strings.Contains(err.Error(), "CHAIN_RPC_URL") {
		t.Fatalf("unexpected error %v", err)
	}
}

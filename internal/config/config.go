// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every runtime setting.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string
	AdminToken       string

	StoreDriver    string
	SQLitePath     string
	DatabaseURL    string
	DatabaseSchema string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	PaystackBaseURL      string
	PaystackSecretKey    string
	PaystackCallbackURL  string
	PaystackDefaultEmail string
	PaystackTimeout      time.Duration

	ChainDriver   string
	ChainRPCURL   string
	ChainRPCToken string
	ChainTimeout  time.Duration

	// SimulatorFunding seeds each supported coin when the chain is simulated.
	SimulatorFunding decimal.Decimal

	FundingAccount       string
	DepositAddress       string
	SupportedStablecoins []string
	NGNUSDRate           decimal.Decimal
	FeeRate              decimal.Decimal
	MinFeeUSD            decimal.Decimal

	OnRampMinFiat         decimal.Decimal
	OnRampMaxFiat         decimal.Decimal
	OffRampMinToken       decimal.Decimal
	OffRampMaxToken       decimal.Decimal
	AutoApproveMaxFiat    decimal.Decimal
	PaymentExpiryGrace    time.Duration
	AwaitPayoutSettlement bool

	SubmitMaxAttempts int
	SubmitBaseDelay   time.Duration
	SubmitMaxDelay    time.Duration

	WatcherInterval    time.Duration
	WatcherBlockWindow uint64
	WatcherRPS         float64

	ReconInterval     time.Duration
	ReconLagThreshold time.Duration
	ReconOutputDir    string

	WhatsAppStorePath string
	WhatsAppAdminJIDs []string
	WhatsAppLogLevel  string
}

// Load reads the environment. Malformed values are reported together.
func Load() (*Config, error) {
	e := &env{}
	cfg := &Config{
		AppEnv:           e.str("APP_ENV", "development"),
		LogLevel:         e.str("LOG_LEVEL", "info"),
		LogFormat:        e.str("LOG_FORMAT", "text"),
		HTTPListenAddr:   e.str("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   e.str("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: e.str("METRICS_NAMESPACE", "naira_ramp"),
		AdminToken:       e.str("ADMIN_TOKEN", ""),

		StoreDriver:    strings.ToLower(e.str("STORE_DRIVER", "sqlite")),
		SQLitePath:     e.str("SQLITE_PATH", "data/ramp.db"),
		DatabaseURL:    e.str("DATABASE_URL", ""),
		DatabaseSchema: e.str("DATABASE_SCHEMA", "public"),

		RedisAddr:     e.str("REDIS_ADDR", ""),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		RedisDB:       e.integer("REDIS_DB", 0),
		RedisTLS:      e.boolean("REDIS_TLS", false),

		PaystackBaseURL:      e.str("PAYSTACK_BASE_URL", "https://api.paystack.co"),
		PaystackSecretKey:    e.str("PAYSTACK_SECRET_KEY", ""),
		PaystackCallbackURL:  e.str("PAYSTACK_CALLBACK_URL", ""),
		PaystackDefaultEmail: e.str("PAYSTACK_DEFAULT_EMAIL", ""),
		PaystackTimeout:      e.duration("PAYSTACK_TIMEOUT", 15*time.Second),

		ChainDriver:   strings.ToLower(e.str("CHAIN_DRIVER", "simulated")),
		ChainRPCURL:   e.str("CHAIN_RPC_URL", ""),
		ChainRPCToken: e.str("CHAIN_RPC_TOKEN", ""),
		ChainTimeout:  e.duration("CHAIN_TIMEOUT", 10*time.Second),

		SimulatorFunding: e.decimal("SIMULATOR_FUNDING", "0"),

		FundingAccount:       e.str("FUNDING_ACCOUNT", "treasury"),
		DepositAddress:       e.str("DEPOSIT_ADDRESS", ""),
		SupportedStablecoins: e.list("SUPPORTED_STABLECOINS", []string{"fUSDC"}),
		NGNUSDRate:           e.decimal("FX_NGN_USD", "0.0024"),
		FeeRate:              e.decimal("FEE_RATE", "0.000015"),
		MinFeeUSD:            e.decimal("MIN_FEE_USD", "0.5"),

		OnRampMinFiat:         e.decimal("ONRAMP_MIN_FIAT", "1000"),
		OnRampMaxFiat:         e.decimal("ONRAMP_MAX_FIAT", "5000000"),
		OffRampMinToken:       e.decimal("OFFRAMP_MIN_TOKEN", "5"),
		OffRampMaxToken:       e.decimal("OFFRAMP_MAX_TOKEN", "10000"),
		AutoApproveMaxFiat:    e.decimal("AUTO_APPROVE_MAX_FIAT", "0"),
		PaymentExpiryGrace:    e.duration("PAYMENT_EXPIRY_GRACE", 15*time.Minute),
		AwaitPayoutSettlement: e.boolean("AWAIT_PAYOUT_SETTLEMENT", false),

		SubmitMaxAttempts: e.integer("SUBMIT_MAX_ATTEMPTS", 4),
		SubmitBaseDelay:   e.duration("SUBMIT_BASE_DELAY", 500*time.Millisecond),
		SubmitMaxDelay:    e.duration("SUBMIT_MAX_DELAY", 8*time.Second),

		WatcherInterval:    e.duration("WATCHER_INTERVAL", 30*time.Second),
		WatcherBlockWindow: uint64(e.integer("WATCHER_BLOCK_WINDOW", 5000)),
		WatcherRPS:         e.float("WATCHER_RPS", 5),

		ReconInterval:     e.duration("RECON_INTERVAL", time.Hour),
		ReconLagThreshold: e.duration("RECON_LAG_THRESHOLD", 10*time.Minute),
		ReconOutputDir:    e.str("RECON_OUTPUT_DIR", "data/recon"),

		WhatsAppStorePath: e.str("WHATSAPP_STORE_PATH", ""),
		WhatsAppAdminJIDs: e.list("WHATSAPP_ADMIN_JIDS", nil),
		WhatsAppLogLevel:  e.str("WHATSAPP_LOG_LEVEL", "INFO"),
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of sqlite, postgres, memory", c.StoreDriver))
	}
	switch c.ChainDriver {
	case "simulated":
	case "rpc":
		if c.ChainRPCURL == "" {
			errs = append(errs, errors.New("CHAIN_RPC_URL is required for the rpc chain driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHAIN_DRIVER %q is not one of rpc, simulated", c.ChainDriver))
	}
	if c.PaystackSecretKey == "" {
		errs = append(errs, errors.New("PAYSTACK_SECRET_KEY is required"))
	}
	if c.DepositAddress == "" {
		errs = append(errs, errors.New("DEPOSIT_ADDRESS is required"))
	}
	if c.AdminToken == "" {
		errs = append(errs, errors.New("ADMIN_TOKEN is required"))
	}
	if len(c.SupportedStablecoins) == 0 {
		errs = append(errs, errors.New("SUPPORTED_STABLECOINS must list at least one coin"))
	}
	if !c.NGNUSDRate.IsPositive() {
		errs = append(errs, errors.New("FX_NGN_USD must be positive"))
	}
	if c.OnRampMaxFiat.IsPositive() && c.OnRampMaxFiat.LessThan(c.OnRampMinFiat) {
		errs = append(errs, errors.New("ONRAMP_MAX_FIAT must not be below ONRAMP_MIN_FIAT"))
	}
	if c.OffRampMaxToken.IsPositive() && c.OffRampMaxToken.LessThan(c.OffRampMinToken) {
		errs = append(errs, errors.New("OFFRAMP_MAX_TOKEN must not be below OFFRAMP_MIN_TOKEN"))
	}
	if c.SubmitMaxAttempts < 1 {
		errs = append(errs, errors.New("SUBMIT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.WhatsAppStorePath != "" && len(c.WhatsAppAdminJIDs) == 0 {
		errs = append(errs, errors.New("WHATSAPP_ADMIN_JIDS is required when WHATSAPP_STORE_PATH is set"))
	}
	return errors.Join(errs...)
}

// env reads typed values and collects parse failures.
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (e *env) float(key string, def float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (e *env) boolean(key string, def bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (e *env) decimal(key, def string) decimal.Decimal {
	raw := e.str(key, def)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return decimal.RequireFromString(def)
	}
	return v
}

func (e *env) list(key string, def []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package money

import (
	"fmt"
	"strings"

	"naira-ramp/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	// TokenPlaces is the precision stablecoin amounts are rounded to.
	TokenPlaces = 6
	// FiatPlaces is the precision fiat payouts are truncated to.
	FiatPlaces = 2
)

// Config defines conversion rates and the fee schedule.
type Config struct {
	// USDRates maps a fiat currency code to the USD value of one unit.
	USDRates map[string]decimal.Decimal
	FeeRate  decimal.Decimal
	MinFee   decimal.Decimal
}

// Calculator converts between fiat and USD-pegged stablecoins.
type Calculator struct {
	rates   map[string]decimal.Decimal
	feeRate decimal.Decimal
	minFee  decimal.Decimal
}

// OnRampQuote is the result of converting fiat into tokens.
type OnRampQuote struct {
	FiatAmount   decimal.Decimal
	FiatCurrency string
	USDAmount    decimal.Decimal
	Fee          decimal.Decimal
	TokenAmount  decimal.Decimal
}

// OffRampQuote is the result of converting tokens into fiat.
type OffRampQuote struct {
	TokenAmount  decimal.Decimal
	USDAmount    decimal.Decimal
	Fee          decimal.Decimal
	FiatAmount   decimal.Decimal
	FiatCurrency string
}

// NewCalculator validates cfg and returns a calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	if len(cfg.USDRates) == 0 {
		return nil, fmt.Errorf("%w: at least one fiat rate is required", domain.ErrValidation)
	}
	rates := make(map[string]decimal.Decimal, len(cfg.USDRates))
	for code, rate := range cfg.USDRates {
		if !rate.IsPositive() {
			return nil, fmt.Errorf("%w: rate for %s must be positive", domain.ErrValidation, code)
		}
		rates[strings.ToUpper(code)] = rate
	}
	if cfg.FeeRate.IsNegative() || cfg.MinFee.IsNegative() {
		return nil, fmt.Errorf("%w: fee settings must not be negative", domain.ErrValidation)
	}
	return &Calculator{rates: rates, feeRate: cfg.FeeRate, minFee: cfg.MinFee}, nil
}

// Supports reports whether a rate is configured for currency.
func (c *Calculator) Supports(currency string) bool {
	_, ok := c.rates[strings.ToUpper(currency)]
	return ok
}

// Fee returns max(usd*rate, min) rounded to token precision.
func Fee(usd, rate, min decimal.Decimal) decimal.Decimal {
	fee := usd.Mul(rate)
	if fee.LessThan(min) {
		fee = min
	}
	return fee.Round(TokenPlaces)
}

// OnRamp quotes the tokens delivered for a fiat payment.
func (c *Calculator) OnRamp(fiat decimal.Decimal, currency string) (OnRampQuote, error) {
	code := strings.ToUpper(currency)
	rate, ok := c.rates[code]
	if !ok {
		return OnRampQuote{}, fmt.Errorf("%w: unsupported currency %q", domain.ErrValidation, currency)
	}
	if !fiat.IsPositive() {
		return OnRampQuote{}, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	usd := fiat.Mul(rate).Round(TokenPlaces)
	fee := Fee(usd, c.feeRate, c.minFee)
	final := usd.Sub(fee)
	if !final.IsPositive() {
		return OnRampQuote{}, fmt.Errorf("%w: amount %s does not cover the %s USD fee", domain.ErrValidation, fiat, fee)
	}
	return OnRampQuote{
		FiatAmount:   fiat,
		FiatCurrency: code,
		USDAmount:    usd,
		Fee:          fee,
		TokenAmount:  final,
	}, nil
}

// OffRamp quotes the fiat paid out for deposited tokens. Stablecoins are
// valued one to one with USD.
func (c *Calculator) OffRamp(tokens decimal.Decimal, currency string) (OffRampQuote, error) {
	code := strings.ToUpper(currency)
	rate, ok := c.rates[code]
	if !ok {
		return OffRampQuote{}, fmt.Errorf("%w: unsupported currency %q", domain.ErrValidation, currency)
	}
	if !tokens.IsPositive() {
		return OffRampQuote{}, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	usd := tokens.Round(TokenPlaces)
	fee := Fee(usd, c.feeRate, c.minFee)
	net := usd.Sub(fee)
	if !net.IsPositive() {
		return OffRampQuote{}, fmt.Errorf("%w: amount %s does not cover the %s USD fee", domain.ErrValidation, tokens, fee)
	}
	fiat := net.Div(rate).Truncate(FiatPlaces)
	return OffRampQuote{
		TokenAmount:  tokens,
		USDAmount:    usd,
		Fee:          fee,
		FiatAmount:   fiat,
		FiatCurrency: code,
	}, nil
}

// ToMinorUnits converts a two-place fiat amount into its integer minor unit.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(FiatPlaces).Round(0).IntPart()
}

// FromMinorUnits converts an integer minor unit amount back into the major unit.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -FiatPlaces)
}

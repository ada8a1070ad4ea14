package validation

import (
	"fmt"
	"regexp"
	"strings"

	"naira-ramp/internal/domain"
)

var (
	walletPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	accountPattern = regexp.MustCompile(`^[0-9]{10}$`)
	phonePattern   = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
)

// WalletAddress validates a hex account address.
func WalletAddress(address string) error {
	if !walletPattern.MatchString(strings.TrimSpace(address)) {
		return fmt.Errorf("%w: invalid wallet address %q", domain.ErrValidation, address)
	}
	return nil
}

// NormalizeAddress lowercases an address for comparison.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// PayoutDetails checks the destination is complete for the chosen method.
func PayoutDetails(method domain.PayoutMethod, d domain.PayoutDetails) error {
	switch method {
	case domain.PayoutBank:
		if !accountPattern.MatchString(d.AccountNumber) {
			return fmt.Errorf("%w: account number must be 10 digits", domain.ErrValidation)
		}
		if strings.TrimSpace(d.BankCode) == "" {
			return fmt.Errorf("%w: bank code is required", domain.ErrValidation)
		}
		if strings.TrimSpace(d.AccountName) == "" {
			return fmt.Errorf("%w: account name is required", domain.ErrValidation)
		}
		return nil
	case domain.PayoutMobileMoney:
		if !phonePattern.MatchString(d.PhoneNumber) {
			return fmt.Errorf("%w: invalid phone number", domain.ErrValidation)
		}
		if strings.TrimSpace(d.Provider) == "" {
			return fmt.Errorf("%w: mobile money provider is required", domain.ErrValidation)
		}
		if strings.TrimSpace(d.AccountName) == "" {
			return fmt.Errorf("%w: account name is required", domain.ErrValidation)
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported payout method %q", domain.ErrValidation, method)
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OnRampSession tracks the conversion of a fiat payment into stablecoins.
type OnRampSession struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	WalletAddress    string          `json:"wallet_address"`
	FiatAmount       decimal.Decimal `json:"fiat_amount"`
	FiatCurrency     string          `json:"fiat_currency"`
	USDAmount        decimal.Decimal `json:"usd_amount"`
	FeeAmount        decimal.Decimal `json:"fee_amount"`
	TokenAmount      decimal.Decimal `json:"token_amount"`
	Stablecoin       string          `json:"stablecoin"`
	PaymentRef       string          `json:"payment_ref"`
	ProviderRef      string          `json:"provider_ref,omitempty"`
	PaymentURL       string          `json:"payment_url,omitempty"`
	PaymentExpiresAt time.Time       `json:"payment_expires_at,omitempty"`
	Status           OnRampStatus    `json:"status"`
	TxID             string          `json:"tx_id,omitempty"`
	ReceiptID        string          `json:"receipt_id,omitempty"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// OnRampPatch describes a compare-and-set update. Nil fields are left untouched.
type OnRampPatch struct {
	Status        OnRampStatus
	TxID          *string
	ReceiptID     *string
	ApprovedBy    *string
	FailureReason *string
}

// Apply writes the patch onto s. TxID is only written while unset.
func (p OnRampPatch) Apply(s *OnRampSession) {
	s.Status = p.Status
	if p.TxID != nil && s.TxID == "" {
		s.TxID = *p.TxID
	}
	if p.ReceiptID != nil {
		s.ReceiptID = *p.ReceiptID
	}
	if p.ApprovedBy != nil {
		s.ApprovedBy = *p.ApprovedBy
	}
	if p.FailureReason != nil {
		s.FailureReason = *p.FailureReason
	}
}

// PayoutMethod selects the fiat destination rail.
type PayoutMethod string

const (
	PayoutBank        PayoutMethod = "bank"
	PayoutMobileMoney PayoutMethod = "mobile_money"
)

// PayoutDetails carries the destination for a fiat payout.
type PayoutDetails struct {
	AccountNumber string `json:"account_number,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// OffRampRequest tracks the conversion of deposited stablecoins into fiat.
type OffRampRequest struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	WalletAddress  string          `json:"wallet_address"`
	TokenAmount    decimal.Decimal `json:"token_amount"`
	Stablecoin     string          `json:"stablecoin"`
	USDAmount      decimal.Decimal `json:"usd_amount"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	FiatCurrency   string          `json:"fiat_currency"`
	DepositAddress string          `json:"deposit_address"`
	Memo           string          `json:"memo"`
	PayoutMethod   PayoutMethod    `json:"payout_method"`
	PayoutDetails  PayoutDetails   `json:"payout_details"`
	Status         OffRampStatus   `json:"status"`
	DepositTxID    string          `json:"deposit_tx_id,omitempty"`
	EscrowTxID     string          `json:"escrow_tx_id,omitempty"`
	PayoutRef      string          `json:"payout_ref,omitempty"`
	PayoutError    string          `json:"payout_error,omitempty"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OffRampPatch describes a compare-and-set update. Nil fields are left untouched.
type OffRampPatch struct {
	Status        OffRampStatus
	DepositTxID   *string
	EscrowTxID    *string
	PayoutRef     *string
	PayoutError   *string
	ApprovedBy    *string
	FailureReason *string
}

// Apply writes the patch onto r. DepositTxID and EscrowTxID are only written while unset.
func (p OffRampPatch) Apply(r *OffRampRequest) {
	r.Status = p.Status
	if p.DepositTxID != nil && r.DepositTxID == "" {
		r.DepositTxID = *p.DepositTxID
	}
	if p.EscrowTxID != nil && r.EscrowTxID == "" {
		r.EscrowTxID = *p.EscrowTxID
	}
	if p.PayoutRef != nil {
		r.PayoutRef = *p.PayoutRef
	}
	if p.PayoutError != nil {
		r.PayoutError = *p.PayoutError
	}
	if p.ApprovedBy != nil {
		r.ApprovedBy = *p.ApprovedBy
	}
	if p.FailureReason != nil {
		r.FailureReason = *p.FailureReason
	}
}

// String returns a pointer to s for patch construction.
func String(s string) *string {
	return &s
}

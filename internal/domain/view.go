package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PublicProcessing is shown to users for every in-flight state past creation.
const PublicProcessing = "processing"

// OnRampView is the user-facing projection of a session.
type OnRampView struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	FiatAmount    decimal.Decimal `json:"fiat_amount"`
	FiatCurrency  string          `json:"fiat_currency"`
	TokenAmount   decimal.Decimal `json:"token_amount"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	Stablecoin    string          `json:"stablecoin"`
	WalletAddress string          `json:"wallet_address"`
	PaymentURL    string          `json:"payment_url,omitempty"`
	PaymentRef    string          `json:"payment_ref"`
	TxID          string          `json:"tx_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// View hides internal progress detail from end users.
func (s OnRampSession) View() OnRampView {
	v := OnRampView{
		ID:            s.ID,
		FiatAmount:    s.FiatAmount,
		FiatCurrency:  s.FiatCurrency,
		TokenAmount:   s.TokenAmount,
		FeeAmount:     s.FeeAmount,
		Stablecoin:    s.Stablecoin,
		WalletAddress: s.WalletAddress,
		PaymentRef:    s.PaymentRef,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	switch s.Status {
	case OnRampCreated:
		v.Status = string(s.Status)
		v.PaymentURL = s.PaymentURL
	case OnRampAwaitingApproval, OnRampProcessing:
		v.Status = PublicProcessing
	case OnRampCompleted:
		v.Status = string(s.Status)
		v.TxID = s.TxID
	case OnRampFailed, OnRampRejected:
		v.Status = string(s.Status)
		v.Reason = s.FailureReason
	default:
		v.Status = PublicProcessing
	}
	return v
}

// OffRampView is the user-facing projection of a request.
type OffRampView struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	TokenAmount    decimal.Decimal `json:"token_amount"`
	Stablecoin     string          `json:"stablecoin"`
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	FiatCurrency   string          `json:"fiat_currency"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	DepositAddress string          `json:"deposit_address"`
	Memo           string          `json:"memo"`
	PayoutMethod   PayoutMethod    `json:"payout_method"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// View hides internal progress detail from end users.
func (r OffRampRequest) View() OffRampView {
	v := OffRampView{
		ID:             r.ID,
		TokenAmount:    r.TokenAmount,
		Stablecoin:     r.Stablecoin,
		FiatAmount:     r.FiatAmount,
		FiatCurrency:   r.FiatCurrency,
		FeeAmount:      r.FeeAmount,
		DepositAddress: r.DepositAddress,
		Memo:           r.Memo,
		PayoutMethod:   r.PayoutMethod,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	switch r.Status {
	case OffRampCreated, OffRampPending, OffRampCompleted:
		v.Status = string(r.Status)
	case OffRampAwaitingApproval, OffRampProcessing:
		v.Status = PublicProcessing
	case OffRampFailed, OffRampRejected:
		v.Status = string(r.Status)
		v.Reason = r.FailureReason
	default:
		v.Status = PublicProcessing
	}
	return v
}

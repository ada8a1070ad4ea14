package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentIntentRequest asks the provider for a hosted payment page.
type PaymentIntentRequest struct {
	Amount    decimal.Decimal
	Currency  string
	Reference string
	Email     string
	Metadata  map[string]string
}

// PaymentIntent is the provider's answer to an intent request.
type PaymentIntent struct {
	PaymentURL     string
	CorrelationRef string
	ProviderRef    string
	ExpiresAt      time.Time
}

// PayoutRequest instructs the provider to pay fiat out.
type PayoutRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Method    PayoutMethod
	Details   PayoutDetails
	Reason    string
}

// Payout is the provider's acknowledgement of a payout.
type Payout struct {
	ProviderRef string
	Status      string
}

// PayoutSettled reports whether the provider already considers the payout paid.
func (p Payout) PayoutSettled() bool {
	return p.Status == "success"
}

// PaymentGateway is the fiat side collaborator.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	VerifyWebhookSignature(signature string, payload []byte) bool
	InitiatePayout(ctx context.Context, req PayoutRequest) (*Payout, error)
}

// PayoutOutcome is delivered asynchronously once the provider settles a payout.
type PayoutOutcome struct {
	Success bool
	Reason  string
}

// OnRampAction mints or transfers tokens to a user wallet.
type OnRampAction struct {
	Beneficiary      string
	Amount           decimal.Decimal
	Stablecoin       string
	SessionID        string
	IdempotencyToken string
}

// OffRampAction escrows or burns tokens a user deposited.
type OffRampAction struct {
	Depositor        string
	Amount           decimal.Decimal
	Stablecoin       string
	Memo             string
	RequestID        string
	DepositTxID      string
	IdempotencyToken string
}

// ChainReceipt is returned once the executor accepted an action.
type ChainReceipt struct {
	TxID      string
	ReceiptID string
	Finalized bool
}

// ActionStatus is the executor's view of an idempotency token.
type ActionStatus struct {
	Submitted bool
	Finalized bool
	Reverted  bool
	TxID      string
	ReceiptID string
	Reason    string
}

// DepositQuery selects an inbound transfer to the service address.
type DepositQuery struct {
	Address    string
	Memo       string
	Amount     decimal.Decimal
	Stablecoin string
	SinceBlock uint64
}

// Deposit is an observed inbound transfer.
type Deposit struct {
	TxID       string          `json:"tx_id"`
	Block      uint64          `json:"block"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Memo       string          `json:"memo"`
	Amount     decimal.Decimal `json:"amount"`
	Stablecoin string          `json:"stablecoin"`
}

// ChainExecutor is the chain side collaborator.
type ChainExecutor interface {
	SubmitOnRampAction(ctx context.Context, action OnRampAction) (*ChainReceipt, error)
	SubmitOffRampAction(ctx context.Context, action OffRampAction) (*ChainReceipt, error)
	QueryActionStatus(ctx context.Context, idempotencyToken string) (*ActionStatus, error)
	FundingBalance(ctx context.Context, stablecoin string) (decimal.Decimal, error)
	FindDeposit(ctx context.Context, query DepositQuery) (*Deposit, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// PaymentRecord is a provider-side view of a collected payment.
type PaymentRecord struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Status    string
	PaidAt    time.Time
}

// PayoutRecord is a provider-side view of a fiat transfer.
type PayoutRecord struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Status    string
	CreatedAt time.Time
}

// ActionKind distinguishes on-ramp and off-ramp chain actions.
type ActionKind string

const (
	ActionOnRamp  ActionKind = "onramp"
	ActionOffRamp ActionKind = "offramp"
)

// ChainRecord is the chain-side view of a submitted action.
type ChainRecord struct {
	Token       string          `json:"token"`
	Kind        ActionKind      `json:"kind"`
	RecordID    string          `json:"record_id"`
	TxID        string          `json:"tx_id"`
	Address     string          `json:"address"`
	Amount      decimal.Decimal `json:"amount"`
	Stablecoin  string          `json:"stablecoin"`
	Finalized   bool            `json:"finalized"`
	Reverted    bool            `json:"reverted"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

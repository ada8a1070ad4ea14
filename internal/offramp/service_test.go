package offramp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/chain"
	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/logging"
	"naira-ramp/internal/money"
	"naira-ramp/internal/notify"
	"naira-ramp/internal/retry"
	"naira-ramp/internal/store"
	"naira-ramp/internal/submit"
)

const (
	wallet         = "0x52908400098527886E0F7030069857D2E4169EE7"
	depositAddress = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type payoutGateway struct {
	mu       sync.Mutex
	requests []domain.PayoutRequest
	err      error
	status   string
}

func (g *payoutGateway) CreateIntent(context.Context, domain.PaymentIntentRequest) (*domain.PaymentIntent, error) {
	return nil, errors.New("not used")
}

func (g *payoutGateway) VerifyWebhookSignature(string, []byte) bool { return true }

func (g *payoutGateway) InitiatePayout(_ context.Context, req domain.PayoutRequest) (*domain.Payout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	status := g.status
	if status == "" {
		status = "pending"
	}
	return &domain.Payout{ProviderRef: req.Reference, Status: status}, nil
}

func (g *payoutGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type harness struct {
	svc   *Service
	store *store.Memory
	sim   *chain.Simulator
	gw    *payoutGateway
	inbox *notify.Inbox
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	sim := chain.NewSimulator(clk)
	calc, err := money.NewCalculator(money.Config{
		USDRates: map[string]decimal.Decimal{"NGN": decimal.RequireFromString("0.0024")},
		FeeRate:  decimal.RequireFromString("0.000015"),
		MinFee:   decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	cfg := Config{
		MinToken:       decimal.NewFromInt(5),
		MaxToken:       decimal.NewFromInt(10000),
		Stablecoins:    []string{"fUSDC"},
		DepositAddress: depositAddress,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw := &payoutGateway{}
	inbox := notify.NewInbox(100)
	logger := logging.Discard()
	svc := New(cfg, Deps{
		Store:     st,
		Gateway:   gw,
		Submitter: submit.New(sim, clock.Real{}, fastPolicy, logger, nil),
		Calc:      calc,
		Notify:    inbox,
		Clock:     clk,
		Logger:    logger,
	})
	return &harness{svc: svc, store: st, sim: sim, gw: gw, inbox: inbox}
}

func bankInput(tokens string) CreateInput {
	return CreateInput{
		UserID:        "user-1",
		WalletAddress: wallet,
		TokenAmount:   decimal.RequireFromString(tokens),
		Stablecoin:    "fUSDC",
		FiatCurrency:  "NGN",
		PayoutMethod:  domain.PayoutBank,
		PayoutDetails: domain.PayoutDetails{AccountNumber: "0123456789", BankCode: "058", AccountName: "Ada Obi"},
	}
}

func (h *harness) deposited(t *testing.T) *domain.OffRampRequest {
	t.Helper()
	req, err := h.svc.Create(context.Background(), bankInput("100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := h.svc.OnDepositDetected(context.Background(), req.ID, "0xdeposit-"+req.ID)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return got
}

func TestFullOffRampFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req, err := h.svc.Create(ctx, bankInput("100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.OffRampPending || req.Memo == "" || req.DepositAddress != depositAddress {
		t.Fatalf("unexpected new request %+v", req)
	}
	if !req.FiatAmount.Equal(decimal.RequireFromString("41458.33")) {
		t.Fatalf("unexpected payout amount %s", req.FiatAmount)
	}

	detected, err := h.svc.OnDepositDetected(ctx, req.ID, "0xabc")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if detected.Status != domain.OffRampAwaitingApproval || detected.DepositTxID != "0xabc" {
		t.Fatalf("unexpected request %+v", detected)
	}
	if h.inbox.Count(notify.OffRampAwaitingApproval) != 1 {
		t.Fatal("expected an approval notification")
	}

	done, err := h.svc.Approve(ctx, req.ID, "ops")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != domain.OffRampCompleted || done.EscrowTxID == "" || done.PayoutRef != PayoutRef(req.ID) {
		t.Fatalf("unexpected completed request %+v", done)
	}
	if h.gw.requests[0].Amount.String() != "41458.33" || h.gw.requests[0].Reference != PayoutRef(req.ID) {
		t.Fatalf("unexpected payout request %+v", h.gw.requests[0])
	}
}

func TestCreateValidatesPayoutDetails(t *testing.T) {
	h := newHarness(t, nil)
	in := bankInput("100")
	in.PayoutDetails.AccountNumber = "12"
	if _, err := h.svc.Create(context.Background(), in); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	in = bankInput("1")
	if _, err := h.svc.Create(context.Background(), in); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected amount bound error, got %v", err)
	}
}

func TestCreateRegeneratesCollidingMemo(t *testing.T) {
	h := newHarness(t, nil)
	memos := []string{"NRFIXED0001", "NRFIXED0001", "NRFIXED0002"}
	h.svc.newMemo = func() string {
		m := memos[0]
		memos = memos[1:]
		return m
	}
	first, err := h.svc.Create(context.Background(), bankInput("100"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.svc.Create(context.Background(), bankInput("100"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Memo == second.Memo || second.Memo != "NRFIXED0002" {
		t.Fatalf("expected regenerated memo, got %s and %s", first.Memo, second.Memo)
	}
}

func TestDepositDetectionIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	req := h.deposited(t)

	again, err := h.svc.OnDepositDetected(context.Background(), req.ID, req.DepositTxID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Status != domain.OffRampAwaitingApproval {
		t.Fatalf("unexpected status %s", again.Status)
	}
	if n := h.inbox.Count(notify.OffRampAwaitingApproval); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
}

func TestDepositMatchesSingleRequest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, _ := h.svc.Create(ctx, bankInput("100"))
	b, _ := h.svc.Create(ctx, bankInput("100"))

	if _, err := h.svc.OnDepositDetected(ctx, a.ID, "0xsame"); err != nil {
		t.Fatalf("first match: %v", err)
	}
	if _, err := h.svc.OnDepositDetected(ctx, b.ID, "0xsame"); !errors.Is(err, domain.ErrDuplicateDeposit) {
		t.Fatalf("expected duplicate deposit, got %v", err)
	}
	got, _ := h.svc.Get(ctx, b.ID)
	if got.Status != domain.OffRampPending {
		t.Fatalf("second request must stay pending, got %s", got.Status)
	}
}

func TestChainFailureSkipsPayout(t *testing.T) {
	h := newHarness(t, nil)
	req := h.deposited(t)
	h.sim.FailNextSubmit(fmt.Errorf("%w: escrow contract paused", domain.ErrChainExecution), false)

	failed, err := h.svc.Approve(context.Background(), req.ID, "ops")
	if !errors.Is(err, domain.ErrChainExecution) {
		t.Fatalf("expected chain error, got %v", err)
	}
	if failed.Status != domain.OffRampFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if h.gw.calls() != 0 {
		t.Fatal("payout must never follow a failed escrow")
	}
}

func TestPayoutFailureStaysProcessingAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	req := h.deposited(t)
	h.gw.err = fmt.Errorf("%w: insufficient provider balance", domain.ErrPaymentGateway)

	got, err := h.svc.Approve(context.Background(), req.ID, "ops")
	if !errors.Is(err, domain.ErrPaymentGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if got.Status != domain.OffRampProcessing || got.EscrowTxID == "" || got.PayoutError == "" {
		t.Fatalf("unexpected request %+v", got)
	}
	if h.inbox.Count(notify.PayoutFailed) != 1 {
		t.Fatal("expected a payout failure notification")
	}

	h.gw.err = nil
	done, err := h.svc.RetryPayout(context.Background(), req.ID, "ops")
	if err != nil {
		t.Fatalf("retry payout: %v", err)
	}
	if done.Status != domain.OffRampCompleted || done.PayoutError != "" {
		t.Fatalf("unexpected request %+v", done)
	}
	if calls := h.sim.SubmitCalls(submit.OffRampToken(req.ID)); calls != 1 {
		t.Fatalf("retrying the payout must not resubmit the escrow, got %d", calls)
	}
}

func TestRetryPayoutRequiresRecordedEscrow(t *testing.T) {
	h := newHarness(t, nil)
	req := h.deposited(t)
	if _, err := h.svc.RetryPayout(context.Background(), req.ID, "ops"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := h.svc.RetryPayout(context.Background(), req.ID, ""); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestAwaitPayoutSettlement(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AwaitPayoutSettlement = true })
	ctx := context.Background()
	req := h.deposited(t)

	got, err := h.svc.Approve(ctx, req.ID, "ops")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != domain.OffRampProcessing || got.PayoutRef == "" {
		t.Fatalf("expected processing with payout ref, got %+v", got)
	}
	if _, err := h.svc.RetryPayout(ctx, req.ID, "ops"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("initiated payout must not be retried, got %v", err)
	}

	done, err := h.svc.OnPayoutSettled(ctx, got.PayoutRef, domain.PayoutOutcome{Success: true})
	if err != nil || done.Status != domain.OffRampCompleted {
		t.Fatalf("expected completion, got %+v %v", done, err)
	}
	replay, err := h.svc.OnPayoutSettled(ctx, got.PayoutRef, domain.PayoutOutcome{Success: true})
	if err != nil || replay.Status != domain.OffRampCompleted {
		t.Fatalf("replay must be a no-op, got %+v %v", replay, err)
	}
}

func TestPayoutFailureOutcomeFailsRequest(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AwaitPayoutSettlement = true })
	req := h.deposited(t)
	got, err := h.svc.Approve(context.Background(), req.ID, "ops")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	failed, err := h.svc.OnPayoutSettled(context.Background(), got.PayoutRef, domain.PayoutOutcome{Reason: "account closed"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if failed.Status != domain.OffRampFailed || failed.FailureReason != "payout failed: account closed" {
		t.Fatalf("unexpected request %+v", failed)
	}
}

func TestUnknownPayoutReferenceIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	got, err := h.svc.OnPayoutSettled(context.Background(), "payout-missing", domain.PayoutOutcome{Success: true})
	if err != nil || got != nil {
		t.Fatalf("expected silent discard, got %+v %v", got, err)
	}
}

func TestRejectFreesMemo(t *testing.T) {
	h := newHarness(t, nil)
	req := h.deposited(t)
	if _, err := h.svc.Reject(context.Background(), req.ID, "ops", "sanctions hit"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h.svc.newMemo = func() string { return req.Memo }
	reused, err := h.svc.Create(context.Background(), bankInput("50"))
	if err != nil {
		t.Fatalf("memo must be free after rejection: %v", err)
	}
	if reused.Memo != req.Memo {
		t.Fatalf("unexpected memo %s", reused.Memo)
	}
}

func TestRedriveResumesEscrowAndFlagsMissingPayout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	unescrowed := h.deposited(t)
	if _, err := h.store.UpdateOffRamp(ctx, unescrowed.ID, domain.OffRampAwaitingApproval, domain.OffRampPatch{Status: domain.OffRampProcessing}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	unpaid := h.deposited(t)
	if _, err := h.store.UpdateOffRamp(ctx, unpaid.ID, domain.OffRampAwaitingApproval, domain.OffRampPatch{Status: domain.OffRampProcessing, EscrowTxID: domain.String("0xescrow")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := h.svc.Redrive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one resumed request, got %d %v", n, err)
	}
	got, _ := h.svc.Get(ctx, unescrowed.ID)
	if got.Status != domain.OffRampCompleted || got.EscrowTxID == "" {
		t.Fatalf("unexpected redriven request %+v", got)
	}
	if h.inbox.Count(notify.PayoutPending) != 1 {
		t.Fatal("expected a pending payout notification")
	}
}

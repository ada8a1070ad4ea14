// Package offramp drives token to fiat requests from deposit detection to
// fiat payout. The chain escrow always precedes the payout.
package offramp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/money"
	"naira-ramp/internal/notify"
	"naira-ramp/internal/store"
	"naira-ramp/internal/submit"
	"naira-ramp/internal/validation"
)

const (
	memoAttempts = 5
	casAttempts  = 3
)

// Config holds off-ramp limits and policies.
type Config struct {
	MinToken       decimal.Decimal
	MaxToken       decimal.Decimal
	Stablecoins    []string
	DepositAddress string
	// AwaitPayoutSettlement keeps requests in processing after a payout was
	// initiated until the provider reports the final outcome.
	AwaitPayoutSettlement bool
}

// CreateInput is a user's request to sell stablecoins.
type CreateInput struct {
	UserID        string
	WalletAddress string
	TokenAmount   decimal.Decimal
	Stablecoin    string
	FiatCurrency  string
	PayoutMethod  domain.PayoutMethod
	PayoutDetails domain.PayoutDetails
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store     store.OffRampStore
	Gateway   domain.PaymentGateway
	Submitter *submit.Submitter
	Calc      *money.Calculator
	Notify    notify.Sink
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Service is the off-ramp orchestrator.
type Service struct {
	cfg       Config
	store     store.OffRampStore
	gateway   domain.PaymentGateway
	submitter *submit.Submitter
	calc      *money.Calculator
	notify    notify.Sink
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	newMemo func() string
}

// New returns an off-ramp orchestrator.
func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Notify == nil {
		deps.Notify = notify.Discard{}
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		gateway:   deps.Gateway,
		submitter: deps.Submitter,
		calc:      deps.Calc,
		notify:    deps.Notify,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "offramp"),
		metrics:   deps.Metrics,
		newMemo:   randomMemo,
	}
}

func randomMemo() string {
	return "NR" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// PayoutRef is the provider reference used for a request's payout.
func PayoutRef(requestID string) string { return "payout-" + requestID }

// Create validates the request, quotes it and persists it in pending with the
// deposit address and a memo no other open request holds.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.OffRampRequest, error) {
	if err := validation.WalletAddress(in.WalletAddress); err != nil {
		return nil, err
	}
	if !s.supportsCoin(in.Stablecoin) {
		return nil, fmt.Errorf("%w: unsupported stablecoin %q", domain.ErrValidation, in.Stablecoin)
	}
	if in.TokenAmount.LessThan(s.cfg.MinToken) || (s.cfg.MaxToken.IsPositive() && in.TokenAmount.GreaterThan(s.cfg.MaxToken)) {
		return nil, fmt.Errorf("%w: amount %s outside [%s, %s]", domain.ErrValidation, in.TokenAmount, s.cfg.MinToken, s.cfg.MaxToken)
	}
	if err := validation.PayoutDetails(in.PayoutMethod, in.PayoutDetails); err != nil {
		return nil, err
	}
	currency := in.FiatCurrency
	if currency == "" {
		currency = "NGN"
	}
	quote, err := s.calc.OffRamp(in.TokenAmount, currency)
	if err != nil {
		return nil, err
	}

	req := &domain.OffRampRequest{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		WalletAddress:  validation.NormalizeAddress(in.WalletAddress),
		TokenAmount:    quote.TokenAmount,
		Stablecoin:     in.Stablecoin,
		USDAmount:      quote.USDAmount,
		FeeAmount:      quote.Fee,
		FiatAmount:     quote.FiatAmount,
		FiatCurrency:   quote.FiatCurrency,
		DepositAddress: s.cfg.DepositAddress,
		PayoutMethod:   in.PayoutMethod,
		PayoutDetails:  in.PayoutDetails,
		Status:         domain.OffRampPending,
	}
	for attempt := 1; ; attempt++ {
		req.Memo = s.newMemo()
		err = s.store.CreateOffRamp(ctx, req)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrDuplicateMemo) || attempt == memoAttempts {
			return nil, fmt.Errorf("persist offramp request: %w", err)
		}
		s.logger.Debug("memo collision, regenerating", "attempt", attempt)
	}
	s.metrics.Transition("offramp", "", string(domain.OffRampPending))
	s.logger.Info("offramp request created", "request_id", req.ID, "memo", req.Memo, "tokens", req.TokenAmount.String(), "fiat", req.FiatAmount.String())
	return req, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.OffRampRequest, error) {
	return s.store.GetOffRamp(ctx, id)
}

// List returns requests in status.
func (s *Service) List(ctx context.Context, status domain.OffRampStatus, limit int) ([]domain.OffRampRequest, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	return s.store.ListOffRampByStatus(ctx, status, limit)
}

// OnDepositDetected records the matching deposit of a pending request. Each
// request and each deposit transaction advance at most once.
func (s *Service) OnDepositDetected(ctx context.Context, id, depositTxID string) (*domain.OffRampRequest, error) {
	if depositTxID == "" {
		return nil, fmt.Errorf("%w: deposit tx id required", domain.ErrValidation)
	}
	req, err := s.store.GetOffRamp(ctx, id)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		if req.Status != domain.OffRampPending {
			if req.DepositTxID != depositTxID {
				s.logger.Warn("deposit for request that is no longer pending", "request_id", id, "status", req.Status, "deposit_tx_id", depositTxID)
			}
			return req, nil
		}
		detected, err := s.transition(ctx, req, domain.OffRampAwaitingApproval, domain.OffRampPatch{DepositTxID: domain.String(depositTxID)})
		if errors.Is(err, domain.ErrStaleStatus) {
			if req, err = s.store.GetOffRamp(ctx, id); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("offramp deposit detected", "request_id", id, "deposit_tx_id", depositTxID)
		s.notify.Notify(notify.Event{
			Type:          notify.OffRampAwaitingApproval,
			CorrelationID: id,
			Message:       fmt.Sprintf("%s %s deposited for a %s %s payout", detected.TokenAmount, detected.Stablecoin, detected.FiatAmount, detected.FiatCurrency),
		})
		return detected, nil
	}
	return nil, fmt.Errorf("%w: request %s kept changing during deposit detection", domain.ErrStaleStatus, id)
}

// Approve moves a request with a confirmed deposit to processing, submits the
// escrow action and then initiates the payout.
func (s *Service) Approve(ctx context.Context, id, approver string) (*domain.OffRampRequest, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, fmt.Errorf("%w: approver identity required", domain.ErrAuthorization)
	}
	req, err := s.store.GetOffRamp(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.OffRampAwaitingApproval {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidState, id, req.Status)
	}
	processing, err := s.transition(ctx, req, domain.OffRampProcessing, domain.OffRampPatch{ApprovedBy: domain.String(approver)})
	if errors.Is(err, domain.ErrStaleStatus) {
		return nil, fmt.Errorf("%w: request %s was approved or changed concurrently", domain.ErrInvalidState, id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("offramp request approved", "request_id", id, "approver", approver)
	return s.process(context.WithoutCancel(ctx), processing, false)
}

// process runs the escrow step when it has not been recorded yet and then the
// payout step.
func (s *Service) process(ctx context.Context, req *domain.OffRampRequest, resume bool) (*domain.OffRampRequest, error) {
	if req.EscrowTxID == "" {
		res, err := s.submitter.OffRamp(ctx, domain.OffRampAction{
			Depositor:        req.WalletAddress,
			Amount:           req.TokenAmount,
			Stablecoin:       req.Stablecoin,
			Memo:             req.Memo,
			RequestID:        req.ID,
			DepositTxID:      req.DepositTxID,
			IdempotencyToken: submit.OffRampToken(req.ID),
		}, resume)
		if err != nil {
			return s.chainFailed(ctx, req, err)
		}
		escrowed, err := s.transition(ctx, req, domain.OffRampProcessing, domain.OffRampPatch{EscrowTxID: domain.String(res.TxID)})
		if err != nil {
			return nil, fmt.Errorf("record escrow %s for %s: %w", res.TxID, req.ID, err)
		}
		s.logger.Info("offramp escrow finalized", "request_id", req.ID, "escrow_tx_id", res.TxID)
		req = escrowed
	}
	return s.payout(ctx, req)
}

func (s *Service) chainFailed(ctx context.Context, req *domain.OffRampRequest, err error) (*domain.OffRampRequest, error) {
	if errors.Is(err, domain.ErrSubmissionUnknown) {
		s.logger.Warn("chain outcome unknown, request left in processing", "request_id", req.ID, "error", err)
		return req, err
	}
	if errors.Is(err, submit.ErrUnresolved) {
		s.notify.Notify(notify.Event{
			Type:          notify.ChainUnresolved,
			CorrelationID: req.ID,
			Message:       "off-ramp escrow unresolved, reconcile before refunding the deposit: " + err.Error(),
		})
	}
	failed, terr := s.transition(ctx, req, domain.OffRampFailed, domain.OffRampPatch{FailureReason: domain.String("chain submission failed: " + err.Error())})
	if terr != nil {
		return nil, fmt.Errorf("record chain failure for %s: %w (chain error: %v)", req.ID, terr, err)
	}
	s.logger.Error("offramp escrow failed", "request_id", req.ID, "error", err)
	return failed, err
}

// payout initiates the fiat transfer. A failed initiation keeps the request in
// processing with the error recorded so an operator can retry it.
func (s *Service) payout(ctx context.Context, req *domain.OffRampRequest) (*domain.OffRampRequest, error) {
	ref := PayoutRef(req.ID)
	payout, err := s.gateway.InitiatePayout(ctx, domain.PayoutRequest{
		Reference: ref,
		Amount:    req.FiatAmount,
		Currency:  req.FiatCurrency,
		Method:    req.PayoutMethod,
		Details:   req.PayoutDetails,
		Reason:    "naira-ramp offramp " + req.ID,
	})
	if err != nil {
		s.metrics.Error("offramp_payout")
		recorded, terr := s.transition(ctx, req, domain.OffRampProcessing, domain.OffRampPatch{PayoutError: domain.String(err.Error())})
		if terr != nil {
			return nil, fmt.Errorf("record payout failure for %s: %w (payout error: %v)", req.ID, terr, err)
		}
		s.logger.Error("offramp payout failed", "request_id", req.ID, "error", err)
		s.notify.Notify(notify.Event{
			Type:          notify.PayoutFailed,
			CorrelationID: req.ID,
			Message:       fmt.Sprintf("payout of %s %s could not be initiated, retry after checking the provider: %v", req.FiatAmount, req.FiatCurrency, err),
		})
		if !errors.Is(err, domain.ErrPaymentGateway) {
			err = fmt.Errorf("%w: %v", domain.ErrPaymentGateway, err)
		}
		return recorded, err
	}
	if payout.ProviderRef != "" {
		ref = payout.ProviderRef
	}

	patch := domain.OffRampPatch{PayoutRef: domain.String(ref), PayoutError: domain.String("")}
	next := domain.OffRampCompleted
	if s.cfg.AwaitPayoutSettlement && !payout.PayoutSettled() {
		next = domain.OffRampProcessing
	}
	updated, err := s.transition(ctx, req, next, patch)
	if err != nil {
		return nil, fmt.Errorf("record payout %s for %s: %w", ref, req.ID, err)
	}
	s.logger.Info("offramp payout initiated", "request_id", req.ID, "payout_ref", ref, "status", updated.Status)
	return updated, nil
}

// RetryPayout re-runs the payout step of a processing request whose escrow
// is recorded.
func (s *Service) RetryPayout(ctx context.Context, id, operator string) (*domain.OffRampRequest, error) {
	if strings.TrimSpace(operator) == "" {
		return nil, fmt.Errorf("%w: operator identity required", domain.ErrAuthorization)
	}
	req, err := s.store.GetOffRamp(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Status != domain.OffRampProcessing:
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidState, id, req.Status)
	case req.EscrowTxID == "":
		return nil, fmt.Errorf("%w: request %s has no recorded escrow", domain.ErrInvalidState, id)
	case req.PayoutRef != "" && req.PayoutError == "":
		return nil, fmt.Errorf("%w: payout %s already initiated for %s", domain.ErrInvalidState, req.PayoutRef, id)
	}
	s.logger.Info("retrying offramp payout", "request_id", id, "operator", operator)
	return s.payout(context.WithoutCancel(ctx), req)
}

// Reject closes a request with a confirmed deposit without paying out.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) (*domain.OffRampRequest, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("%w: operator identity required", domain.ErrAuthorization)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by operator"
	}
	req, err := s.store.GetOffRamp(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.OffRampAwaitingApproval {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidState, id, req.Status)
	}
	rejected, err := s.transition(ctx, req, domain.OffRampRejected, domain.OffRampPatch{FailureReason: domain.String(reason)})
	if errors.Is(err, domain.ErrStaleStatus) {
		return nil, fmt.Errorf("%w: request %s changed concurrently", domain.ErrInvalidState, id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("offramp request rejected", "request_id", id, "actor", actor, "reason", reason)
	return rejected, nil
}

// OnPayoutSettled applies the provider's final payout outcome. Unknown
// references and requests that are no longer processing are left alone.
func (s *Service) OnPayoutSettled(ctx context.Context, payoutRef string, outcome domain.PayoutOutcome) (*domain.OffRampRequest, error) {
	req, err := s.store.FindOffRampByPayoutRef(ctx, payoutRef)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("payout outcome for unknown reference discarded", "payout_ref", payoutRef)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if req.Status != domain.OffRampProcessing {
		if !outcome.Success && req.Status == domain.OffRampCompleted {
			s.logger.Warn("payout reported failed after completion", "request_id", req.ID, "reason", outcome.Reason)
			s.notify.Notify(notify.Event{
				Type:          notify.PayoutFailed,
				CorrelationID: req.ID,
				Message:       fmt.Sprintf("payout %s reported failed after completion: %s", payoutRef, outcome.Reason),
			})
		}
		return req, nil
	}

	if outcome.Success {
		done, err := s.transition(ctx, req, domain.OffRampCompleted, domain.OffRampPatch{})
		if errors.Is(err, domain.ErrStaleStatus) {
			return s.store.GetOffRamp(ctx, req.ID)
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("offramp payout settled", "request_id", req.ID, "payout_ref", payoutRef)
		return done, nil
	}

	reason := outcome.Reason
	if reason == "" {
		reason = "provider reported failure"
	}
	failed, err := s.transition(ctx, req, domain.OffRampFailed, domain.OffRampPatch{FailureReason: domain.String("payout failed: " + reason)})
	if errors.Is(err, domain.ErrStaleStatus) {
		return s.store.GetOffRamp(ctx, req.ID)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Error("offramp payout failed at provider", "request_id", req.ID, "payout_ref", payoutRef, "reason", reason)
	s.notify.Notify(notify.Event{
		Type:          notify.PayoutFailed,
		CorrelationID: req.ID,
		Message:       fmt.Sprintf("payout %s failed: %s; escrowed tokens need manual handling", payoutRef, reason),
	})
	return failed, nil
}

// Redrive resumes processing requests. Those without a recorded escrow go
// through the chain step again with a status query first; those with an
// escrow but no payout are raised to operators.
func (s *Service) Redrive(ctx context.Context) (int, error) {
	pending, err := s.store.ListOffRampByStatus(ctx, domain.OffRampProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("list processing requests: %w", err)
	}
	resumed := 0
	for i := range pending {
		req := pending[i]
		switch {
		case req.EscrowTxID == "":
			resumed++
			if _, err := s.process(ctx, &req, true); err != nil {
				s.logger.Warn("redrive offramp request", "request_id", req.ID, "error", err)
			}
		case req.PayoutRef == "":
			s.notify.Notify(notify.Event{
				Type:          notify.PayoutPending,
				CorrelationID: req.ID,
				Message:       fmt.Sprintf("escrow %s recorded but no payout initiated; retry the payout", req.EscrowTxID),
			})
		}
	}
	if resumed > 0 {
		s.logger.Info("offramp requests redriven", "count", resumed)
	}
	return resumed, nil
}

func (s *Service) transition(ctx context.Context, req *domain.OffRampRequest, to domain.OffRampStatus, patch domain.OffRampPatch) (*domain.OffRampRequest, error) {
	patch.Status = to
	updated, err := s.store.UpdateOffRamp(ctx, req.ID, req.Status, patch)
	if err != nil {
		return nil, err
	}
	if req.Status != to {
		s.metrics.Transition("offramp", string(req.Status), string(to))
	}
	return updated, nil
}

func (s *Service) supportsCoin(coin string) bool {
	for _, c := range s.cfg.Stablecoins {
		if c == coin {
			return true
		}
	}
	return false
}

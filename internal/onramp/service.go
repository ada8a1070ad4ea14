// Package onramp drives fiat to token sessions from payment intent to chain
// settlement.
package onramp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/funding"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/money"
	"naira-ramp/internal/notify"
	"naira-ramp/internal/retry"
	"naira-ramp/internal/store"
	"naira-ramp/internal/submit"
	"naira-ramp/internal/validation"
)

const (
	// AutoApprover is recorded as the approver of automatically approved sessions.
	AutoApprover = "auto"

	reasonAmountMismatch = "amount mismatch"
	reasonExpired        = "payment window expired"

	casAttempts = 3
)

// Config holds on-ramp limits and policies.
type Config struct {
	MinFiat            decimal.Decimal
	MaxFiat            decimal.Decimal
	Stablecoins        []string
	FundingAccount     string
	AutoApproveMaxFiat decimal.Decimal
	ExpiryGrace        time.Duration
	IntentRetry        retry.Policy
}

// CreateInput is a user's request to buy stablecoins.
type CreateInput struct {
	UserID        string
	WalletAddress string
	FiatAmount    decimal.Decimal
	FiatCurrency  string
	Stablecoin    string
	Email         string
}

// Service is the on-ramp orchestrator.
type Service struct {
	cfg       Config
	store     store.OnRampStore
	gateway   domain.PaymentGateway
	submitter *submit.Submitter
	guard     *funding.Guard
	calc      *money.Calculator
	notify    notify.Sink
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	background sync.WaitGroup
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store     store.OnRampStore
	Gateway   domain.PaymentGateway
	Submitter *submit.Submitter
	Guard     *funding.Guard
	Calc      *money.Calculator
	Notify    notify.Sink
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// New returns an on-ramp orchestrator.
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
		guard:     deps.Guard,
		calc:      deps.Calc,
		notify:    deps.Notify,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "onramp"),
		metrics:   deps.Metrics,
	}
}

// Wait blocks until background approvals started by the service finish.
func (s *Service) Wait() {
	s.background.Wait()
}

// Create validates the request, quotes it, opens a payment intent and
// persists the session in created. Nothing is persisted when the intent fails.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.OnRampSession, error) {
	if err := validation.WalletAddress(in.WalletAddress); err != nil {
		return nil, err
	}
	if !s.supportsCoin(in.Stablecoin) {
		return nil, fmt.Errorf("%w: unsupported stablecoin %q", domain.ErrValidation, in.Stablecoin)
	}
	if in.FiatAmount.LessThan(s.cfg.MinFiat) || (s.cfg.MaxFiat.IsPositive() && in.FiatAmount.GreaterThan(s.cfg.MaxFiat)) {
		return nil, fmt.Errorf("%w: amount %s outside [%s, %s]", domain.ErrValidation, in.FiatAmount, s.cfg.MinFiat, s.cfg.MaxFiat)
	}
	quote, err := s.calc.OnRamp(in.FiatAmount, in.FiatCurrency)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ref := "onr-" + uuid.NewString()
	var intent *domain.PaymentIntent
	err = retry.Do(ctx, s.clock, s.cfg.IntentRetry, domain.IsRetryable, func(ctx context.Context) error {
		var ierr error
		intent, ierr = s.gateway.CreateIntent(ctx, domain.PaymentIntentRequest{
			Amount:    quote.FiatAmount,
			Currency:  quote.FiatCurrency,
			Reference: ref,
			Email:     in.Email,
			Metadata: map[string]string{
				"session_id": id,
				"stablecoin": in.Stablecoin,
			},
		})
		return ierr
	})
	if err != nil {
		s.metrics.Error("onramp_intent")
		if !errors.Is(err, domain.ErrPaymentGateway) {
			err = fmt.Errorf("%w: %v", domain.ErrPaymentGateway, err)
		}
		return nil, err
	}
	if intent.CorrelationRef != "" {
		ref = intent.CorrelationRef
	}

	sess := &domain.OnRampSession{
		ID:               id,
		UserID:           in.UserID,
		WalletAddress:    validation.NormalizeAddress(in.WalletAddress),
		FiatAmount:       quote.FiatAmount,
		FiatCurrency:     quote.FiatCurrency,
		USDAmount:        quote.USDAmount,
		FeeAmount:        quote.Fee,
		TokenAmount:      quote.TokenAmount,
		Stablecoin:       in.Stablecoin,
		PaymentRef:       ref,
		ProviderRef:      intent.ProviderRef,
		PaymentURL:       intent.PaymentURL,
		PaymentExpiresAt: intent.ExpiresAt,
		Status:           domain.OnRampCreated,
	}
	if err := s.store.CreateOnRamp(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist onramp session: %w", err)
	}
	s.metrics.Transition("onramp", "", string(domain.OnRampCreated))
	s.logger.Info("onramp session created", "session_id", sess.ID, "payment_ref", sess.PaymentRef, "fiat", sess.FiatAmount.String(), "tokens", sess.TokenAmount.String())
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.OnRampSession, error) {
	return s.store.GetOnRamp(ctx, id)
}

// List returns sessions in status.
func (s *Service) List(ctx context.Context, status domain.OnRampStatus, limit int) ([]domain.OnRampSession, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	return s.store.ListOnRampByStatus(ctx, status, limit)
}

// OnPaymentConfirmed records a confirmed payment for the session holding ref.
// Unknown references are discarded and replays are no-ops. A confirmed amount
// differing from the recorded one fails the session.
func (s *Service) OnPaymentConfirmed(ctx context.Context, ref string, amount decimal.Decimal, currency string) (*domain.OnRampSession, error) {
	logger := s.logger.With("payment_ref", ref)
	sess, err := s.store.FindOnRampByPaymentRef(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("payment confirmation for unknown reference discarded")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		switch sess.Status {
		case domain.OnRampCreated:
		case domain.OnRampFailed:
			if sess.FailureReason == reasonExpired {
				logger.Warn("payment confirmed after the payment window closed", "session_id", sess.ID)
				s.notify.Notify(notify.Event{
					Type:          notify.LatePayment,
					CorrelationID: sess.ID,
					Message:       fmt.Sprintf("payment %s of %s %s arrived after expiry; refund or settle manually", ref, amount, currency),
				})
			}
			return sess, nil
		default:
			logger.Debug("payment confirmation replay ignored", "session_id", sess.ID, "status", sess.Status)
			return sess, nil
		}

		if !amount.Equal(sess.FiatAmount) || (currency != "" && !strings.EqualFold(currency, sess.FiatCurrency)) {
			failed, err := s.transition(ctx, sess, domain.OnRampFailed, domain.OnRampPatch{FailureReason: domain.String(reasonAmountMismatch)})
			if errors.Is(err, domain.ErrStaleStatus) {
				if sess, err = s.store.GetOnRamp(ctx, sess.ID); err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			logger.Warn("payment amount mismatch", "session_id", sess.ID, "expected", sess.FiatAmount.String(), "confirmed", amount.String(), "currency", currency)
			return failed, fmt.Errorf("%w: session %s expected %s %s, confirmed %s %s", domain.ErrIntegrityMismatch, sess.ID, sess.FiatAmount, sess.FiatCurrency, amount, currency)
		}

		paid, err := s.transition(ctx, sess, domain.OnRampAwaitingApproval, domain.OnRampPatch{})
		if errors.Is(err, domain.ErrStaleStatus) {
			if sess, err = s.store.GetOnRamp(ctx, sess.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Info("payment confirmed", "session_id", paid.ID)
		s.notify.Notify(notify.Event{
			Type:          notify.OnRampAwaitingApproval,
			CorrelationID: paid.ID,
			Message:       fmt.Sprintf("%s %s paid for %s %s to %s", paid.FiatAmount, paid.FiatCurrency, paid.TokenAmount, paid.Stablecoin, paid.WalletAddress),
		})
		s.maybeAutoApprove(ctx, paid)
		return paid, nil
	}
	return nil, fmt.Errorf("%w: session %s kept changing during confirmation", domain.ErrStaleStatus, sess.ID)
}

func (s *Service) maybeAutoApprove(ctx context.Context, sess *domain.OnRampSession) {
	limit := s.cfg.AutoApproveMaxFiat
	if !limit.IsPositive() || sess.FiatAmount.GreaterThan(limit) {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.Approve(bg, sess.ID, AutoApprover); err != nil {
			s.logger.Warn("auto approval failed", "session_id", sess.ID, "error", err)
		}
	}()
}

// Approve moves a paid session to processing and settles it on chain. The
// funding balance is checked under the account lock together with the
// transition, and an insufficient balance leaves the session untouched.
func (s *Service) Approve(ctx context.Context, id, approver string) (*domain.OnRampSession, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, fmt.Errorf("%w: approver identity required", domain.ErrAuthorization)
	}
	sess, err := s.store.GetOnRamp(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.OnRampAwaitingApproval {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrInvalidState, id, sess.Status)
	}

	var processing *domain.OnRampSession
	err = s.guard.Commit(ctx, sess.Stablecoin, sess.TokenAmount, func(ctx context.Context) error {
		var terr error
		processing, terr = s.transition(ctx, sess, domain.OnRampProcessing, domain.OnRampPatch{ApprovedBy: domain.String(approver)})
		return terr
	})
	switch {
	case errors.Is(err, domain.ErrStaleStatus):
		return nil, fmt.Errorf("%w: session %s was approved or changed concurrently", domain.ErrInvalidState, id)
	case errors.Is(err, domain.ErrInsufficientFunds):
		s.notify.Notify(notify.Event{
			Type:          notify.FundingShortfall,
			CorrelationID: id,
			Message:       fmt.Sprintf("funding account cannot cover %s %s", sess.TokenAmount, sess.Stablecoin),
		})
		return nil, err
	case err != nil:
		return nil, err
	}
	s.logger.Info("onramp session approved", "session_id", id, "approver", approver)

	// The chain step must run to a recorded outcome once started.
	return s.settle(context.WithoutCancel(ctx), processing, false)
}

// settle submits the transfer for a processing session and records the outcome.
func (s *Service) settle(ctx context.Context, sess *domain.OnRampSession, resume bool) (*domain.OnRampSession, error) {
	res, err := s.submitter.OnRamp(ctx, domain.OnRampAction{
		Beneficiary:      sess.WalletAddress,
		Amount:           sess.TokenAmount,
		Stablecoin:       sess.Stablecoin,
		SessionID:        sess.ID,
		IdempotencyToken: submit.OnRampToken(sess.ID),
	}, resume)
	if err != nil {
		if errors.Is(err, domain.ErrSubmissionUnknown) {
			s.logger.Warn("chain outcome unknown, session left in processing", "session_id", sess.ID, "error", err)
			return sess, err
		}
		if errors.Is(err, submit.ErrUnresolved) {
			s.notify.Notify(notify.Event{
				Type:          notify.ChainUnresolved,
				CorrelationID: sess.ID,
				Message:       "on-ramp transfer unresolved, reconcile before refunding: " + err.Error(),
			})
		}
		failed, terr := s.transition(ctx, sess, domain.OnRampFailed, domain.OnRampPatch{FailureReason: domain.String("chain submission failed: " + err.Error())})
		if terr != nil {
			return nil, fmt.Errorf("record chain failure for %s: %w (chain error: %v)", sess.ID, terr, err)
		}
		s.logger.Error("onramp settlement failed", "session_id", sess.ID, "error", err)
		return failed, err
	}

	done, err := s.transition(ctx, sess, domain.OnRampCompleted, domain.OnRampPatch{
		TxID:      domain.String(res.TxID),
		ReceiptID: domain.String(res.ReceiptID),
	})
	if err != nil {
		return nil, fmt.Errorf("record settlement %s for %s: %w", res.TxID, sess.ID, err)
	}
	s.logger.Info("onramp session completed", "session_id", sess.ID, "tx_id", res.TxID)
	return done, nil
}

// Reject closes a paid session without settling it.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) (*domain.OnRampSession, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("%w: operator identity required", domain.ErrAuthorization)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by operator"
	}
	sess, err := s.store.GetOnRamp(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.OnRampAwaitingApproval {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrInvalidState, id, sess.Status)
	}
	rejected, err := s.transition(ctx, sess, domain.OnRampRejected, domain.OnRampPatch{FailureReason: domain.String(reason)})
	if errors.Is(err, domain.ErrStaleStatus) {
		return nil, fmt.Errorf("%w: session %s changed concurrently", domain.ErrInvalidState, id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("onramp session rejected", "session_id", id, "actor", actor, "reason", reason)
	return rejected, nil
}

// Redrive resumes sessions left in processing by an earlier process. The
// chain status is queried before anything is resubmitted.
func (s *Service) Redrive(ctx context.Context) (int, error) {
	pending, err := s.store.ListOnRampByStatus(ctx, domain.OnRampProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("list processing sessions: %w", err)
	}
	for i := range pending {
		sess := pending[i]
		if _, err := s.settle(ctx, &sess, true); err != nil {
			s.logger.Warn("redrive onramp session", "session_id", sess.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("onramp sessions redriven", "count", len(pending))
	}
	return len(pending), nil
}

// ExpireUnpaid fails created sessions whose payment window closed more than
// the grace period ago.
func (s *Service) ExpireUnpaid(ctx context.Context) (int, error) {
	created, err := s.store.ListOnRampByStatus(ctx, domain.OnRampCreated, 0)
	if err != nil {
		return 0, fmt.Errorf("list created sessions: %w", err)
	}
	now := s.clock.Now()
	expired := 0
	for i := range created {
		sess := created[i]
		if sess.PaymentExpiresAt.IsZero() || now.Before(sess.PaymentExpiresAt.Add(s.cfg.ExpiryGrace)) {
			continue
		}
		_, err := s.transition(ctx, &sess, domain.OnRampFailed, domain.OnRampPatch{FailureReason: domain.String(reasonExpired)})
		if errors.Is(err, domain.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired unpaid onramp sessions", "count", expired)
	}
	return expired, nil
}

func (s *Service) transition(ctx context.Context, sess *domain.OnRampSession, to domain.OnRampStatus, patch domain.OnRampPatch) (*domain.OnRampSession, error) {
	patch.Status = to
	updated, err := s.store.UpdateOnRamp(ctx, sess.ID, sess.Status, patch)
	if err != nil {
		return nil, err
	}
	s.metrics.Transition("onramp", string(sess.Status), string(to))
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

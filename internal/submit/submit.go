// Package submit drives chain actions to finality without double-submitting.
//
// Every action carries an idempotency token. Before any resubmission the
// executor is asked what it knows about the token, and a broadcast action is
// only ever awaited, never sent again.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/retry"
)

// ErrUnresolved marks an action whose outcome was still unknown when the
// attempt bound was reached. Such actions need manual reconciliation.
var ErrUnresolved = errors.New("chain action unresolved")

// Result identifies a finalized chain action.
type Result struct {
	TxID      string
	ReceiptID string
}

// Submitter wraps a ChainExecutor with the query-before-retry protocol.
type Submitter struct {
	chain   domain.ChainExecutor
	clock   clock.Clock
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Submitter. A zero policy uses retry.Default.
func New(chain domain.ChainExecutor, clk clock.Clock, policy retry.Policy, logger *slog.Logger, m *metrics.Metrics) *Submitter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Submitter{
		chain:   chain,
		clock:   clk,
		policy:  policy,
		logger:  logger.With("component", "submitter"),
		metrics: m,
	}
}

// OnRampToken is the idempotency token of an on-ramp session's transfer.
func OnRampToken(sessionID string) string { return "onramp:" + sessionID }

// OffRampToken is the idempotency token of an off-ramp request's escrow.
func OffRampToken(requestID string) string { return "offramp:" + requestID }

// OnRamp submits action. resume is set when the action may already have been
// sent by an earlier process, in which case the status is queried first.
func (s *Submitter) OnRamp(ctx context.Context, action domain.OnRampAction, resume bool) (*Result, error) {
	return s.run(ctx, string(domain.ActionOnRamp), action.IdempotencyToken, resume, func(ctx context.Context) (*domain.ChainReceipt, error) {
		return s.chain.SubmitOnRampAction(ctx, action)
	})
}

// OffRamp submits the escrow or burn for a matched deposit.
func (s *Submitter) OffRamp(ctx context.Context, action domain.OffRampAction, resume bool) (*Result, error) {
	return s.run(ctx, string(domain.ActionOffRamp), action.IdempotencyToken, resume, func(ctx context.Context) (*domain.ChainReceipt, error) {
		return s.chain.SubmitOffRampAction(ctx, action)
	})
}

func (s *Submitter) run(ctx context.Context, kind, token string, resume bool, send func(context.Context) (*domain.ChainReceipt, error)) (*Result, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing idempotency token", domain.ErrValidation)
	}
	attempts := s.policy.Attempts()
	logger := s.logger.With("kind", kind, "token", token)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := clock.Sleep(ctx, s.clock, s.policy.Delay(attempt-1)); err != nil {
				s.metrics.Submission(kind, "interrupted")
				return nil, fmt.Errorf("%w: %s interrupted: %v", domain.ErrSubmissionUnknown, token, err)
			}
		}

		if attempt > 1 || resume {
			status, err := s.chain.QueryActionStatus(ctx, token)
			switch {
			case err != nil && domain.IsRetryable(err):
				lastErr = err
				logger.Warn("query action status failed", "attempt", attempt, "error", err)
				continue
			case err != nil:
				s.metrics.Submission(kind, "failed")
				return nil, chainError(err)
			case status.Reverted:
				s.metrics.Submission(kind, "reverted")
				return nil, fmt.Errorf("%w: action reverted: %s", domain.ErrChainExecution, reasonOr(status.Reason, "no reason given"))
			case status.Finalized:
				s.metrics.Submission(kind, "finalized")
				return &Result{TxID: status.TxID, ReceiptID: status.ReceiptID}, nil
			case status.Submitted:
				lastErr = fmt.Errorf("%w: %s broadcast as %s, awaiting finality", domain.ErrSubmissionUnknown, token, status.TxID)
				logger.Info("action awaiting finality", "attempt", attempt, "tx_id", status.TxID)
				continue
			}
		}

		receipt, err := send(ctx)
		if err == nil {
			if receipt.Finalized {
				s.metrics.Submission(kind, "finalized")
				return &Result{TxID: receipt.TxID, ReceiptID: receipt.ReceiptID}, nil
			}
			lastErr = fmt.Errorf("%w: %s broadcast as %s, awaiting finality", domain.ErrSubmissionUnknown, token, receipt.TxID)
			logger.Info("action broadcast", "attempt", attempt, "tx_id", receipt.TxID)
			continue
		}
		if !domain.IsRetryable(err) {
			s.metrics.Submission(kind, "failed")
			return nil, chainError(err)
		}
		lastErr = err
		logger.Warn("submit action failed", "attempt", attempt, "error", err)
	}

	s.metrics.Submission(kind, "unresolved")
	return nil, fmt.Errorf("%w: %w: %s after %d attempts, manual reconciliation required: %v", domain.ErrChainExecution, ErrUnresolved, token, attempts, lastErr)
}

func chainError(err error) error {
	if errors.Is(err, domain.ErrChainExecution) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrChainExecution, err)
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

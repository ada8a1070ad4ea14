// Package watcher polls the chain for deposits matching pending off-ramp
// requests.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/schedule"
	"naira-ramp/internal/store"
)

// DepositHandler receives matched deposits.
type DepositHandler interface {
	OnDepositDetected(ctx context.Context, id, depositTxID string) (*domain.OffRampRequest, error)
}

// Config controls the polling cadence.
type Config struct {
	Interval time.Duration
	// BlockWindow is how many blocks behind the head a deposit is searched for.
	BlockWindow uint64
	// QueriesPerSecond caps chain lookups. Zero disables the limit.
	QueriesPerSecond float64
}

// Watcher matches deposits by address, memo, amount and stablecoin.
type Watcher struct {
	cfg     Config
	store   store.OffRampStore
	chain   domain.ChainExecutor
	handler DepositHandler
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a watcher.
func New(cfg Config, st store.OffRampStore, chain domain.ChainExecutor, handler DepositHandler, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.QueriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), 1)
	}
	return &Watcher{
		cfg:     cfg,
		store:   st,
		chain:   chain,
		handler: handler,
		limiter: limiter,
		clock:   clk,
		logger:  logger.With("component", "deposit_watcher"),
		metrics: m,
	}
}

// PollOnce checks every pending request once and returns how many matched.
// A failed lookup for one request does not stop the others.
func (w *Watcher) PollOnce(ctx context.Context) (int, error) {
	head, err := w.chain.LatestBlock(ctx)
	if err != nil {
		w.metrics.WatcherPoll("head_error", 0)
		return 0, fmt.Errorf("read chain head: %w", err)
	}
	var since uint64
	if w.cfg.BlockWindow > 0 && head > w.cfg.BlockWindow {
		since = head - w.cfg.BlockWindow
	}

	pending, err := w.store.ListOffRampByStatus(ctx, domain.OffRampPending, 0)
	if err != nil {
		w.metrics.WatcherPoll("store_error", 0)
		return 0, fmt.Errorf("list pending requests: %w", err)
	}

	matched := 0
	for _, req := range pending {
		if err := w.limiter.Wait(ctx); err != nil {
			w.metrics.WatcherPoll("interrupted", matched)
			return matched, err
		}
		deposit, err := w.chain.FindDeposit(ctx, domain.DepositQuery{
			Address:    req.DepositAddress,
			Memo:       req.Memo,
			Amount:     req.TokenAmount,
			Stablecoin: req.Stablecoin,
			SinceBlock: since,
		})
		if err != nil {
			w.logger.Warn("deposit lookup failed", "request_id", req.ID, "error", err)
			continue
		}
		if deposit == nil {
			continue
		}
		if _, err := w.handler.OnDepositDetected(ctx, req.ID, deposit.TxID); err != nil {
			if errors.Is(err, domain.ErrDuplicateDeposit) {
				w.logger.Warn("deposit already matched another request", "request_id", req.ID, "deposit_tx_id", deposit.TxID)
				continue
			}
			w.logger.Error("record detected deposit", "request_id", req.ID, "deposit_tx_id", deposit.TxID, "error", err)
			continue
		}
		matched++
	}
	w.metrics.WatcherPoll("ok", matched)
	if matched > 0 {
		w.logger.Info("deposits matched", "count", matched, "pending", len(pending))
	}
	return matched, nil
}

// Start polls every interval until ctx is done.
func (w *Watcher) Start(ctx context.Context) *schedule.Task {
	w.logger.Info("deposit watcher started", "interval", w.cfg.Interval.String(), "block_window", w.cfg.BlockWindow)
	return schedule.Every(ctx, w.clock, w.cfg.Interval, func(ctx context.Context) {
		if _, err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("deposit poll failed", "error", err)
		}
	})
}

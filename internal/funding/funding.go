// Package funding serialises spending from the service's chain-side funding
// account so concurrent approvals cannot all pass one stale balance read.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/cache"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/store"
)

// Locker provides mutual exclusion scoped to a name.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// LocalLocker is a process-local Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]chan struct{}{}}
}

func (l *LocalLocker) Acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", name, ctx.Err())
	}
}

// RedisLocker shares the lock between service instances.
type RedisLocker struct {
	redis *cache.Redis
	ttl   time.Duration
}

// NewRedisLocker returns a Locker backed by r.
func NewRedisLocker(r *cache.Redis, ttl time.Duration) *RedisLocker {
	return &RedisLocker{redis: r, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), error) {
	return l.redis.NewLock(name, l.ttl).Acquire(ctx)
}

// Guard checks the funding balance net of in-flight approvals and runs the
// commit step while holding the account lock.
type Guard struct {
	chain   domain.ChainExecutor
	store   store.OnRampStore
	locker  Locker
	account string
	logger  *slog.Logger
}

// NewGuard returns a Guard for the funding account.
func NewGuard(chain domain.ChainExecutor, st store.OnRampStore, locker Locker, account string, logger *slog.Logger) *Guard {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Guard{
		chain:   chain,
		store:   st,
		locker:  locker,
		account: account,
		logger:  logger.With("component", "funding_guard"),
	}
}

// Available returns the balance that is not reserved by sessions already in
// processing.
func (g *Guard) Available(ctx context.Context, stablecoin string) (decimal.Decimal, error) {
	balance, err := g.chain.FundingBalance(ctx, stablecoin)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read funding balance: %w", err)
	}
	inflight, err := g.store.ListOnRampByStatus(ctx, domain.OnRampProcessing, 0)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list processing sessions: %w", err)
	}
	reserved := decimal.Zero
	for _, s := range inflight {
		if s.Stablecoin == stablecoin {
			reserved = reserved.Add(s.TokenAmount)
		}
	}
	return balance.Sub(reserved), nil
}

// Commit runs fn only when amount is covered. fn is expected to move the
// session into processing, which reserves the amount for later checks.
func (g *Guard) Commit(ctx context.Context, stablecoin string, amount decimal.Decimal, fn func(context.Context) error) error {
	release, err := g.locker.Acquire(ctx, "funding:"+g.account+":"+stablecoin)
	if err != nil {
		return fmt.Errorf("%w: funding lock: %v", domain.ErrTransient, err)
	}
	defer release()

	available, err := g.Available(ctx, stablecoin)
	if err != nil {
		return err
	}
	if available.LessThan(amount) {
		g.logger.Warn("funding shortfall", "stablecoin", stablecoin, "available", available.String(), "required", amount.String())
		return fmt.Errorf("%w: %s available %s, required %s", domain.ErrInsufficientFunds, stablecoin, available, amount)
	}
	return fn(ctx)
}

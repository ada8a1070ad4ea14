package store

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"naira-ramp/internal/domain"

	"github.com/shopspring/decimal"
)

// OnRampStore persists on-ramp sessions. UpdateOnRamp is a compare-and-set:
// it applies patch only while the stored status equals expected and returns
// domain.ErrStaleStatus otherwise.
type OnRampStore interface {
	CreateOnRamp(ctx context.Context, s *domain.OnRampSession) error
	GetOnRamp(ctx context.Context, id string) (*domain.OnRampSession, error)
	FindOnRampByPaymentRef(ctx context.Context, ref string) (*domain.OnRampSession, error)
	UpdateOnRamp(ctx context.Context, id string, expected domain.OnRampStatus, patch domain.OnRampPatch) (*domain.OnRampSession, error)
	ListOnRampByStatus(ctx context.Context, status domain.OnRampStatus, limit int) ([]domain.OnRampSession, error)
	ListOnRampCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.OnRampSession, error)
}

// OffRampStore persists off-ramp requests with the same compare-and-set
// contract. Memos are unique among open requests and a deposit transaction
// matches at most one request.
type OffRampStore interface {
	CreateOffRamp(ctx context.Context, r *domain.OffRampRequest) error
	GetOffRamp(ctx context.Context, id string) (*domain.OffRampRequest, error)
	FindOffRampByMemo(ctx context.Context, memo string) (*domain.OffRampRequest, error)
	FindOffRampByPayoutRef(ctx context.Context, ref string) (*domain.OffRampRequest, error)
	UpdateOffRamp(ctx context.Context, id string, expected domain.OffRampStatus, patch domain.OffRampPatch) (*domain.OffRampRequest, error)
	ListOffRampByStatus(ctx context.Context, status domain.OffRampStatus, limit int) ([]domain.OffRampRequest, error)
	ListOffRampCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.OffRampRequest, error)
}

// Store is a complete backend.
type Store interface {
	OnRampStore
	OffRampStore
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error
	Close()
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return d, nil
}

package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
)

// Memory is an in-process Store used for development and tests.
type Memory struct {
	mu       sync.Mutex
	clock    clock.Clock
	onramps  map[string]*domain.OnRampSession
	byRef    map[string]string
	offramps map[string]*domain.OffRampRequest
}

// NewMemory returns an empty in-memory store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		clock:    clk,
		onramps:  map[string]*domain.OnRampSession{},
		byRef:    map[string]string{},
		offramps: map[string]*domain.OffRampRequest{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) RunMigrations(context.Context, fs.FS) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) CreateOnRamp(_ context.Context, s *domain.OnRampSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.onramps[s.ID]; ok {
		return fmt.Errorf("insert onramp session: duplicate id %s", s.ID)
	}
	if _, ok := m.byRef[s.PaymentRef]; ok {
		return fmt.Errorf("insert onramp session: duplicate payment ref %s", s.PaymentRef)
	}
	now := m.clock.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := *s
	m.onramps[s.ID] = &cp
	m.byRef[s.PaymentRef] = s.ID
	return nil
}

func (m *Memory) GetOnRamp(_ context.Context, id string) (*domain.OnRampSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.onramps[id]
	if !ok {
		return nil, fmt.Errorf("get onramp session %s: %w", id, domain.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) FindOnRampByPaymentRef(_ context.Context, ref string) (*domain.OnRampSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("find onramp by payment ref %s: %w", ref, domain.ErrNotFound)
	}
	cp := *m.onramps[id]
	return &cp, nil
}

func (m *Memory) UpdateOnRamp(_ context.Context, id string, expected domain.OnRampStatus, patch domain.OnRampPatch) (*domain.OnRampSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.onramps[id]
	if !ok {
		return nil, fmt.Errorf("update onramp session %s: %w", id, domain.ErrNotFound)
	}
	if s.Status != expected {
		return nil, fmt.Errorf("%w: onramp session %s is %s, expected %s", domain.ErrStaleStatus, id, s.Status, expected)
	}
	if !expected.CanTransitionTo(patch.Status) {
		return nil, fmt.Errorf("%w: onramp %s -> %s", domain.ErrInvalidState, expected, patch.Status)
	}
	patch.Apply(s)
	s.UpdatedAt = m.clock.Now().UTC()
	cp := *s
	return &cp, nil
}

func (m *Memory) ListOnRampByStatus(_ context.Context, status domain.OnRampStatus, limit int) ([]domain.OnRampSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OnRampSession
	for _, s := range m.onramps {
		if s.Status == status {
			out = append(out, *s)
		}
	}
	sortOnRamps(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListOnRampCreatedBetween(_ context.Context, from, to time.Time) ([]domain.OnRampSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OnRampSession
	for _, s := range m.onramps {
		if !s.CreatedAt.Before(from) && s.CreatedAt.Before(to) {
			out = append(out, *s)
		}
	}
	sortOnRamps(out)
	return out, nil
}

func (m *Memory) CreateOffRamp(_ context.Context, r *domain.OffRampRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offramps[r.ID]; ok {
		return fmt.Errorf("insert offramp request: duplicate id %s", r.ID)
	}
	if r.Status.Open() {
		for _, other := range m.offramps {
			if other.Memo == r.Memo && other.Status.Open() {
				return fmt.Errorf("insert offramp request: %w", domain.ErrDuplicateMemo)
			}
		}
	}
	now := m.clock.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	cp := *r
	m.offramps[r.ID] = &cp
	return nil
}

func (m *Memory) GetOffRamp(_ context.Context, id string) (*domain.OffRampRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.offramps[id]
	if !ok {
		return nil, fmt.Errorf("get offramp request %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) FindOffRampByMemo(_ context.Context, memo string) (*domain.OffRampRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.offramps {
		if r.Memo == memo && r.Status.Open() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("find offramp by memo %s: %w", memo, domain.ErrNotFound)
}

func (m *Memory) FindOffRampByPayoutRef(_ context.Context, ref string) (*domain.OffRampRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.offramps {
		if ref != "" && r.PayoutRef == ref {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("find offramp by payout ref %s: %w", ref, domain.ErrNotFound)
}

func (m *Memory) UpdateOffRamp(_ context.Context, id string, expected domain.OffRampStatus, patch domain.OffRampPatch) (*domain.OffRampRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.offramps[id]
	if !ok {
		return nil, fmt.Errorf("update offramp request %s: %w", id, domain.ErrNotFound)
	}
	if r.Status != expected {
		return nil, fmt.Errorf("%w: offramp request %s is %s, expected %s", domain.ErrStaleStatus, id, r.Status, expected)
	}
	if !expected.CanTransitionTo(patch.Status) {
		return nil, fmt.Errorf("%w: offramp %s -> %s", domain.ErrInvalidState, expected, patch.Status)
	}
	if patch.DepositTxID != nil && *patch.DepositTxID != "" && r.DepositTxID == "" {
		for otherID, other := range m.offramps {
			if otherID != id && other.DepositTxID == *patch.DepositTxID {
				return nil, fmt.Errorf("update offramp request %s: %w", id, domain.ErrDuplicateDeposit)
			}
		}
	}
	patch.Apply(r)
	r.UpdatedAt = m.clock.Now().UTC()
	cp := *r
	return &cp, nil
}

func (m *Memory) ListOffRampByStatus(_ context.Context, status domain.OffRampStatus, limit int) ([]domain.OffRampRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OffRampRequest
	for _, r := range m.offramps {
		if r.Status == status {
			out = append(out, *r)
		}
	}
	sortOffRamps(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListOffRampCreatedBetween(_ context.Context, from, to time.Time) ([]domain.OffRampRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OffRampRequest
	for _, r := range m.offramps {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, *r)
		}
	}
	sortOffRamps(out)
	return out, nil
}

func sortOnRamps(list []domain.OnRampSession) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func sortOffRamps(list []domain.OffRampRequest) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

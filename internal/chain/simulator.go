package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
)

type simAction struct {
	record       domain.ChainRecord
	receiptID    string
	pendingPolls int
	revertReason string
}

type injectedFailure struct {
	err       error
	broadcast bool
}

// Simulator is a deterministic in-process ChainExecutor. Failures are only
// produced when injected, so tests and local runs are reproducible.
type Simulator struct {
	mu            sync.Mutex
	clock         clock.Clock
	balances      map[string]decimal.Decimal
	actions       map[string]*simAction
	order         []string
	deposits      []domain.Deposit
	head          uint64
	submitCalls   map[string]int
	failures      []injectedFailure
	queryFailures []error
	finalityPolls int
}

// NewSimulator returns a simulator at block height 1 with no funds.
func NewSimulator(clk clock.Clock) *Simulator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Simulator{
		clock:       clk,
		balances:    map[string]decimal.Decimal{},
		actions:     map[string]*simAction{},
		submitCalls: map[string]int{},
		head:        1,
	}
}

// Fund credits the funding account.
func (s *Simulator) Fund(stablecoin string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[stablecoin] = s.balances[stablecoin].Add(amount)
}

// AddDeposit mines an inbound transfer in a new block and returns it.
func (s *Simulator) AddDeposit(d domain.Deposit) domain.Deposit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head++
	d.Block = s.head
	if d.TxID == "" {
		d.TxID = txHash(fmt.Sprintf("deposit:%d:%s", d.Block, d.Memo))
	}
	s.deposits = append(s.deposits, d)
	return d
}

// Mine advances the head by n empty blocks.
func (s *Simulator) Mine(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head += n
}

// FailNextSubmit makes the next submission return err. With broadcast set the
// action is recorded before the error is returned, like a client timeout after
// the node accepted the transaction.
func (s *Simulator) FailNextSubmit(err error, broadcast bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, injectedFailure{err: err, broadcast: broadcast})
}

// FailNextQuery makes the next status query return err.
func (s *Simulator) FailNextQuery(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryFailures = append(s.queryFailures, err)
}

// SetFinalityPolls sets how many status queries new actions stay unfinalized for.
func (s *Simulator) SetFinalityPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalityPolls = n
}

// Revert marks a recorded action as reverted.
func (s *Simulator) Revert(token, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actions[token]; ok {
		a.revertReason = reason
		a.record.Reverted = true
		a.record.Finalized = false
	}
}

// SubmitCalls reports how many times token was sent to the simulator.
func (s *Simulator) SubmitCalls(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls[token]
}

// Actions reports how many distinct actions were recorded.
func (s *Simulator) Actions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

func (s *Simulator) SubmitOnRampAction(_ context.Context, action domain.OnRampAction) (*domain.ChainReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCalls[action.IdempotencyToken]++
	if existing, ok := s.actions[action.IdempotencyToken]; ok {
		return existing.receipt(), nil
	}
	balance := s.balances[action.Stablecoin]
	if balance.LessThan(action.Amount) {
		return nil, fmt.Errorf("%w: funding balance %s below %s", domain.ErrChainExecution, balance, action.Amount)
	}
	fail, injected := s.popFailure()
	if injected && !fail.broadcast {
		return nil, fail.err
	}
	s.balances[action.Stablecoin] = balance.Sub(action.Amount)
	a := s.record(domain.ChainRecord{
		Token:      action.IdempotencyToken,
		Kind:       domain.ActionOnRamp,
		RecordID:   action.SessionID,
		Address:    action.Beneficiary,
		Amount:     action.Amount,
		Stablecoin: action.Stablecoin,
	})
	if injected {
		return nil, fail.err
	}
	return a.receipt(), nil
}

func (s *Simulator) SubmitOffRampAction(_ context.Context, action domain.OffRampAction) (*domain.ChainReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCalls[action.IdempotencyToken]++
	if existing, ok := s.actions[action.IdempotencyToken]; ok {
		return existing.receipt(), nil
	}
	fail, injected := s.popFailure()
	if injected && !fail.broadcast {
		return nil, fail.err
	}
	a := s.record(domain.ChainRecord{
		Token:      action.IdempotencyToken,
		Kind:       domain.ActionOffRamp,
		RecordID:   action.RequestID,
		Address:    action.Depositor,
		Amount:     action.Amount,
		Stablecoin: action.Stablecoin,
	})
	if injected {
		return nil, fail.err
	}
	return a.receipt(), nil
}

func (s *Simulator) QueryActionStatus(_ context.Context, token string) (*domain.ActionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queryFailures) > 0 {
		err := s.queryFailures[0]
		s.queryFailures = s.queryFailures[1:]
		return nil, err
	}
	a, ok := s.actions[token]
	if !ok {
		return &domain.ActionStatus{}, nil
	}
	if a.pendingPolls > 0 {
		a.pendingPolls--
		if a.pendingPolls == 0 && !a.record.Reverted {
			a.record.Finalized = true
		}
		return &domain.ActionStatus{Submitted: true, TxID: a.record.TxID}, nil
	}
	return &domain.ActionStatus{
		Submitted: true,
		Finalized: a.record.Finalized,
		Reverted:  a.record.Reverted,
		TxID:      a.record.TxID,
		ReceiptID: a.receiptID,
		Reason:    a.revertReason,
	}, nil
}

func (s *Simulator) FundingBalance(_ context.Context, stablecoin string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[stablecoin], nil
}

func (s *Simulator) FindDeposit(_ context.Context, q domain.DepositQuery) (*domain.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deposits {
		if d.Block < q.SinceBlock {
			continue
		}
		if !strings.EqualFold(d.To, q.Address) || d.Memo != q.Memo || d.Stablecoin != q.Stablecoin {
			continue
		}
		if !d.Amount.Equal(q.Amount) {
			continue
		}
		match := d
		return &match, nil
	}
	return nil, nil
}

func (s *Simulator) LatestBlock(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// ListActions returns the actions submitted in [from, to).
func (s *Simulator) ListActions(_ context.Context, from, to time.Time) ([]domain.ChainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChainRecord
	for _, token := range s.order {
		rec := s.actions[token].record
		if rec.SubmittedAt.Before(from) || !rec.SubmittedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Simulator) popFailure() (injectedFailure, bool) {
	if len(s.failures) == 0 {
		return injectedFailure{}, false
	}
	f := s.failures[0]
	s.failures = s.failures[1:]
	return f, true
}

func (s *Simulator) record(rec domain.ChainRecord) *simAction {
	s.head++
	rec.TxID = txHash(rec.Token)
	rec.SubmittedAt = s.clock.Now().UTC()
	rec.Finalized = s.finalityPolls == 0
	a := &simAction{
		record:       rec,
		receiptID:    "rcpt-" + rec.TxID[2:18],
		pendingPolls: s.finalityPolls,
	}
	s.actions[rec.Token] = a
	s.order = append(s.order, rec.Token)
	return a
}

func (a *simAction) receipt() *domain.ChainReceipt {
	return &domain.ChainReceipt{TxID: a.record.TxID, ReceiptID: a.receiptID, Finalized: a.record.Finalized}
}

func txHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return "0x" + hex.EncodeToString(sum[:])
}

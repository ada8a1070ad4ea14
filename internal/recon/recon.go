// Package recon cross-checks provider records against chain submissions and
// classifies every session and request of a window. It never writes to the
// store.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/notify"
	"naira-ramp/internal/schedule"
	"naira-ramp/internal/submit"
)

// Class is the outcome of reconciling one record.
type Class string

const (
	Matched    Class = "matched"
	Mismatched Class = "mismatched"
	Pending    Class = "pending"
)

// Finding kinds.
const (
	KindOnRamp  = "onramp"
	KindOffRamp = "offramp"
	KindChain   = "chain"
)

// Reader is the read-only view of the store the engine needs.
type Reader interface {
	ListOnRampCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.OnRampSession, error)
	ListOffRampCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.OffRampRequest, error)
	GetOnRamp(ctx context.Context, id string) (*domain.OnRampSession, error)
	GetOffRamp(ctx context.Context, id string) (*domain.OffRampRequest, error)
}

// PaymentSource lists collected payments.
type PaymentSource interface {
	PaymentRecords(ctx context.Context, from, to time.Time) ([]domain.PaymentRecord, error)
}

// PayoutSource lists fiat transfers.
type PayoutSource interface {
	PayoutRecords(ctx context.Context, from, to time.Time) ([]domain.PayoutRecord, error)
}

// ChainSource lists submitted chain actions.
type ChainSource interface {
	ListActions(ctx context.Context, from, to time.Time) ([]domain.ChainRecord, error)
}

// Config tunes the engine.
type Config struct {
	// LagThreshold is how long the chain side may trail the fiat side before
	// a pending finding is flagged overdue.
	LagThreshold time.Duration
	// Window is the span covered by scheduled runs.
	Window    time.Duration
	Interval  time.Duration
	OutputDir string
}

// Deps groups the engine's collaborators. Payments and Payouts may be nil,
// in which case that side is not checked.
type Deps struct {
	Store    Reader
	Payments PaymentSource
	Payouts  PayoutSource
	Chain    ChainSource
	Notify   notify.Sink
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Finding is the classification of one record.
type Finding struct {
	Kind        string    `json:"kind"`
	RecordID    string    `json:"record_id"`
	Status      string    `json:"status"`
	Class       Class     `json:"class"`
	Overdue     bool      `json:"overdue,omitempty"`
	Detail      string    `json:"detail"`
	FiatRef     string    `json:"fiat_ref,omitempty"`
	FiatAmount  string    `json:"fiat_amount,omitempty"`
	ChainTxID   string    `json:"chain_tx_id,omitempty"`
	TokenAmount string    `json:"token_amount,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Report is the result of one run.
type Report struct {
	RunID       string        `json:"run_id"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	GeneratedAt time.Time     `json:"generated_at"`
	Counts      map[Class]int `json:"counts"`
	Overdue     int           `json:"overdue"`
	Findings    []Finding     `json:"findings"`
	Files       []string      `json:"files,omitempty"`
}

// Engine runs reconciliations.
type Engine struct {
	cfg      Config
	store    Reader
	payments PaymentSource
	payouts  PayoutSource
	chain    ChainSource
	notify   notify.Sink
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	last *Report
}

// New returns an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if deps.Chain == nil {
		return nil, errors.New("recon: chain source is required")
	}
	if cfg.LagThreshold <= 0 {
		cfg.LagThreshold = 10 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Notify == nil {
		deps.Notify = notify.Discard{}
	}
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		payments: deps.Payments,
		payouts:  deps.Payouts,
		chain:    deps.Chain,
		notify:   deps.Notify,
		clock:    deps.Clock,
		logger:   deps.Logger.With("component", "recon"),
		metrics:  deps.Metrics,
	}, nil
}

// Last returns the most recent report, or nil before the first run.
func (e *Engine) Last() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Run reconciles records created in [start, end).
func (e *Engine) Run(ctx context.Context, start, end time.Time) (*Report, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end must be after start", domain.ErrValidation)
	}
	now := e.clock.Now().UTC()

	onramps, err := e.store.ListOnRampCreatedBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load onramp sessions: %w", err)
	}
	offramps, err := e.store.ListOffRampCreatedBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load offramp requests: %w", err)
	}

	// External records may trail the store records, so they are fetched up
	// to now rather than to the window end.
	actions, err := e.chain.ListActions(ctx, start, now.Add(time.Second))
	if err != nil {
		return nil, fmt.Errorf("recon: list chain actions: %w", err)
	}
	chainByToken := make(map[string]domain.ChainRecord, len(actions))
	for _, a := range actions {
		chainByToken[a.Token] = a
	}

	var payments map[string]domain.PaymentRecord
	if e.payments != nil {
		records, err := e.payments.PaymentRecords(ctx, start, now.Add(time.Second))
		if err != nil {
			return nil, fmt.Errorf("recon: list payments: %w", err)
		}
		payments = make(map[string]domain.PaymentRecord, len(records))
		for _, p := range records {
			if strings.EqualFold(p.Status, "success") {
				payments[p.Reference] = p
			}
		}
	}

	var payouts map[string]domain.PayoutRecord
	if e.payouts != nil {
		records, err := e.payouts.PayoutRecords(ctx, start, now.Add(time.Second))
		if err != nil {
			return nil, fmt.Errorf("recon: list payouts: %w", err)
		}
		payouts = make(map[string]domain.PayoutRecord, len(records))
		for _, p := range records {
			payouts[p.Reference] = p
		}
	}

	claimed := make(map[string]bool)
	findings := make([]Finding, 0, len(onramps)+len(offramps))
	for _, s := range onramps {
		token := submit.OnRampToken(s.ID)
		claimed[token] = true
		f := e.classifyOnRamp(now, s, payments, chainByToken)
		findings = append(findings, f)
	}
	for _, r := range offramps {
		token := submit.OffRampToken(r.ID)
		claimed[token] = true
		f := e.classifyOffRamp(now, r, payouts, chainByToken)
		findings = append(findings, f)
	}
	for _, a := range actions {
		if claimed[a.Token] {
			continue
		}
		if f, ok := e.orphan(ctx, a); ok {
			findings = append(findings, f)
		}
	}
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].CreatedAt.Before(findings[j].CreatedAt) })

	report := &Report{
		RunID:       uuid.NewString(),
		Start:       start.UTC(),
		End:         end.UTC(),
		GeneratedAt: now,
		Counts:      map[Class]int{Matched: 0, Mismatched: 0, Pending: 0},
		Findings:    findings,
	}
	for _, f := range findings {
		report.Counts[f.Class]++
		e.metrics.ReconFinding(f.Kind, string(f.Class))
		switch {
		case f.Class == Mismatched:
			e.notify.Notify(notify.Event{
				Type:          notify.ReconMismatch,
				CorrelationID: f.RecordID,
				Message:       fmt.Sprintf("%s %s mismatched: %s", f.Kind, f.RecordID, f.Detail),
			})
		case f.Overdue:
			report.Overdue++
			e.notify.Notify(notify.Event{
				Type:          notify.ReconOverdue,
				CorrelationID: f.RecordID,
				Message:       fmt.Sprintf("%s %s overdue: %s", f.Kind, f.RecordID, f.Detail),
			})
		}
	}

	if e.cfg.OutputDir != "" {
		files, err := writeReport(e.cfg.OutputDir, report)
		if err != nil {
			return nil, err
		}
		report.Files = files
	}

	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	e.logger.Info("reconciliation finished",
		"run_id", report.RunID,
		"matched", report.Counts[Matched],
		"mismatched", report.Counts[Mismatched],
		"pending", report.Counts[Pending],
		"overdue", report.Overdue,
	)
	return report, nil
}

// Start runs a reconciliation over the trailing window every interval.
func (e *Engine) Start(ctx context.Context) *schedule.Task {
	e.logger.Info("reconciliation scheduled", "interval", e.cfg.Interval.String(), "window", e.cfg.Window.String())
	return schedule.Every(ctx, e.clock, e.cfg.Interval, func(ctx context.Context) {
		end := e.clock.Now().UTC()
		if _, err := e.Run(ctx, end.Add(-e.cfg.Window), end); err != nil && ctx.Err() == nil {
			e.metrics.Error("recon")
			e.logger.Error("scheduled reconciliation failed", "error", err)
		}
	})
}

func (e *Engine) classifyOnRamp(now time.Time, s domain.OnRampSession, payments map[string]domain.PaymentRecord, chain map[string]domain.ChainRecord) Finding {
	f := Finding{
		Kind:        KindOnRamp,
		RecordID:    s.ID,
		Status:      string(s.Status),
		FiatRef:     s.PaymentRef,
		FiatAmount:  s.FiatAmount.String(),
		TokenAmount: s.TokenAmount.String(),
		CreatedAt:   s.CreatedAt,
	}

	payment, paid := payments[s.PaymentRef]
	action, submitted := chain[submit.OnRampToken(s.ID)]
	if submitted {
		f.ChainTxID = action.TxID
	}

	if paid {
		if !payment.Amount.Equal(s.FiatAmount) {
			return f.mismatch("payment amount %s differs from session amount %s", payment.Amount, s.FiatAmount)
		}
		if payment.Currency != "" && !strings.EqualFold(payment.Currency, s.FiatCurrency) {
			return f.mismatch("payment currency %s differs from session currency %s", payment.Currency, s.FiatCurrency)
		}
	}
	if submitted {
		if !action.Amount.Equal(s.TokenAmount) {
			return f.mismatch("chain amount %s differs from session amount %s", action.Amount, s.TokenAmount)
		}
		if !strings.EqualFold(action.Address, s.WalletAddress) {
			return f.mismatch("chain beneficiary %s differs from session wallet %s", action.Address, s.WalletAddress)
		}
		if action.Stablecoin != s.Stablecoin {
			return f.mismatch("chain stablecoin %s differs from session stablecoin %s", action.Stablecoin, s.Stablecoin)
		}
	}

	// The chain side is measured against the fiat confirmation when known.
	since := s.UpdatedAt
	if paid && !payment.PaidAt.IsZero() {
		since = payment.PaidAt
	}
	overdue := now.Sub(since) > e.cfg.LagThreshold

	switch s.Status {
	case domain.OnRampCompleted:
		switch {
		case !submitted:
			return f.pending(overdue, "completed without a recorded chain action")
		case action.Reverted:
			return f.mismatch("chain action %s reverted for a completed session", action.TxID)
		case s.TxID != "" && action.TxID != s.TxID:
			return f.mismatch("chain tx %s differs from recorded tx %s", action.TxID, s.TxID)
		case payments != nil && !paid:
			return f.pending(overdue, "no successful payment record yet")
		case !action.Finalized:
			return f.pending(overdue, "chain action not yet final")
		}
		return f.match("payment and chain action agree")
	case domain.OnRampProcessing:
		return f.pending(overdue, "chain submission in flight")
	case domain.OnRampAwaitingApproval:
		if submitted && !action.Reverted {
			return f.mismatch("chain action %s exists before approval", action.TxID)
		}
		return f.pending(false, "awaiting operator approval")
	case domain.OnRampCreated:
		if submitted && !action.Reverted {
			return f.mismatch("chain action %s exists for an unpaid session", action.TxID)
		}
		if paid {
			return f.pending(overdue, "payment collected, confirmation not yet applied")
		}
		return f.pending(false, "awaiting payment")
	case domain.OnRampFailed, domain.OnRampRejected:
		if submitted && !action.Reverted {
			return f.mismatch("chain action %s exists for a %s session", action.TxID, s.Status)
		}
		return f.match("closed without a chain action")
	}
	return f.mismatch("unknown status %q", s.Status)
}

func (e *Engine) classifyOffRamp(now time.Time, r domain.OffRampRequest, payouts map[string]domain.PayoutRecord, chain map[string]domain.ChainRecord) Finding {
	f := Finding{
		Kind:        KindOffRamp,
		RecordID:    r.ID,
		Status:      string(r.Status),
		FiatRef:     r.PayoutRef,
		FiatAmount:  r.FiatAmount.String(),
		TokenAmount: r.TokenAmount.String(),
		CreatedAt:   r.CreatedAt,
	}

	action, escrowed := chain[submit.OffRampToken(r.ID)]
	if escrowed {
		f.ChainTxID = action.TxID
	}
	var payout domain.PayoutRecord
	var paidOut bool
	if r.PayoutRef != "" {
		payout, paidOut = payouts[r.PayoutRef]
	}

	if escrowed {
		if !action.Amount.Equal(r.TokenAmount) {
			return f.mismatch("escrow amount %s differs from request amount %s", action.Amount, r.TokenAmount)
		}
		if !strings.EqualFold(action.Address, r.WalletAddress) {
			return f.mismatch("escrow depositor %s differs from request wallet %s", action.Address, r.WalletAddress)
		}
		if action.Stablecoin != r.Stablecoin {
			return f.mismatch("escrow stablecoin %s differs from request stablecoin %s", action.Stablecoin, r.Stablecoin)
		}
	}
	if paidOut {
		if !payout.Amount.Equal(r.FiatAmount) {
			return f.mismatch("payout amount %s differs from request amount %s", payout.Amount, r.FiatAmount)
		}
		if payout.Currency != "" && !strings.EqualFold(payout.Currency, r.FiatCurrency) {
			return f.mismatch("payout currency %s differs from request currency %s", payout.Currency, r.FiatCurrency)
		}
		if !escrowed || action.Reverted {
			return f.mismatch("payout %s exists without a confirmed escrow", r.PayoutRef)
		}
	}

	overdue := now.Sub(r.UpdatedAt) > e.cfg.LagThreshold
	switch r.Status {
	case domain.OffRampCompleted:
		switch {
		case !escrowed:
			return f.pending(overdue, "completed without a recorded escrow")
		case action.Reverted:
			return f.mismatch("escrow %s reverted for a completed request", action.TxID)
		case r.EscrowTxID != "" && action.TxID != r.EscrowTxID:
			return f.mismatch("escrow tx %s differs from recorded tx %s", action.TxID, r.EscrowTxID)
		case payouts != nil && !paidOut:
			return f.pending(overdue, "no payout record yet")
		case paidOut && payoutFailed(payout.Status):
			return f.mismatch("payout %s is %s for a completed request", r.PayoutRef, payout.Status)
		}
		return f.match("escrow and payout agree")
	case domain.OffRampProcessing:
		if r.PayoutError != "" {
			return f.pending(true, "escrowed, payout initiation failed: "+r.PayoutError)
		}
		return f.pending(overdue, "escrow or payout in flight")
	case domain.OffRampPending, domain.OffRampCreated, domain.OffRampAwaitingApproval:
		if escrowed && !action.Reverted {
			return f.mismatch("escrow %s exists before approval", action.TxID)
		}
		return f.pending(false, "awaiting deposit or approval")
	case domain.OffRampFailed:
		if escrowed && !action.Reverted {
			return f.pending(true, "escrowed tokens of a failed request need manual resolution")
		}
		return f.match("closed without an escrow")
	case domain.OffRampRejected:
		if escrowed && !action.Reverted {
			return f.mismatch("escrow %s exists for a rejected request", action.TxID)
		}
		return f.match("closed without an escrow")
	}
	return f.mismatch("unknown status %q", r.Status)
}

// orphan classifies a chain action no record in the window claims. Actions of
// records created before the window are left to that window's run.
func (e *Engine) orphan(ctx context.Context, a domain.ChainRecord) (Finding, bool) {
	f := Finding{
		Kind:        KindChain,
		RecordID:    a.RecordID,
		Status:      chainStatus(a),
		ChainTxID:   a.TxID,
		TokenAmount: a.Amount.String(),
		CreatedAt:   a.SubmittedAt,
	}
	var err error
	switch a.Kind {
	case domain.ActionOnRamp:
		var s *domain.OnRampSession
		if s, err = e.store.GetOnRamp(ctx, a.RecordID); err == nil && submit.OnRampToken(s.ID) == a.Token {
			return Finding{}, false
		}
	case domain.ActionOffRamp:
		var r *domain.OffRampRequest
		if r, err = e.store.GetOffRamp(ctx, a.RecordID); err == nil && submit.OffRampToken(r.ID) == a.Token {
			return Finding{}, false
		}
	default:
		err = domain.ErrNotFound
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.Warn("orphan lookup failed", "token", a.Token, "error", err)
		return f.pending(false, "record lookup failed: "+err.Error()), true
	}
	return f.mismatch("chain action %s has no matching record", a.Token), true
}

func (f Finding) match(detail string) Finding {
	f.Class = Matched
	f.Detail = detail
	return f
}

func (f Finding) pending(overdue bool, detail string) Finding {
	f.Class = Pending
	f.Overdue = overdue
	f.Detail = detail
	return f
}

func (f Finding) mismatch(format string, args ...any) Finding {
	f.Class = Mismatched
	f.Detail = fmt.Sprintf(format, args...)
	return f
}

func payoutFailed(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "reversed", "rejected", "abandoned":
		return true
	}
	return false
}

func chainStatus(a domain.ChainRecord) string {
	switch {
	case a.Reverted:
		return "reverted"
	case a.Finalized:
		return "finalized"
	}
	return "submitted"
}

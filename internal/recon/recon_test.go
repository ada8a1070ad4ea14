package recon

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/chain"
	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/logging"
	"naira-ramp/internal/notify"
	"naira-ramp/internal/store"
	"naira-ramp/internal/submit"
)

const wallet = "0x52908400098527886e0f7030069857d2e4169ee7"

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakePayments struct {
	records []domain.PaymentRecord
}

func (f *fakePayments) PaymentRecords(context.Context, time.Time, time.Time) ([]domain.PaymentRecord, error) {
	return f.records, nil
}

type fixture struct {
	engine   *Engine
	store    *store.Memory
	sim      *chain.Simulator
	payments *fakePayments
	inbox    *notify.Inbox
	clk      *clock.Manual
}

func newFixture(t *testing.T, outputDir string) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	st := store.NewMemory(clk)
	sim := chain.NewSimulator(clk)
	sim.Fund("fUSDC", decimal.NewFromInt(10000))
	payments := &fakePayments{}
	inbox := notify.NewInbox(100)
	engine, err := New(Config{OutputDir: outputDir}, Deps{
		Store:    st,
		Payments: payments,
		Chain:    sim,
		Notify:   inbox,
		Clock:    clk,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &fixture{engine: engine, store: st, sim: sim, payments: payments, inbox: inbox, clk: clk}
}

func (f *fixture) session(t *testing.T, id string, path ...domain.OnRampStatus) *domain.OnRampSession {
	t.Helper()
	ctx := context.Background()
	s := &domain.OnRampSession{
		ID:            id,
		WalletAddress: wallet,
		FiatAmount:    decimal.NewFromInt(100000),
		FiatCurrency:  "NGN",
		TokenAmount:   decimal.RequireFromString("239.5"),
		Stablecoin:    "fUSDC",
		PaymentRef:    "onr-" + id,
		Status:        domain.OnRampCreated,
	}
	if err := f.store.CreateOnRamp(ctx, s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	from := domain.OnRampCreated
	for _, to := range path {
		patch := domain.OnRampPatch{Status: to}
		if to == domain.OnRampCompleted {
			patch.TxID = domain.String(txFor(f.sim, id))
		}
		updated, err := f.store.UpdateOnRamp(ctx, id, from, patch)
		if err != nil {
			t.Fatalf("advance %s to %s: %v", id, to, err)
		}
		s = updated
		from = to
	}
	return s
}

func txFor(sim *chain.Simulator, id string) string {
	st, _ := sim.QueryActionStatus(context.Background(), submit.OnRampToken(id))
	return st.TxID
}

func (f *fixture) settle(t *testing.T, id string, amount string) {
	t.Helper()
	_, err := f.sim.SubmitOnRampAction(context.Background(), domain.OnRampAction{
		Beneficiary:      wallet,
		Amount:           decimal.RequireFromString(amount),
		Stablecoin:       "fUSDC",
		SessionID:        id,
		IdempotencyToken: submit.OnRampToken(id),
	})
	if err != nil {
		t.Fatalf("chain action: %v", err)
	}
}

func (f *fixture) paid(ref string, amount int64) {
	f.payments.records = append(f.payments.records, domain.PaymentRecord{
		Reference: ref,
		Amount:    decimal.NewFromInt(amount),
		Currency:  "NGN",
		Status:    "success",
		PaidAt:    f.clk.Now(),
	})
}

func (f *fixture) run(t *testing.T) *Report {
	t.Helper()
	report, err := f.engine.Run(context.Background(), t0.Add(-time.Hour), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return report
}

func findingFor(t *testing.T, r *Report, id string) Finding {
	t.Helper()
	for _, f := range r.Findings {
		if f.RecordID == id {
			return f
		}
	}
	t.Fatalf("no finding for %s", id)
	return Finding{}
}

func full() []domain.OnRampStatus {
	return []domain.OnRampStatus{domain.OnRampAwaitingApproval, domain.OnRampProcessing, domain.OnRampCompleted}
}

func TestCompletedSessionMatches(t *testing.T) {
	f := newFixture(t, "")
	f.paid("onr-s1", 100000)
	f.settle(t, "s1", "239.5")
	f.session(t, "s1", full()...)

	report := f.run(t)
	got := findingFor(t, report, "s1")
	if got.Class != Matched || got.ChainTxID == "" {
		t.Fatalf("expected matched, got %+v", got)
	}
	if report.Counts[Matched] != 1 || report.Counts[Mismatched] != 0 {
		t.Fatalf("unexpected counts %v", report.Counts)
	}
}

func TestAmountDisagreementIsMismatched(t *testing.T) {
	f := newFixture(t, "")
	f.paid("onr-s1", 90000)
	f.settle(t, "s1", "239.5")
	f.session(t, "s1", full()...)
	f.paid("onr-s2", 100000)
	f.settle(t, "s2", "240")
	f.session(t, "s2", full()...)

	report := f.run(t)
	if got := findingFor(t, report, "s1"); got.Class != Mismatched {
		t.Fatalf("payment disagreement must mismatch, got %+v", got)
	}
	if got := findingFor(t, report, "s2"); got.Class != Mismatched {
		t.Fatalf("chain disagreement must mismatch, got %+v", got)
	}
	if f.inbox.Count(notify.ReconMismatch) != 2 {
		t.Fatalf("expected two mismatch notifications, got %d", f.inbox.Count(notify.ReconMismatch))
	}
}

func TestChainLagIsPendingThenOverdue(t *testing.T) {
	f := newFixture(t, "")
	f.paid("onr-s1", 100000)
	f.session(t, "s1", domain.OnRampAwaitingApproval, domain.OnRampProcessing)

	got := findingFor(t, f.run(t), "s1")
	if got.Class != Pending || got.Overdue {
		t.Fatalf("expected pending within lag, got %+v", got)
	}

	f.clk.Advance(11 * time.Minute)
	got = findingFor(t, f.run(t), "s1")
	if got.Class != Pending || !got.Overdue {
		t.Fatalf("lag beyond the threshold stays pending but overdue, got %+v", got)
	}
	if f.inbox.Count(notify.ReconOverdue) != 1 {
		t.Fatal("expected an overdue notification")
	}
}

func TestOrphanChainActionIsMismatched(t *testing.T) {
	f := newFixture(t, "")
	f.settle(t, "ghost", "50")

	got := findingFor(t, f.run(t), "ghost")
	if got.Kind != KindChain || got.Class != Mismatched {
		t.Fatalf("expected orphan mismatch, got %+v", got)
	}
}

func TestClosedSessionsWithoutChainActionMatch(t *testing.T) {
	f := newFixture(t, "")
	f.session(t, "failed", domain.OnRampFailed)
	f.settle(t, "rejected-but-sent", "239.5")
	f.session(t, "rejected-but-sent", domain.OnRampAwaitingApproval, domain.OnRampRejected)

	report := f.run(t)
	if got := findingFor(t, report, "failed"); got.Class != Matched {
		t.Fatalf("expected matched, got %+v", got)
	}
	if got := findingFor(t, report, "rejected-but-sent"); got.Class != Mismatched {
		t.Fatalf("chain action for a rejected session must mismatch, got %+v", got)
	}
}

func TestRunIsReadOnly(t *testing.T) {
	f := newFixture(t, "")
	f.paid("onr-s1", 90000)
	before := f.session(t, "s1", domain.OnRampAwaitingApproval)

	f.run(t)
	after, err := f.store.GetOnRamp(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("reconciliation must not mutate records: %+v", after)
	}
}

func TestRunWritesCSVAndParquet(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.paid("onr-s1", 100000)
	f.settle(t, "s1", "239.5")
	f.session(t, "s1", full()...)
	f.session(t, "s2")

	report := f.run(t)
	if len(report.Files) != 2 {
		t.Fatalf("expected csv and parquet files, got %v", report.Files)
	}
	file, err := os.Open(report.Files[0])
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "run_id" {
		t.Fatalf("unexpected csv rows %v", rows)
	}
	info, err := os.Stat(report.Files[1])
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected a parquet file, got %v %v", info, err)
	}
	if f.engine.Last() != report {
		t.Fatal("last report not retained")
	}
}

func TestRunRejectsEmptyWindow(t *testing.T) {
	f := newFixture(t, "")
	if _, err := f.engine.Run(context.Background(), t0, t0); err == nil {
		t.Fatal("expected an error for an empty window")
	}
}

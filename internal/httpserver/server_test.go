package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/domain"
	"naira-ramp/internal/logging"
	"naira-ramp/internal/notify"
	"naira-ramp/internal/offramp"
	"naira-ramp/internal/onramp"
	"naira-ramp/internal/recon"
)

type fakeOnRamp struct {
	sessions map[string]*domain.OnRampSession
	approver string
}

func (f *fakeOnRamp) Create(_ context.Context, in onramp.CreateInput) (*domain.OnRampSession, error) {
	if !in.FiatAmount.IsPositive() {
		return nil, domain.ErrValidation
	}
	s := &domain.OnRampSession{
		ID:            "s1",
		WalletAddress: in.WalletAddress,
		FiatAmount:    in.FiatAmount,
		FiatCurrency:  in.FiatCurrency,
		Stablecoin:    in.Stablecoin,
		PaymentRef:    "onr-s1",
		PaymentURL:    "https://checkout.example/s1",
		Status:        domain.OnRampCreated,
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeOnRamp) Get(_ context.Context, id string) (*domain.OnRampSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeOnRamp) List(_ context.Context, status domain.OnRampStatus, _ int) ([]domain.OnRampSession, error) {
	var out []domain.OnRampSession
	for _, s := range f.sessions {
		if s.Status == status {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeOnRamp) Approve(_ context.Context, id, approver string) (*domain.OnRampSession, error) {
	if approver == "" {
		return nil, domain.ErrAuthorization
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if s.Status != domain.OnRampAwaitingApproval {
		return nil, domain.ErrInvalidState
	}
	f.approver = approver
	s.Status = domain.OnRampCompleted
	return s, nil
}

func (f *fakeOnRamp) Reject(_ context.Context, id, _, reason string) (*domain.OnRampSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	s.Status = domain.OnRampRejected
	s.FailureReason = reason
	return s, nil
}

type fakeOffRamp struct{}

func (fakeOffRamp) Create(context.Context, offramp.CreateInput) (*domain.OffRampRequest, error) {
	return &domain.OffRampRequest{ID: "r1", Memo: "NR0123456789", Status: domain.OffRampPending}, nil
}
func (fakeOffRamp) Get(context.Context, string) (*domain.OffRampRequest, error) {
	return &domain.OffRampRequest{ID: "r1", Status: domain.OffRampProcessing, EscrowTxID: "0xescrow"}, nil
}
func (fakeOffRamp) List(context.Context, domain.OffRampStatus, int) ([]domain.OffRampRequest, error) {
	return nil, nil
}
func (fakeOffRamp) Approve(context.Context, string, string) (*domain.OffRampRequest, error) {
	return nil, domain.ErrInvalidState
}
func (fakeOffRamp) Reject(context.Context, string, string, string) (*domain.OffRampRequest, error) {
	return nil, domain.ErrInvalidState
}
func (fakeOffRamp) RetryPayout(context.Context, string, string) (*domain.OffRampRequest, error) {
	return nil, domain.ErrPaymentGateway
}

type fakeRecon struct {
	start, end time.Time
}

func (f *fakeRecon) Run(_ context.Context, start, end time.Time) (*recon.Report, error) {
	f.start, f.end = start, end
	return &recon.Report{RunID: "run-1", Start: start, End: end}, nil
}
func (f *fakeRecon) Last() *recon.Report { return nil }

func newTestServer(t *testing.T, basePath string) (*Server, *fakeOnRamp, *notify.Inbox) {
	t.Helper()
	on := &fakeOnRamp{sessions: map[string]*domain.OnRampSession{}}
	inbox := notify.NewInbox(10)
	srv := New(":0", logging.Discard(), nil, Handlers{}, basePath)
	srv.SetDependencies(Dependencies{
		OnRamp:     on,
		OffRamp:    fakeOffRamp{},
		Recon:      &fakeRecon{},
		Inbox:      inbox,
		AdminToken: "secret",
	})
	return srv, on, inbox
}

func do(t *testing.T, srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetOnRamp(t *testing.T) {
	srv, on, _ := newTestServer(t, "")

	rec := do(t, srv, http.MethodPost, "/onramp", `{"wallet_address":"0xabc","fiat_amount":"100000","fiat_currency":"NGN","stablecoin":"fUSDC"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var view domain.OnRampView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "created" || view.PaymentURL == "" || !view.FiatAmount.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("unexpected view %+v", view)
	}

	on.sessions["s1"].Status = domain.OnRampAwaitingApproval
	rec = do(t, srv, http.MethodGet, "/onramp/s1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != domain.PublicProcessing {
		t.Fatalf("internal states must be hidden, got %s", view.Status)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	cases := []struct {
		method, path, body string
		token              string
		want               int
	}{
		{http.MethodPost, "/onramp", `{"fiat_amount":"0"}`, "", http.StatusBadRequest},
		{http.MethodPost, "/onramp", `{not json`, "", http.StatusBadRequest},
		{http.MethodGet, "/onramp/missing", "", "", http.StatusNotFound},
		{http.MethodPost, "/admin/offramp/r1/approve", `{"actor":"ops"}`, "secret", http.StatusConflict},
		{http.MethodPost, "/admin/offramp/r1/retry-payout", `{"actor":"ops"}`, "secret", http.StatusBadGateway},
		{http.MethodGet, "/admin/onramp?status=bogus", "", "secret", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := do(t, srv, tc.method, tc.path, tc.body, tc.token)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d: %s", tc.method, tc.path, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	for _, token := range []string{"", "wrong"} {
		rec := do(t, srv, http.MethodGet, "/admin/onramp", "", token)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
	}
	if rec := do(t, srv, http.MethodGet, "/admin/onramp", "", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAdminApproveOnRamp(t *testing.T) {
	srv, on, _ := newTestServer(t, "")
	on.sessions["s1"] = &domain.OnRampSession{ID: "s1", Status: domain.OnRampAwaitingApproval}

	rec := do(t, srv, http.MethodPost, "/admin/onramp/s1/approve", `{}`, "secret")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing approver identity: expected 401, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/admin/onramp/s1/approve", `{"actor":"ops@ramp"}`, "secret")
	if rec.Code != http.StatusOK || on.approver != "ops@ramp" {
		t.Fatalf("expected approval, got %d approver=%q", rec.Code, on.approver)
	}
}

func TestReconcileDefaultsWindow(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	fr := srv.deps.Recon.(*fakeRecon)

	rec := do(t, srv, http.MethodPost, "/admin/reconcile", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fr.end.Sub(fr.start) != 24*time.Hour {
		t.Fatalf("expected a 24h window, got %s", fr.end.Sub(fr.start))
	}
	if rec := do(t, srv, http.MethodGet, "/admin/reconcile/last", "", "secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any retained report, got %d", rec.Code)
	}
}

func TestNotificationsInbox(t *testing.T) {
	srv, _, inbox := newTestServer(t, "")
	inbox.Notify(notify.Event{ID: "n1", Type: notify.PayoutFailed, Message: "payout failed"})

	rec := do(t, srv, http.MethodGet, "/admin/notifications?unread=true", "", "secret")
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Count != 1 {
		t.Fatalf("expected one unread notification, got %s", rec.Body.String())
	}
	if rec := do(t, srv, http.MethodPost, "/admin/notifications/n1/read", "", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("mark read: %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/admin/notifications/n2/read", "", "secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown notification: expected 404, got %d", rec.Code)
	}
}

func TestBasePath(t *testing.T) {
	srv, _, _ := newTestServer(t, "/ramp/")

	if rec := do(t, srv, http.MethodGet, "/ramp/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 under base path, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
}

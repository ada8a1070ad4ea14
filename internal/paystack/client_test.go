package paystack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/logging"
)

var _ domain.PaymentGateway = (*Client)(nil)

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memoryCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = raw
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, cache RecipientCache) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(Config{BaseURL: srv.URL, SecretKey: "sk_test_123", DefaultEmail: "ops@example.com"}, logging.Discard(), nil, cache, clk)
}

func TestCreateIntent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/initialize" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test_123" {
			t.Errorf("missing auth header")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["amount"] != "10000000" || body["reference"] != "onr-1" || body["email"] != "ops@example.com" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"onr-1"}}`))
	}, nil)

	intent, err := c.CreateIntent(context.Background(), domain.PaymentIntentRequest{
		Amount:    decimal.NewFromInt(100000),
		Currency:  "NGN",
		Reference: "onr-1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.PaymentURL != "https://checkout.paystack.com/abc" || intent.CorrelationRef != "onr-1" || intent.ProviderRef != "abc" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if want := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC); !intent.ExpiresAt.Equal(want) {
		t.Fatalf("unexpected expiry %s", intent.ExpiresAt)
	}
}

func TestErrorsAreClassified(t *testing.T) {
	status := http.StatusBadGateway
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":false,"message":"upstream"}`))
	}, nil)

	_, err := c.CreateIntent(context.Background(), domain.PaymentIntentRequest{Amount: decimal.NewFromInt(1), Reference: "r"})
	if !errors.Is(err, domain.ErrPaymentGateway) || !domain.IsRetryable(err) {
		t.Fatalf("expected retryable gateway error, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = c.CreateIntent(context.Background(), domain.PaymentIntentRequest{Amount: decimal.NewFromInt(1), Reference: "r"})
	if !errors.Is(err, domain.ErrPaymentGateway) || domain.IsRetryable(err) {
		t.Fatalf("expected permanent gateway error, got %v", err)
	}

	status = http.StatusUnauthorized
	_, err = c.CreateIntent(context.Background(), domain.PaymentIntentRequest{Amount: decimal.NewFromInt(1), Reference: "r"})
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
}

func TestInitiatePayoutCachesRecipient(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls[r.URL.Path]++
		mu.Unlock()
		switch r.URL.Path {
		case "/transferrecipient":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["type"] != "nuban" || body["account_number"] != "0123456789" {
				t.Errorf("unexpected recipient body %v", body)
			}
			_, _ = w.Write([]byte(`{"status":true,"data":{"recipient_code":"RCP_1"}}`))
		case "/transfer":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["recipient"] != "RCP_1" || body["amount"] != float64(4145833) {
				t.Errorf("unexpected transfer body %v", body)
			}
			_, _ = w.Write([]byte(`{"status":true,"data":{"reference":"payout-1","transfer_code":"TRF_1","status":"pending"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}, &memoryCache{})

	req := domain.PayoutRequest{
		Reference: "payout-1",
		Amount:    decimal.RequireFromString("41458.33"),
		Currency:  "NGN",
		Method:    domain.PayoutBank,
		Details:   domain.PayoutDetails{AccountNumber: "0123456789", BankCode: "058", AccountName: "Ada Obi"},
	}
	for i := 0; i < 2; i++ {
		payout, err := c.InitiatePayout(context.Background(), req)
		if err != nil {
			t.Fatalf("initiate payout: %v", err)
		}
		if payout.ProviderRef != "payout-1" || payout.PayoutSettled() {
			t.Fatalf("unexpected payout %+v", payout)
		}
	}
	if calls["/transferrecipient"] != 1 || calls["/transfer"] != 2 {
		t.Fatalf("unexpected call counts %v", calls)
	}
}

func TestInitiatePayoutResolvesDuplicateReference(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/transferrecipient":
			_, _ = w.Write([]byte(`{"status":true,"data":{"recipient_code":"RCP_2"}}`))
		case r.URL.Path == "/transfer":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":false,"message":"Duplicate Transfer Reference"}`))
		case strings.HasPrefix(r.URL.Path, "/transfer/verify/"):
			_, _ = w.Write([]byte(`{"status":true,"data":{"reference":"payout-2","status":"success"}}`))
		}
	}, nil)

	payout, err := c.InitiatePayout(context.Background(), domain.PayoutRequest{
		Reference: "payout-2",
		Amount:    decimal.NewFromInt(5000),
		Currency:  "NGN",
		Method:    domain.PayoutMobileMoney,
		Details:   domain.PayoutDetails{PhoneNumber: "+2348012345678", Provider: "MTN", AccountName: "Ada Obi"},
	})
	if err != nil {
		t.Fatalf("initiate payout: %v", err)
	}
	if !payout.PayoutSettled() {
		t.Fatalf("expected existing transfer status, got %+v", payout)
	}
}

func TestPaymentRecordsPaginates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "1":
			_, _ = w.Write([]byte(`{"status":true,"data":[{"reference":"onr-1","amount":10000000,"currency":"NGN","status":"success","paid_at":"2025-03-01T10:00:00.000Z"}],"meta":{"page":1,"pageCount":2}}`))
		case "2":
			_, _ = w.Write([]byte(`{"status":true,"data":[{"reference":"onr-2","amount":500000,"currency":"NGN","status":"abandoned"}],"meta":{"page":2,"pageCount":2}}`))
		default:
			t.Errorf("unexpected page %s", page)
		}
	}, nil)

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	records, err := c.PaymentRecords(context.Background(), from, from.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("payment records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if !records[0].Amount.Equal(decimal.NewFromInt(100000)) || records[0].Status != "success" || records[0].PaidAt.IsZero() {
		t.Fatalf("unexpected first record %+v", records[0])
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	c := New(Config{SecretKey: "sk_test_123"}, logging.Discard(), nil, nil, nil)
	payload := []byte(`{"event":"charge.success"}`)
	if !c.VerifyWebhookSignature(Sign("sk_test_123", payload), payload) {
		t.Fatal("expected valid signature")
	}
	if c.VerifyWebhookSignature(Sign("other", payload), payload) {
		t.Fatal("expected invalid signature")
	}
	if c.VerifyWebhookSignature("", payload) {
		t.Fatal("empty signature must not verify")
	}
}

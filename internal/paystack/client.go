// Package paystack implements the payment gateway against the Paystack API.
package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/clock"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/money"
)

const (
	defaultBaseURL      = "https://api.paystack.co"
	defaultIntentTTL    = 30 * time.Minute
	defaultRecipientTTL = 24 * time.Hour
	maxPages            = 50
)

// ErrInvalidCredential indicates Paystack rejected the secret key.
var ErrInvalidCredential = errors.New("paystack invalid credential")

// RecipientCache stores transfer recipient codes between payouts.
type RecipientCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Config holds Paystack client configuration.
type Config struct {
	BaseURL      string
	SecretKey    string
	CallbackURL  string
	DefaultEmail string
	Timeout      time.Duration
	IntentTTL    time.Duration
}

// Client provides typed access to the Paystack API.
type Client struct {
	logger      *slog.Logger
	baseURL     string
	secretKey   string
	callbackURL string
	email       string
	intentTTL   time.Duration
	http        *http.Client
	metrics     *metrics.Metrics
	recipients  RecipientCache
	clock       clock.Clock
}

// envelope mirrors Paystack's standard response shape.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    *struct {
		Page      int `json:"page"`
		PageCount int `json:"pageCount"`
	} `json:"meta"`
}

// New creates a Paystack client. recipients may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, recipients RecipientCache, clk clock.Clock) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ttl := cfg.IntentTTL
	if ttl <= 0 {
		ttl = defaultIntentTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{
		logger:      logger.With("component", "paystack"),
		baseURL:     base,
		secretKey:   cfg.SecretKey,
		callbackURL: cfg.CallbackURL,
		email:       cfg.DefaultEmail,
		intentTTL:   ttl,
		http:        &http.Client{Timeout: timeout},
		metrics:     m,
		recipients:  recipients,
		clock:       clk,
	}
}

// CreateIntent initialises a hosted checkout for the given reference.
func (c *Client) CreateIntent(ctx context.Context, req domain.PaymentIntentRequest) (*domain.PaymentIntent, error) {
	email := req.Email
	if email == "" {
		email = c.email
	}
	body := map[string]any{
		"amount":       strconv.FormatInt(money.ToMinorUnits(req.Amount), 10),
		"currency":     req.Currency,
		"email":        email,
		"reference":    req.Reference,
		"callback_url": c.callbackURL,
		"metadata":     req.Metadata,
	}
	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := c.call(ctx, http.MethodPost, "/transaction/initialize", body, &data, nil); err != nil {
		return nil, err
	}
	if data.AuthorizationURL == "" {
		return nil, fmt.Errorf("%w: initialize returned no authorization url", domain.ErrPaymentGateway)
	}
	ref := data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &domain.PaymentIntent{
		PaymentURL:     data.AuthorizationURL,
		CorrelationRef: ref,
		ProviderRef:    data.AccessCode,
		ExpiresAt:      c.clock.Now().UTC().Add(c.intentTTL),
	}, nil
}

// VerifyWebhookSignature checks the HMAC-SHA512 of payload against signature.
func (c *Client) VerifyWebhookSignature(signature string, payload []byte) bool {
	if c.secretKey == "" || signature == "" {
		return false
	}
	expected := Sign(c.secretKey, payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// Sign computes the hex signature Paystack sends in X-Paystack-Signature.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
}

// InitiatePayout creates (or reuses) a transfer recipient and sends a
// transfer. The reference makes the transfer idempotent on Paystack's side; a
// duplicate reference is resolved by fetching the existing transfer.
func (c *Client) InitiatePayout(ctx context.Context, req domain.PayoutRequest) (*domain.Payout, error) {
	recipient, err := c.recipientCode(ctx, req)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"source":    "balance",
		"amount":    money.ToMinorUnits(req.Amount),
		"currency":  req.Currency,
		"recipient": recipient,
		"reference": req.Reference,
		"reason":    req.Reason,
	}
	var data transferData
	err = c.call(ctx, http.MethodPost, "/transfer", body, &data, nil)
	if err != nil && isDuplicateReference(err) {
		c.logger.Info("transfer reference already used, fetching existing transfer", "reference", req.Reference)
		err = c.call(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(req.Reference), nil, &data, nil)
	}
	if err != nil {
		return nil, err
	}
	return &domain.Payout{ProviderRef: firstNonEmpty(data.Reference, req.Reference), Status: strings.ToLower(data.Status)}, nil
}

type recipientEntry struct {
	Code string `json:"code"`
}

func (c *Client) recipientCode(ctx context.Context, req domain.PayoutRequest) (string, error) {
	body := map[string]any{
		"name":     req.Details.AccountName,
		"currency": req.Currency,
	}
	var key string
	switch req.Method {
	case domain.PayoutBank:
		body["type"] = "nuban"
		body["account_number"] = req.Details.AccountNumber
		body["bank_code"] = req.Details.BankCode
		key = "recipient:nuban:" + req.Details.BankCode + ":" + req.Details.AccountNumber
	case domain.PayoutMobileMoney:
		body["type"] = "mobile_money"
		body["account_number"] = req.Details.PhoneNumber
		body["bank_code"] = req.Details.Provider
		key = "recipient:momo:" + req.Details.Provider + ":" + req.Details.PhoneNumber
	default:
		return "", fmt.Errorf("%w: unsupported payout method %q", domain.ErrValidation, req.Method)
	}

	if c.recipients != nil {
		var cached recipientEntry
		ok, err := c.recipients.GetJSON(ctx, key, &cached)
		if err != nil {
			c.logger.Warn("read recipient cache failed", "error", err)
		} else if ok && cached.Code != "" {
			return cached.Code, nil
		}
	}

	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := c.call(ctx, http.MethodPost, "/transferrecipient", body, &data, nil); err != nil {
		return "", err
	}
	if data.RecipientCode == "" {
		return "", fmt.Errorf("%w: transferrecipient returned no code", domain.ErrPaymentGateway)
	}
	if c.recipients != nil {
		if err := c.recipients.SetJSON(ctx, key, recipientEntry{Code: data.RecipientCode}, defaultRecipientTTL); err != nil {
			c.logger.Warn("set recipient cache failed", "error", err)
		}
	}
	return data.RecipientCode, nil
}

type transactionItem struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	PaidAt    string `json:"paid_at"`
	CreatedAt string `json:"created_at"`
}

// PaymentRecords lists collected payments created in [from, to).
func (c *Client) PaymentRecords(ctx context.Context, from, to time.Time) ([]domain.PaymentRecord, error) {
	var out []domain.PaymentRecord
	err := c.paginate(ctx, "/transaction", from, to, func(raw json.RawMessage) error {
		var items []transactionItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		for _, it := range items {
			out = append(out, domain.PaymentRecord{
				Reference: it.Reference,
				Amount:    money.FromMinorUnits(it.Amount),
				Currency:  it.Currency,
				Status:    strings.ToLower(it.Status),
				PaidAt:    parseTime(firstNonEmpty(it.PaidAt, it.CreatedAt)),
			})
		}
		return nil
	})
	return out, err
}

// PayoutRecords lists transfers created in [from, to).
func (c *Client) PayoutRecords(ctx context.Context, from, to time.Time) ([]domain.PayoutRecord, error) {
	var out []domain.PayoutRecord
	err := c.paginate(ctx, "/transfer", from, to, func(raw json.RawMessage) error {
		var items []struct {
			Reference string `json:"reference"`
			Amount    int64  `json:"amount"`
			Currency  string `json:"currency"`
			Status    string `json:"status"`
			CreatedAt string `json:"createdAt"`
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		for _, it := range items {
			out = append(out, domain.PayoutRecord{
				Reference: it.Reference,
				Amount:    money.FromMinorUnits(it.Amount),
				Currency:  it.Currency,
				Status:    strings.ToLower(it.Status),
				CreatedAt: parseTime(it.CreatedAt),
			})
		}
		return nil
	})
	return out, err
}

func (c *Client) paginate(ctx context.Context, endpoint string, from, to time.Time, page func(json.RawMessage) error) error {
	for n := 1; n <= maxPages; n++ {
		q := url.Values{}
		q.Set("from", from.UTC().Format(time.RFC3339))
		q.Set("to", to.UTC().Format(time.RFC3339))
		q.Set("perPage", "100")
		q.Set("page", strconv.Itoa(n))

		var raw json.RawMessage
		var meta envelope
		if err := c.call(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil, &raw, &meta); err != nil {
			return err
		}
		if err := page(raw); err != nil {
			return fmt.Errorf("%w: decode %s page %d: %v", domain.ErrPaymentGateway, endpoint, n, err)
		}
		if meta.Meta == nil || meta.Meta.PageCount <= n {
			return nil
		}
	}
	return nil
}

// call performs one request. dest receives the envelope's data field and env,
// when set, receives the envelope itself.
func (c *Client) call(ctx context.Context, method, endpoint string, payload any, dest any, env *envelope) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "naira-ramp/paystack-client")

	label := metricLabel(endpoint)
	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveGateway(label, 0, time.Since(start))
		return fmt.Errorf("%w: %w: paystack request: %v", domain.ErrPaymentGateway, domain.ErrTransient, err)
	}
	defer res.Body.Close()
	c.metrics.ObserveGateway(label, res.StatusCode, time.Since(start))

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: %w: read response: %v", domain.ErrPaymentGateway, domain.ErrTransient, err)
	}

	var e envelope
	_ = json.Unmarshal(bodyBytes, &e)
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, e.Message, string(bodyBytes))
	}
	if !e.Status {
		return fmt.Errorf("%w: paystack %s: %s", domain.ErrPaymentGateway, label, firstNonEmpty(e.Message, "operation failed"))
	}
	if env != nil {
		*env = e
	}
	if dest == nil || len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrPaymentGateway, label, err)
	}
	return nil
}

func classifyHTTPError(status int, message, body string) error {
	snippet := strings.TrimSpace(firstNonEmpty(message, body))
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w: %s", domain.ErrPaymentGateway, ErrInvalidCredential, snippet)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %w: paystack status=%d: %s", domain.ErrPaymentGateway, domain.ErrTransient, status, snippet)
	default:
		return fmt.Errorf("%w: paystack status=%d: %s", domain.ErrPaymentGateway, status, snippet)
	}
}

func isDuplicateReference(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "duplicate") && strings.Contains(lower, "reference")
}

// metricLabel strips identifiers and query strings from an endpoint.
func metricLabel(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	if strings.HasPrefix(endpoint, "/transfer/verify/") {
		return "/transfer/verify"
	}
	return endpoint
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// KoboToNaira converts a webhook amount to a decimal naira amount.
func KoboToNaira(kobo int64) decimal.Decimal {
	return money.FromMinorUnits(kobo)
}

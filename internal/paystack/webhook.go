package paystack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/metrics"
)

const maxWebhookBody = 1 << 20

// WebhookEvent contains metadata and payload from a Paystack webhook.
type WebhookEvent struct {
	Type        string
	DeliveryKey string
	Payload     json.RawMessage
	ReceivedAt  time.Time
}

// ChargeData is the data object of charge.* events.
type ChargeData struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

// NairaAmount returns the charged amount in major units.
func (c ChargeData) NairaAmount() decimal.Decimal {
	return KoboToNaira(c.Amount)
}

// TransferData is the data object of transfer.* events.
type TransferData struct {
	Reference       string `json:"reference"`
	TransferCode    string `json:"transfer_code"`
	Status          string `json:"status"`
	Reason          string `json:"reason"`
	GatewayResponse string `json:"gateway_response"`
}

// Decode unmarshals the event's data object into dest.
func (e WebhookEvent) Decode(dest any) error {
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return err
	}
	return json.Unmarshal(body.Data, dest)
}

// WebhookProcessor handles verified Paystack events. A returned error makes
// the handler answer 500 so Paystack redelivers.
type WebhookProcessor interface {
	HandlePaystackEvent(ctx context.Context, event WebhookEvent) error
}

// SignatureVerifier checks a webhook signature.
type SignatureVerifier interface {
	VerifyWebhookSignature(signature string, payload []byte) bool
}

// Deduper remembers processed deliveries.
type Deduper interface {
	Remember(ctx context.Context, deliveryKey string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, deliveryKey string) error
}

// WebhookHandler verifies the Paystack signature and forwards events.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	verifier  SignatureVerifier
	processor WebhookProcessor
	dedupe    Deduper
	dedupeTTL time.Duration
}

// NewWebhookHandler creates a new webhook handler. dedupe may be nil.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, verifier SignatureVerifier, processor WebhookProcessor, dedupe Deduper) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "paystack_webhook"),
		metrics:   m,
		verifier:  verifier,
		processor: processor,
		dedupe:    dedupe,
		dedupeTTL: 72 * time.Hour,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.Error("paystack_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := strings.TrimSpace(r.Header.Get("X-Paystack-Signature"))
	if !h.verifier.VerifyWebhookSignature(signature, body) {
		h.metrics.Webhook("unknown", "bad_signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Event == "" {
		h.metrics.Webhook("unknown", "malformed")
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256(body)
	event := WebhookEvent{
		Type:        envelope.Event,
		DeliveryKey: hex.EncodeToString(sum[:]),
		Payload:     body,
		ReceivedAt:  time.Now().UTC(),
	}

	ctx := r.Context()
	if h.dedupe != nil {
		fresh, err := h.dedupe.Remember(ctx, event.DeliveryKey, h.dedupeTTL)
		if err != nil {
			h.logger.Warn("webhook dedupe unavailable", "error", err)
		} else if !fresh {
			h.metrics.Webhook(event.Type, "duplicate")
			writeOK(w)
			return
		}
	}

	if h.processor != nil {
		if err := h.processor.HandlePaystackEvent(ctx, event); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "event", event.Type)
			h.metrics.Webhook(event.Type, "error")
			if h.dedupe != nil {
				if ferr := h.dedupe.Forget(context.WithoutCancel(ctx), event.DeliveryKey); ferr != nil {
					h.logger.Warn("forget webhook delivery", "error", ferr)
				}
			}
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	h.metrics.Webhook(event.Type, "ok")
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Package handlers turns verified provider callbacks into settlement transitions.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/domain"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/paystack"
)

// PaymentConfirmer accepts confirmed fiat payments.
type PaymentConfirmer interface {
	OnPaymentConfirmed(ctx context.Context, ref string, amount decimal.Decimal, currency string) (*domain.OnRampSession, error)
}

// PayoutSettler accepts final payout outcomes.
type PayoutSettler interface {
	OnPayoutSettled(ctx context.Context, payoutRef string, outcome domain.PayoutOutcome) (*domain.OffRampRequest, error)
}

// PaystackProcessor routes Paystack events to the ramp services.
type PaystackProcessor struct {
	onramp  PaymentConfirmer
	offramp PayoutSettler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPaystackProcessor wires the processor.
func NewPaystackProcessor(onramp PaymentConfirmer, offramp PayoutSettler, m *metrics.Metrics, logger *slog.Logger) *PaystackProcessor {
	return &PaystackProcessor{
		onramp:  onramp,
		offramp: offramp,
		metrics: m,
		logger:  logger.With("component", "paystack_processor"),
	}
}

// HandlePaystackEvent implements paystack.WebhookProcessor. Domain outcomes
// are recorded by the services and acknowledged; only infrastructure
// failures are returned so the delivery is retried.
func (p *PaystackProcessor) HandlePaystackEvent(ctx context.Context, event paystack.WebhookEvent) error {
	var err error
	switch event.Type {
	case "charge.success":
		err = p.handleCharge(ctx, event)
	case "transfer.success", "transfer.failed", "transfer.reversed":
		err = p.handleTransfer(ctx, event)
	default:
		p.logger.Debug("ignoring paystack event", "event", event.Type)
		return nil
	}
	if err == nil {
		return nil
	}
	if domain.IsBusinessError(err) {
		p.logger.Warn("paystack event not applied", "event", event.Type, "error", err)
		return nil
	}
	p.metrics.Error("paystack_processor")
	return err
}

func (p *PaystackProcessor) handleCharge(ctx context.Context, event paystack.WebhookEvent) error {
	var data paystack.ChargeData
	if err := event.Decode(&data); err != nil {
		return fmt.Errorf("%w: decode charge: %v", domain.ErrValidation, err)
	}
	if data.Status != "" && data.Status != "success" {
		p.logger.Info("charge not successful", "reference", data.Reference, "status", data.Status)
		return nil
	}
	sess, err := p.onramp.OnPaymentConfirmed(ctx, data.Reference, data.NairaAmount(), data.Currency)
	if err != nil {
		return err
	}
	if sess == nil {
		p.logger.Info("charge for unknown reference", "reference", data.Reference)
		return nil
	}
	p.logger.Info("payment confirmed", "session_id", sess.ID, "status", sess.Status)
	return nil
}

func (p *PaystackProcessor) handleTransfer(ctx context.Context, event paystack.WebhookEvent) error {
	var data paystack.TransferData
	if err := event.Decode(&data); err != nil {
		return fmt.Errorf("%w: decode transfer: %v", domain.ErrValidation, err)
	}
	outcome := domain.PayoutOutcome{Success: event.Type == "transfer.success"}
	if !outcome.Success {
		outcome.Reason = firstNonEmpty(data.Reason, data.GatewayResponse, data.Status, event.Type)
	}
	req, err := p.offramp.OnPayoutSettled(ctx, data.Reference, outcome)
	if err != nil {
		return err
	}
	if req == nil {
		p.logger.Info("transfer for unknown reference", "reference", data.Reference)
		return nil
	}
	p.logger.Info("payout settled", "request_id", req.ID, "status", req.Status, "success", outcome.Success)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/domain"
	"naira-ramp/internal/logging"
	"naira-ramp/internal/paystack"
)

type fakeOnRamp struct {
	ref      string
	amount   decimal.Decimal
	currency string
	err      error
	calls    int
}

func (f *fakeOnRamp) OnPaymentConfirmed(_ context.Context, ref string, amount decimal.Decimal, currency string) (*domain.OnRampSession, error) {
	f.calls++
	f.ref, f.amount, f.currency = ref, amount, currency
	if f.err != nil {
		return nil, f.err
	}
	return &domain.OnRampSession{ID: "s1", Status: domain.OnRampAwaitingApproval}, nil
}

type fakeOffRamp struct {
	ref     string
	outcome domain.PayoutOutcome
	calls   int
}

func (f *fakeOffRamp) OnPayoutSettled(_ context.Context, ref string, outcome domain.PayoutOutcome) (*domain.OffRampRequest, error) {
	f.calls++
	f.ref, f.outcome = ref, outcome
	return &domain.OffRampRequest{ID: "r1", Status: domain.OffRampCompleted}, nil
}

func event(typ, data string) paystack.WebhookEvent {
	return paystack.WebhookEvent{Type: typ, Payload: []byte(`{"event":"` + typ + `","data":` + data + `}`)}
}

func TestChargeSuccessConfirmsPayment(t *testing.T) {
	on, off := &fakeOnRamp{}, &fakeOffRamp{}
	p := NewPaystackProcessor(on, off, nil, logging.Discard())

	err := p.HandlePaystackEvent(context.Background(), event("charge.success",
		`{"reference":"onr-1","amount":10000000,"currency":"NGN","status":"success"}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if on.ref != "onr-1" || on.currency != "NGN" || !on.amount.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("unexpected confirmation %+v", on)
	}
}

func TestTransferOutcomes(t *testing.T) {
	on, off := &fakeOnRamp{}, &fakeOffRamp{}
	p := NewPaystackProcessor(on, off, nil, logging.Discard())
	ctx := context.Background()

	if err := p.HandlePaystackEvent(ctx, event("transfer.success", `{"reference":"payout-r1","status":"success"}`)); err != nil {
		t.Fatalf("handle success: %v", err)
	}
	if off.ref != "payout-r1" || !off.outcome.Success {
		t.Fatalf("unexpected outcome %+v", off)
	}

	if err := p.HandlePaystackEvent(ctx, event("transfer.failed", `{"reference":"payout-r2","status":"failed","gateway_response":"account closed"}`)); err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if off.outcome.Success || off.outcome.Reason != "account closed" {
		t.Fatalf("unexpected outcome %+v", off.outcome)
	}
}

func TestBusinessErrorsAreAcknowledged(t *testing.T) {
	on := &fakeOnRamp{err: domain.ErrIntegrityMismatch}
	p := NewPaystackProcessor(on, &fakeOffRamp{}, nil, logging.Discard())

	err := p.HandlePaystackEvent(context.Background(), event("charge.success",
		`{"reference":"onr-1","amount":100,"currency":"NGN","status":"success"}`))
	if err != nil {
		t.Fatalf("business errors must not trigger redelivery, got %v", err)
	}
}

func TestInfrastructureErrorsAreReturned(t *testing.T) {
	on := &fakeOnRamp{err: errors.New("database is locked")}
	p := NewPaystackProcessor(on, &fakeOffRamp{}, nil, logging.Discard())

	err := p.HandlePaystackEvent(context.Background(), event("charge.success",
		`{"reference":"onr-1","amount":100,"currency":"NGN","status":"success"}`))
	if err == nil {
		t.Fatal("expected the storage error to be returned")
	}
}

func TestUnhandledEventsAreIgnored(t *testing.T) {
	on, off := &fakeOnRamp{}, &fakeOffRamp{}
	p := NewPaystackProcessor(on, off, nil, logging.Discard())

	if err := p.HandlePaystackEvent(context.Background(), event("subscription.create", `{}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if on.calls != 0 || off.calls != 0 {
		t.Fatal("unexpected dispatch")
	}
}

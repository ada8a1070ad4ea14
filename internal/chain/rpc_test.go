package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/domain"
	"naira-ramp/internal/logging"
)

var (
	_ domain.ChainExecutor = (*RPCClient)(nil)
	_ domain.ChainExecutor = (*Simulator)(nil)
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newRelay(t *testing.T, handler func(req rpcRequest) (any, *rpcError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer relay-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		result, rerr := handler(req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result, "error": rerr})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCSubmitOnRamp(t *testing.T) {
	srv := newRelay(t, func(req rpcRequest) (any, *rpcError) {
		if req.Method != "ramp_submitOnRamp" {
			t.Errorf("unexpected method %s", req.Method)
		}
		var p map[string]string
		_ = json.Unmarshal(req.Params[0], &p)
		if p["idempotencyToken"] != "onramp:s1" || p["amount"] != "239.5" {
			t.Errorf("unexpected params %v", p)
		}
		return map[string]any{"txHash": "0xabc", "receiptId": "r1", "finalized": true}, nil
	})
	c := NewRPCClient(srv.URL, "relay-token", time.Second, logging.Discard(), nil)

	receipt, err := c.SubmitOnRampAction(context.Background(), domain.OnRampAction{
		Beneficiary:      "0x52908400098527886E0F7030069857D2E4169EE7",
		Amount:           decimal.RequireFromString("239.5"),
		Stablecoin:       "fUSDC",
		SessionID:        "s1",
		IdempotencyToken: "onramp:s1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.TxID != "0xabc" || receipt.ReceiptID != "r1" || !receipt.Finalized {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestRPCErrorClassification(t *testing.T) {
	srv := newRelay(t, func(req rpcRequest) (any, *rpcError) {
		switch req.Method {
		case "ramp_actionStatus":
			return nil, &rpcError{Code: codeBusy, Message: "busy"}
		default:
			return nil, &rpcError{Code: -32602, Message: "bad beneficiary"}
		}
	})
	c := NewRPCClient(srv.URL, "relay-token", time.Second, logging.Discard(), nil)

	if _, err := c.QueryActionStatus(context.Background(), "onramp:s1"); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	_, err := c.SubmitOnRampAction(context.Background(), domain.OnRampAction{IdempotencyToken: "onramp:s1"})
	if !errors.Is(err, domain.ErrChainExecution) || domain.IsRetryable(err) {
		t.Fatalf("expected permanent chain error, got %v", err)
	}
}

func TestRPCWriteTimeoutIsUnknownOutcome(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := NewRPCClient(srv.URL, "relay-token", 50*time.Millisecond, logging.Discard(), nil)
	_, err := c.SubmitOffRampAction(context.Background(), domain.OffRampAction{IdempotencyToken: "offramp:r1"})
	if !errors.Is(err, domain.ErrSubmissionUnknown) {
		t.Fatalf("expected unknown submission outcome, got %v", err)
	}
	if _, err := c.LatestBlock(context.Background()); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient read failure, got %v", err)
	}
}

func TestRPCFindDepositNoMatch(t *testing.T) {
	srv := newRelay(t, func(req rpcRequest) (any, *rpcError) {
		return nil, nil
	})
	c := NewRPCClient(srv.URL, "relay-token", time.Second, logging.Discard(), nil)
	dep, err := c.FindDeposit(context.Background(), domain.DepositQuery{Memo: "M1"})
	if err != nil {
		t.Fatalf("find deposit: %v", err)
	}
	if dep != nil {
		t.Fatalf("expected no match, got %+v", dep)
	}
}

func TestRPCFindDepositMatch(t *testing.T) {
	srv := newRelay(t, func(req rpcRequest) (any, *rpcError) {
		return map[string]any{"txHash": "0xdep", "block": 42, "memo": "M1", "amount": "100", "stablecoin": "USDC"}, nil
	})
	c := NewRPCClient(srv.URL, "relay-token", time.Second, logging.Discard(), nil)
	dep, err := c.FindDeposit(context.Background(), domain.DepositQuery{Memo: "M1"})
	if err != nil {
		t.Fatalf("find deposit: %v", err)
	}
	if dep == nil || dep.TxID != "0xdep" || dep.Block != 42 || !dep.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected deposit %+v", dep)
	}
}

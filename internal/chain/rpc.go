// Package chain implements the chain action executor: a JSON-RPC client for
// the signing relay and a deterministic simulator.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"naira-ramp/internal/domain"
	"naira-ramp/internal/metrics"
)

// RPCClient talks to the relay that holds the funding key and signs actions.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRPCClient constructs a relay client.
func NewRPCClient(baseURL, authToken string, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
		logger:    logger.With("component", "chain_rpc"),
		metrics:   m,
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Relay error codes that are safe to retry.
const (
	codeBusy        = -32005
	codeNodeLagging = -32010
)

type receiptResult struct {
	TxHash    string `json:"txHash"`
	ReceiptID string `json:"receiptId"`
	Finalized bool   `json:"finalized"`
}

func (c *RPCClient) SubmitOnRampAction(ctx context.Context, action domain.OnRampAction) (*domain.ChainReceipt, error) {
	params := []any{map[string]any{
		"beneficiary":      action.Beneficiary,
		"amount":           action.Amount.String(),
		"stablecoin":       action.Stablecoin,
		"sessionId":        action.SessionID,
		"idempotencyToken": action.IdempotencyToken,
	}}
	var res receiptResult
	if err := c.call(ctx, "ramp_submitOnRamp", params, &res, true); err != nil {
		return nil, err
	}
	return &domain.ChainReceipt{TxID: res.TxHash, ReceiptID: res.ReceiptID, Finalized: res.Finalized}, nil
}

func (c *RPCClient) SubmitOffRampAction(ctx context.Context, action domain.OffRampAction) (*domain.ChainReceipt, error) {
	params := []any{map[string]any{
		"depositor":        action.Depositor,
		"amount":           action.Amount.String(),
		"stablecoin":       action.Stablecoin,
		"memo":             action.Memo,
		"requestId":        action.RequestID,
		"depositTxHash":    action.DepositTxID,
		"idempotencyToken": action.IdempotencyToken,
	}}
	var res receiptResult
	if err := c.call(ctx, "ramp_submitOffRamp", params, &res, true); err != nil {
		return nil, err
	}
	return &domain.ChainReceipt{TxID: res.TxHash, ReceiptID: res.ReceiptID, Finalized: res.Finalized}, nil
}

func (c *RPCClient) QueryActionStatus(ctx context.Context, token string) (*domain.ActionStatus, error) {
	var res struct {
		Submitted bool   `json:"submitted"`
		Finalized bool   `json:"finalized"`
		Reverted  bool   `json:"reverted"`
		TxHash    string `json:"txHash"`
		ReceiptID string `json:"receiptId"`
		Reason    string `json:"reason"`
	}
	if err := c.call(ctx, "ramp_actionStatus", []any{token}, &res, false); err != nil {
		return nil, err
	}
	return &domain.ActionStatus{
		Submitted: res.Submitted,
		Finalized: res.Finalized,
		Reverted:  res.Reverted,
		TxID:      res.TxHash,
		ReceiptID: res.ReceiptID,
		Reason:    res.Reason,
	}, nil
}

func (c *RPCClient) FundingBalance(ctx context.Context, stablecoin string) (decimal.Decimal, error) {
	var res struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.call(ctx, "ramp_fundingBalance", []any{stablecoin}, &res, false); err != nil {
		return decimal.Zero, err
	}
	return res.Balance, nil
}

func (c *RPCClient) FindDeposit(ctx context.Context, q domain.DepositQuery) (*domain.Deposit, error) {
	params := []any{map[string]any{
		"address":    q.Address,
		"memo":       q.Memo,
		"amount":     q.Amount.String(),
		"stablecoin": q.Stablecoin,
		"fromBlock":  q.SinceBlock,
	}}
	var res *struct {
		TxHash     string          `json:"txHash"`
		Block      uint64          `json:"block"`
		From       string          `json:"from"`
		To         string          `json:"to"`
		Memo       string          `json:"memo"`
		Amount     decimal.Decimal `json:"amount"`
		Stablecoin string          `json:"stablecoin"`
	}
	if err := c.call(ctx, "ramp_findDeposit", params, &res, false); err != nil {
		return nil, err
	}
	if res == nil || res.TxHash == "" {
		return nil, nil
	}
	return &domain.Deposit{
		TxID:       res.TxHash,
		Block:      res.Block,
		From:       res.From,
		To:         res.To,
		Memo:       res.Memo,
		Amount:     res.Amount,
		Stablecoin: res.Stablecoin,
	}, nil
}

func (c *RPCClient) LatestBlock(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "ramp_blockNumber", []any{}, &height, false); err != nil {
		return 0, err
	}
	return height, nil
}

// ListActions returns the relay's record of actions submitted in [from, to).
func (c *RPCClient) ListActions(ctx context.Context, from, to time.Time) ([]domain.ChainRecord, error) {
	params := []any{map[string]any{
		"from": from.UTC().Format(time.RFC3339),
		"to":   to.UTC().Format(time.RFC3339),
	}}
	var res []domain.ChainRecord
	if err := c.call(ctx, "ramp_listActions", params, &res, false); err != nil {
		return nil, err
	}
	return res, nil
}

// call performs one JSON-RPC request. For writes a transport failure leaves
// the outcome unknown since the relay may already have broadcast.
func (c *RPCClient) call(ctx context.Context, method string, params any, out any, write bool) (err error) {
	start := time.Now()
	status := "ok"
	defer func() {
		if err != nil {
			status = "error"
		}
		c.metrics.ObserveChain(method, status, time.Since(start))
	}()

	buf, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(method, write, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return c.transportError(method, write, fmt.Errorf("status=%d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: relay %s failed: status=%d", domain.ErrChainExecution, method, resp.StatusCode)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return c.transportError(method, write, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == codeBusy || rpcResp.Error.Code == codeNodeLagging {
			return fmt.Errorf("%w: relay %s: %v", domain.ErrTransient, method, rpcResp.Error)
		}
		return fmt.Errorf("%w: relay %s: %v", domain.ErrChainExecution, method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%w: relay %s returned empty result", domain.ErrChainExecution, method)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", domain.ErrChainExecution, method, err)
	}
	return nil
}

func (c *RPCClient) transportError(method string, write bool, err error) error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	c.logger.Warn("relay call failed", "method", method, "timeout", timeout, "error", err)
	if write {
		return fmt.Errorf("%w: relay %s: %v", domain.ErrSubmissionUnknown, method, err)
	}
	return fmt.Errorf("%w: relay %s: %v", domain.ErrTransient, method, err)
}

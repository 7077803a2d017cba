package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RPCClient talks JSON-RPC to a source-ledger node over HTTP. Signing is
// delegated to the node's sign-and-submit mode, so the seed never needs a
// local keypair implementation. Each call is a fresh request; the client
// holds no session state between payments.
type RPCClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	log          *slog.Logger
}

type RPCClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
}

func NewRPCClient(cfg RPCClientConfig, log *slog.Logger) (*RPCClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger rpc url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &RPCClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		pollInterval: cfg.PollInterval,
		log:          log,
	}, nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (c *RPCClient) WalletFromSeed(ctx context.Context, seed string) (Wallet, error) {
	if seed == "" {
		return Wallet{}, fmt.Errorf("seed is required")
	}

	var result struct {
		rpcStatus
		AccountID string `json:"account_id"`
	}
	if err := c.call(ctx, "wallet_propose", map[string]any{"seed": seed}, &result); err != nil {
		return Wallet{}, fmt.Errorf("wallet_propose: %w", err)
	}
	if result.Status != "success" || result.AccountID == "" {
		return Wallet{}, fmt.Errorf("wallet_propose failed: %s", result.errorText())
	}
	return Wallet{Address: result.AccountID, Seed: seed}, nil
}

func (c *RPCClient) SubmitPayment(ctx context.Context, wallet Wallet, p Payment) (Result, error) {
	txJSON := map[string]any{
		"TransactionType": "Payment",
		"Account":         wallet.Address,
		"Destination":     p.Destination,
		"Amount":          strconv.FormatUint(p.AmountDrops, 10),
	}
	if p.MemoHex != "" {
		txJSON["Memos"] = []map[string]any{
			{"Memo": map[string]any{"MemoData": p.MemoHex}},
		}
	}

	var submitted struct {
		rpcStatus
		EngineResult string `json:"engine_result"`
		TxJSON       struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	params := map[string]any{"secret": wallet.Seed, "tx_json": txJSON, "fail_hard": true}
	if err := c.call(ctx, "submit", params, &submitted); err != nil {
		return Result{}, fmt.Errorf("submit payment: %w", err)
	}
	if submitted.Status != "success" {
		return Result{}, fmt.Errorf("submit payment failed: %s", submitted.errorText())
	}
	if submitted.EngineResult != "tesSUCCESS" {
		return Result{}, &RejectedError{EngineResult: submitted.EngineResult}
	}

	c.log.Info("payment submitted, awaiting validation",
		"hash", submitted.TxJSON.Hash,
		"destination", p.Destination,
		"drops", p.AmountDrops)

	return c.waitValidated(ctx, submitted.TxJSON.Hash)
}

// waitValidated polls the ledger until the payment reaches a terminal state.
func (c *RPCClient) waitValidated(ctx context.Context, hash string) (Result, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var tx struct {
			rpcStatus
			Validated bool `json:"validated"`
			Meta      struct {
				TransactionResult string `json:"TransactionResult"`
			} `json:"meta"`
		}
		err := c.call(ctx, "tx", map[string]any{"transaction": hash}, &tx)
		if err == nil && tx.Validated {
			if tx.Meta.TransactionResult != "tesSUCCESS" {
				return Result{}, &RejectedError{EngineResult: tx.Meta.TransactionResult}
			}
			return Result{TxHash: hash, EngineResult: tx.Meta.TransactionResult, Validated: true}, nil
		}
		if err != nil {
			c.log.Debug("tx lookup not ready", "hash", hash, "err", err)
		}

		select {
		case <-ctx.Done():
			// The payment is already on the ledger; the caller needs the
			// hash to reconcile it even though validation was not observed.
			return Result{}, fmt.Errorf("payment %s submitted but validation not observed: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger rpc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger rpc status %d: %s", resp.StatusCode, string(raw))
	}

	var envelope rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (s rpcStatus) errorText() string {
	if s.ErrorMessage != "" {
		return s.ErrorMessage
	}
	if s.Error != "" {
		return s.Error
	}
	return "unknown error"
}

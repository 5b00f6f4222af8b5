package wallet

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
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"goalpay/pkg/platform/circuit"
)

const maxResponseBytes = 1 << 20

// Config configures the provider endpoint.
type Config struct {
	BaseURL  string
	APIKey   string
	Currency string
	Chain    string
	Timeout  time.Duration
}

// HTTPClient speaks the Circle-style wallets API: wallets, deposit
// addresses, transfers and balances. Calls are never retried; the breaker
// fails them fast while the provider is unhealthy.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	currency string
	chain    string
	http     *http.Client
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(h *HTTPClient) { h.breaker = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTPClient) { h.logger = logger }
}

func NewHTTPClient(cfg Config, opts ...Option) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &HTTPClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		currency: cfg.Currency,
		chain:    cfg.Chain,
		http:     &http.Client{Timeout: timeout},
		breaker:  circuit.New("wallet"),
		logger:   slog.Default(),
	}
	if c.currency == "" {
		c.currency = "USD"
	}
	if c.chain == "" {
		c.chain = "FLOW"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateWallet opens a provider wallet labelled with description.
func (c *HTTPClient) CreateWallet(ctx context.Context, description, idempotencyKey string) (string, error) {
	const op = "create_wallet"
	res, err := c.do(ctx, op, http.MethodPost, "/v1/wallets", map[string]any{
		"idempotencyKey": idempotencyKey,
		"description":    description,
	})
	if err != nil {
		return "", err
	}
	walletID := res.Get("data.walletId").String()
	if walletID == "" {
		return "", newProviderError(ErrorBadData, op, "response has no wallet id", nil)
	}
	return walletID, nil
}

// CreateAddress generates a deposit address for walletID on the configured
// chain.
func (c *HTTPClient) CreateAddress(ctx context.Context, walletID, idempotencyKey string) (string, error) {
	const op = "create_address"
	res, err := c.do(ctx, op, http.MethodPost, "/v1/wallets/"+url.PathEscape(walletID)+"/addresses", map[string]any{
		"idempotencyKey": idempotencyKey,
		"currency":       c.currency,
		"chain":          c.chain,
	})
	if err != nil {
		return "", err
	}
	address := res.Get("data.address").String()
	if address == "" {
		return "", newProviderError(ErrorBadData, op, "response has no address", nil)
	}
	return address, nil
}

// ResolveAddress returns the wallet's deposit address on the configured
// chain, falling back to the first address listed.
func (c *HTTPClient) ResolveAddress(ctx context.Context, walletID string) (string, error) {
	const op = "resolve_address"
	res, err := c.do(ctx, op, http.MethodGet, "/v1/wallets/"+url.PathEscape(walletID)+"/addresses", nil)
	if err != nil {
		return "", err
	}
	address := res.Get(`data.#(chain=="` + c.chain + `").address`).String()
	if address == "" {
		address = res.Get("data.0.address").String()
	}
	if address == "" {
		return "", newProviderError(ErrorBadData, op, "wallet has no deposit address", nil)
	}
	return address, nil
}

// RequestTransfer asks the provider to move funds. The transfer is accepted
// only when the provider returns an id and a non-failed status.
func (c *HTTPClient) RequestTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	const op = "transfer"
	switch {
	case req.IdempotencyKey == "":
		return nil, newProviderError(ErrorRejected, op, "idempotency key is required", nil)
	case req.SourceWalletID == "" || req.DestinationAddress == "":
		return nil, newProviderError(ErrorRejected, op, "source and destination are required", nil)
	case !req.Amount.IsPositive():
		return nil, newProviderError(ErrorRejected, op, "amount must be positive", nil)
	}
	res, err := c.do(ctx, op, http.MethodPost, "/v1/transfers", map[string]any{
		"idempotencyKey": req.IdempotencyKey,
		"source": map[string]string{
			"type": "wallet",
			"id":   req.SourceWalletID,
		},
		"destination": map[string]string{
			"type":    "blockchain",
			"address": req.DestinationAddress,
			"chain":   c.chain,
		},
		"amount": map[string]string{
			"amount":   req.Amount.StringFixed(2),
			"currency": c.currency,
		},
	})
	if err != nil {
		return nil, err
	}
	transfer := &Transfer{
		ID:     res.Get("data.id").String(),
		Status: strings.ToLower(res.Get("data.status").String()),
		Amount: req.Amount,
	}
	if transfer.ID == "" {
		return nil, newProviderError(ErrorBadData, op, "payout not confirmed: no transfer id", nil)
	}
	if transfer.Status == TransferFailed {
		return nil, newProviderError(ErrorRejected, op, "payout not confirmed: transfer failed", nil)
	}
	if amt := res.Get("data.amount.amount"); amt.Exists() {
		if parsed, err := decimal.NewFromString(amt.String()); err == nil {
			transfer.Amount = parsed
		}
	}
	return transfer, nil
}

// Balance returns the wallet's balance in the configured currency. A wallet
// with no balance entries holds zero.
func (c *HTTPClient) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	const op = "balance"
	res, err := c.do(ctx, op, http.MethodGet, "/v1/wallets/"+url.PathEscape(walletID), nil)
	if err != nil {
		return decimal.Zero, err
	}
	amount := res.Get(`data.balances.#(currency=="` + c.currency + `").amount`)
	if !amount.Exists() {
		return decimal.Zero, nil
	}
	balance, err := decimal.NewFromString(amount.String())
	if err != nil {
		return decimal.Zero, newProviderError(ErrorBadData, op, "unparseable balance", err)
	}
	return balance, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body any) (gjson.Result, error) {
	if !c.breaker.Allow() {
		return gjson.Result{}, newProviderError(ErrorProviderOutage, op, "circuit open", nil)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		category := ErrorProviderOutage
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			category = ErrorTimeout
		}
		c.recordFailure(ctx, op)
		return gjson.Result{}, newProviderError(category, op, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.recordFailure(ctx, op)
		return gjson.Result{}, newProviderError(ErrorProviderOutage, op, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		category := categoryForStatus(resp.StatusCode)
		if category == ErrorProviderOutage || category == ErrorRateLimited {
			c.recordFailure(ctx, op)
		} else {
			c.recordSuccess()
		}
		pe := newProviderError(category, op, providerMessage(raw), nil)
		pe.StatusCode = resp.StatusCode
		return gjson.Result{}, pe
	}
	c.recordSuccess()

	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, newProviderError(ErrorBadData, op, "response is not valid JSON", nil)
	}
	return gjson.ParseBytes(raw), nil
}

// providerMessage extracts the provider's error message when there is one.
func providerMessage(raw []byte) string {
	if msg := gjson.GetBytes(raw, "message").String(); msg != "" {
		return msg
	}
	return "unexpected status"
}

func (c *HTTPClient) recordFailure(ctx context.Context, op string) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "wallet provider circuit opened",
			"breaker", c.breaker.Name(),
			"op", op,
		)
	}
}

func (c *HTTPClient) recordSuccess() {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.Info("wallet provider circuit closed", "breaker", c.breaker.Name())
	}
}

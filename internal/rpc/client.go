package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/retry"
)

// Client is an HTTP client with retry and timeout support for Solana RPC
type Client struct {
	httpClient *http.Client
	baseURL    string
	policy     retry.Policy
	logger     *logrus.Logger
	nextID     atomic.Uint64
}

// ClientConfig holds configuration for the RPC client
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *logrus.Logger
}

// StatusError is a non-200 HTTP response from the RPC endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.StatusCode == http.StatusTooManyRequests {
		return "rate limited (429)"
	}
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// NewClient creates a new RPC client with retry support
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	policy := retry.Default()
	if cfg.MaxRetries >= 0 {
		policy.MaxAttempts = cfg.MaxRetries + 1
	}
	if cfg.RetryBackoff > 0 {
		policy.BaseDelay = cfg.RetryBackoff
	}
	policy.Retryable = IsTransient

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: cfg.BaseURL,
		logger:  cfg.Logger,
	}

	policy.OnRetry = func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"backoff": wait,
			"error":   err.Error(),
		}).Debug("retrying RPC call")
	}
	c.policy = policy
	return c
}

// IsTransient reports whether err is worth retrying: network failures,
// rate limiting and server errors.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// Call makes a JSON-RPC call with retry logic
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	return c.CallURL(ctx, c.baseURL, method, params, result)
}

// CallURL is Call against a different endpoint sharing this client's
// transport and retry policy.
func (c *Client) CallURL(ctx context.Context, url, method string, params interface{}, result interface{}) error {
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp []byte
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		var rerr error
		resp, rerr = c.doRequest(ctx, url, data)
		return rerr
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	if err := json.Unmarshal(resp, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

func (c *Client) doRequest(ctx context.Context, url string, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, nil
}

// SignatureOptions narrows getSignaturesForAddress.
type SignatureOptions struct {
	Limit  int
	Before string
	Until  string
}

// GetSignaturesForAddress fetches recent signatures for an address, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts SignatureOptions) ([]SignatureInfo, error) {
	o := map[string]interface{}{"commitment": "confirmed"}
	if opts.Limit > 0 {
		o["limit"] = opts.Limit
	}
	if opts.Before != "" {
		o["before"] = opts.Before
	}
	if opts.Until != "" {
		o["until"] = opts.Until
	}

	var result SignaturesResponse
	if err := c.Call(ctx, "getSignaturesForAddress", []interface{}{address, o}, &result); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, result.Error
	}

	return result.Result, nil
}

// GetTransaction fetches full transaction details. A nil result with no error
// means the node does not have the transaction (yet).
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionResult, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}

	var result TransactionResponse
	if err := c.Call(ctx, "getTransaction", params, &result); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, result.Error
	}

	return result.Result, nil
}

// GetTokenAccountBalance returns the balance of an SPL token account.
func (c *Client) GetTokenAccountBalance(ctx context.Context, account string) (*TokenAmount, error) {
	params := []interface{}{account, map[string]interface{}{"commitment": "confirmed"}}

	var result TokenAccountBalanceResponse
	if err := c.Call(ctx, "getTokenAccountBalance", params, &result); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, result.Error
	}
	if result.Result == nil {
		return nil, fmt.Errorf("token account %s: empty result", account)
	}

	return &result.Result.Value, nil
}

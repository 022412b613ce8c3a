package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	limiter *rate.Limiter
}

func NewClient(baseURL, apiKey string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.jup.ag/swap/v1"
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  strings.TrimSpace(apiKey),
		HTTP: &http.Client{
			Timeout: 12 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(1), 1),
	}
}

type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	b := strings.TrimSpace(string(e.Body))
	if b == "" {
		return fmt.Sprintf("jupiter http %d", e.StatusCode)
	}
	return fmt.Sprintf("jupiter http %d: %s", e.StatusCode, b)
}

func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	if strings.TrimSpace(req.InputMint) == "" {
		return nil, fmt.Errorf("inputMint is required")
	}
	if strings.TrimSpace(req.OutputMint) == "" {
		return nil, fmt.Errorf("outputMint is required")
	}
	if strings.TrimSpace(req.Amount) == "" {
		return nil, fmt.Errorf("amount is required")
	}

	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", req.Amount)

	if req.SlippageBps != nil {
		q.Set("slippageBps", fmt.Sprintf("%d", *req.SlippageBps))
	}
	if req.SwapMode != "" {
		q.Set("swapMode", req.SwapMode)
	}
	if req.RestrictIntermediateTokens != nil {
		q.Set("restrictIntermediateTokens", fmt.Sprintf("%t", *req.RestrictIntermediateTokens))
	}
	if req.OnlyDirectRoutes != nil {
		q.Set("onlyDirectRoutes", fmt.Sprintf("%t", *req.OnlyDirectRoutes))
	}
	if req.MaxAccounts != nil {
		q.Set("maxAccounts", fmt.Sprintf("%d", *req.MaxAccounts))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.BaseURL + "/quote?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("accept", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.APIKey)
	}

	res, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: res.StatusCode, Body: body}
	}

	var out QuoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode jupiter quote response: %w", err)
	}
	return &out, nil
}

// PriceUSD derives a unit USD price for mint from a quote selling one whole
// token (10^decimals raw units) into USDC.
func (c *Client) PriceUSD(ctx context.Context, mint string, decimals int) (float64, error) {
	if mint == constants.USDCMint {
		return 1, nil
	}
	if decimals < 0 || decimals > 19 {
		return 0, fmt.Errorf("unsupported decimals %d for %s", decimals, mint)
	}

	restrict := true
	quote, err := c.Quote(ctx, QuoteRequest{
		InputMint:                  mint,
		OutputMint:                 constants.USDCMint,
		Amount:                     strconv.FormatUint(pow10(decimals), 10),
		SwapMode:                   "ExactIn",
		RestrictIntermediateTokens: &restrict,
	})
	if err != nil {
		return 0, err
	}

	out, err := strconv.ParseUint(quote.OutAmount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid outAmount %q: %w", quote.OutAmount, err)
	}
	if out == 0 {
		return 0, fmt.Errorf("empty route for %s", mint)
	}
	return float64(out) / math.Pow10(constants.USDCDecimals), nil
}

func pow10(n int) uint64 {
	v := uint64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

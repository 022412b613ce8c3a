// Package dexscreener reads token pair prices from the DexScreener public API.
package dexscreener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// MaxTokensPerRequest is the API's cap on comma-joined token addresses.
const MaxTokensPerRequest = 30

type Client struct {
	BaseURL string
	HTTP    *http.Client

	limiter *rate.Limiter
}

func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com"
	}
	return &Client{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
		// published limit is 300 requests per minute
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	b := strings.TrimSpace(string(e.Body))
	if b == "" {
		return fmt.Sprintf("dexscreener http %d", e.StatusCode)
	}
	return fmt.Sprintf("dexscreener http %d: %s", e.StatusCode, b)
}

// TokenPairs returns all pairs for up to MaxTokensPerRequest token addresses.
func (c *Client) TokenPairs(ctx context.Context, mints []string) ([]Pair, error) {
	if len(mints) == 0 {
		return nil, nil
	}
	if len(mints) > MaxTokensPerRequest {
		return nil, fmt.Errorf("at most %d tokens per request, got %d", MaxTokensPerRequest, len(mints))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.BaseURL + "/latest/dex/tokens/" + strings.Join(mints, ",")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: res.StatusCode, Body: body}
	}

	var out TokensResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode dexscreener response: %w", err)
	}
	return out.Pairs, nil
}

// Quote is the USD price chosen for one mint.
type Quote struct {
	PriceUSD  float64
	Liquidity float64
	Volume24h float64
	PairURL   string
}

// PricesUSD picks, for every requested mint, the pair with the highest
// 24h volume where the mint is the base token. Mints without a usable pair
// are absent from the result.
func (c *Client) PricesUSD(ctx context.Context, mints []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(mints))

	for start := 0; start < len(mints); start += MaxTokensPerRequest {
		end := start + MaxTokensPerRequest
		if end > len(mints) {
			end = len(mints)
		}
		pairs, err := c.TokenPairs(ctx, mints[start:end])
		if err != nil {
			return nil, err
		}
		for mint, q := range BestByVolume(pairs, mints[start:end]) {
			out[mint] = q
		}
	}
	return out, nil
}

// BestByVolume selects the highest 24h-volume pair per base mint.
func BestByVolume(pairs []Pair, mints []string) map[string]Quote {
	want := make(map[string]bool, len(mints))
	for _, m := range mints {
		want[m] = true
	}

	out := make(map[string]Quote)
	for _, p := range pairs {
		if !want[p.BaseToken.Address] {
			continue
		}
		price, err := strconv.ParseFloat(p.PriceUSD, 64)
		if err != nil || price <= 0 {
			continue
		}
		cur, seen := out[p.BaseToken.Address]
		if seen && p.Volume.H24 <= cur.Volume24h {
			continue
		}
		q := Quote{PriceUSD: price, Volume24h: p.Volume.H24, PairURL: p.URL}
		if p.Liquidity != nil {
			q.Liquidity = p.Liquidity.USD
		}
		out[p.BaseToken.Address] = q
	}
	return out
}

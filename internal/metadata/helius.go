package metadata

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"
)

// RPCCaller is the JSON-RPC transport the metadata API client rides on.
type RPCCaller interface {
	CallURL(ctx context.Context, url, method string, params interface{}, result interface{}) error
}

// HeliusClient resolves token identity through the DAS getAsset method.
type HeliusClient struct {
	rpc      RPCCaller
	endpoint string
}

// NewHeliusClient returns nil when no API key is configured, which disables
// the stage.
func NewHeliusClient(caller RPCCaller, baseURL, apiKey string) *HeliusClient {
	if apiKey == "" || baseURL == "" {
		return nil
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/?api-key=" + url.QueryEscape(apiKey)
	return &HeliusClient{rpc: caller, endpoint: endpoint}
}

type assetResponse struct {
	Result *struct {
		Content struct {
			Metadata struct {
				Name   string `json:"name"`
				Symbol string `json:"symbol"`
			} `json:"metadata"`
			Links struct {
				Image string `json:"image"`
			} `json:"links"`
		} `json:"content"`
		TokenInfo *struct {
			Symbol   string `json:"symbol"`
			Decimals *int   `json:"decimals"`
		} `json:"token_info"`
	} `json:"result"`
	Error *rpc.RPCError `json:"error"`
}

// GetAsset returns the token described by the asset API, or nil when the
// asset is unknown or carries no usable symbol.
func (h *HeliusClient) GetAsset(ctx context.Context, mint string) (*models.Token, error) {
	var resp assetResponse
	if err := h.rpc.CallURL(ctx, h.endpoint, "getAsset", map[string]string{"id": mint}, &resp); err != nil {
		return nil, fmt.Errorf("getAsset %s: %w", mint, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Result == nil {
		return nil, nil
	}

	r := resp.Result
	symbol := strings.TrimSpace(r.Content.Metadata.Symbol)
	if symbol == "" && r.TokenInfo != nil {
		symbol = strings.TrimSpace(r.TokenInfo.Symbol)
	}
	if symbol == "" {
		return nil, nil
	}

	t := &models.Token{
		Mint:     mint,
		Symbol:   symbol,
		Name:     strings.TrimSpace(r.Content.Metadata.Name),
		Decimals: -1,
	}
	if t.Name == "" {
		t.Name = symbol
	}
	if r.TokenInfo != nil && r.TokenInfo.Decimals != nil {
		t.Decimals = *r.TokenInfo.Decimals
	}
	if img := strings.TrimSpace(r.Content.Links.Image); img != "" {
		t.LogoURI = &img
	}
	return t, nil
}

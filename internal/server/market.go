package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/registry"
)

// QuotePrices resolves USD quotes for up to 100 mints. Mints without any price are
// left out of the response.
func (h *Handlers) QuotePrices(c echo.Context) error {
	var req PricesRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	seen := make(map[string]bool, len(req.Mints))
	mints := make([]string, 0, len(req.Mints))
	for _, m := range req.Mints {
		m = strings.TrimSpace(m)
		if registry.ValidateAddress(m) != nil {
			return h.err(c, http.StatusBadRequest, "invalid mints", map[string]any{"mint": m})
		}
		if !seen[m] {
			seen[m] = true
			mints = append(mints, m)
		}
	}
	if len(mints) == 0 || len(mints) > maxPriceMints {
		return h.err(c, http.StatusBadRequest, "invalid mints", map[string]any{"mints": "1 to 100 addresses"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	quotes, err := h.Prices.GetPrices(ctx, mints)
	if err != nil && len(quotes) == 0 {
		return h.internal(c, "failed to get prices", err)
	}

	out := make(map[string]PriceResponse, len(quotes))
	for m, q := range quotes {
		out[m] = PriceResponse{Price: q.Price, Source: q.Source, Timestamp: q.Timestamp}
	}
	return c.JSON(http.StatusOK, out)
}

// NativePrice returns the SOL/USD quote.
func (h *Handlers) NativePrice(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	q, err := h.Prices.NativePrice(ctx)
	if err != nil {
		return h.internal(c, "failed to get native price", err)
	}
	return c.JSON(http.StatusOK, PriceResponse{Price: q.Price, Source: q.Source, Timestamp: q.Timestamp})
}

// TokensPnL returns a snapshot for every token the scope touched, optionally
// only within the last N hours.
func (h *Handlers) TokensPnL(c echo.Context) error {
	scope, err := parseScope(c)
	if err != nil {
		return h.badParam(c, err)
	}
	since, err := parseSince(c)
	if err != nil {
		return h.badParam(c, err)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	items, err := h.PnL.ComputeAll(ctx, scope, since)
	if err != nil {
		return h.internal(c, "failed to compute pnl", err)
	}
	return c.JSON(http.StatusOK, ItemsResponse[*models.PnLSnapshot]{Items: items})
}

// TokenPnL returns the snapshot for one mint.
func (h *Handlers) TokenPnL(c echo.Context) error {
	mint := strings.TrimSpace(c.Param("mint"))
	if registry.ValidateAddress(mint) != nil {
		return h.err(c, http.StatusBadRequest, "invalid mint", nil)
	}
	scope, err := parseScope(c)
	if err != nil {
		return h.badParam(c, err)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	snap, err := h.PnL.ComputeTokenPnL(ctx, scope, mint)
	if err != nil {
		return h.internal(c, "failed to compute pnl", err)
	}
	return c.JSON(http.StatusOK, snap)
}

package server

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/ai"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/flags"
)

// FlagsUpsert creates or updates a feature flag with the given key and value
func (h *Handlers) FlagsUpsert(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	var req FlagUpsertRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	if err := flags.ValidateKey(req.Key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Upsert(ctx, req.Key, req.Value)
	if err != nil {
		return h.internal(c, "failed to upsert flag", err)
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsUpdate updates an existing feature flag with the given key
func (h *Handlers) FlagsUpdate(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}
	var req FlagUpdateRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Upsert(ctx, key, req.Value)
	if err != nil {
		return h.internal(c, "failed to update flag", err)
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsGet retrieves a feature flag by its key
func (h *Handlers) FlagsGet(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Get(ctx, key)
	if err != nil {
		if errors.Is(err, flags.ErrNotFound) {
			return h.err(c, http.StatusNotFound, "flag not found", nil)
		}
		return h.internal(c, "failed to get flag", err)
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsList returns stored flags plus the known runtime switches that were
// never set, so operators can see every toggle.
func (h *Handlers) FlagsList(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Flags.List(ctx)
	if err != nil {
		return h.internal(c, "failed to list flags", err)
	}

	set := make(map[string]bool, len(items))
	for _, f := range items {
		set[f.Key] = true
	}
	for _, d := range flags.Known {
		if !set[d.Key] {
			items = append(items, &flags.Flag{Key: d.Key, Value: d.Default, Default: d.Default})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return c.JSON(http.StatusOK, ItemsResponse[*flags.Flag]{Items: items})
}

// FlagsDelete removes a feature flag by its key, reverting it to its default
func (h *Handlers) FlagsDelete(c echo.Context) error {
	if h.Flags == nil {
		return h.err(c, http.StatusServiceUnavailable, "flags are not configured", nil)
	}
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := h.Flags.Delete(ctx, key); err != nil {
		return h.internal(c, "failed to delete flag", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AIAsk answers a natural language question over the trade archive.
// Supports optional model override for one-off requests.
func (h *Handlers) AIAsk(c echo.Context) error {
	if h.AI == nil {
		return h.err(c, http.StatusBadRequest, "ai is not configured", nil)
	}

	var req AIAskRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return h.err(c, http.StatusBadRequest, "question is required", map[string]any{"question": "required"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 45*time.Second)
	defer cancel()

	start := time.Now()

	agent := h.AI
	if m := strings.TrimSpace(req.Model); m != "" && h.AIBaseConfig.OpenRouterAPIKey != "" {
		cfg := h.AIBaseConfig
		cfg.Model = m
		tmp, err := ai.NewAgent(ctx, cfg)
		if err != nil {
			return h.internal(c, "failed to create ai agent", err)
		}
		defer tmp.Close()
		agent = tmp
	}

	res, err := agent.Ask(ctx, req.Question)
	if err != nil {
		if errors.Is(err, ai.ErrUnsafeQuery) {
			return h.err(c, http.StatusUnprocessableEntity, "question could not be answered safely", map[string]any{"err": err.Error()})
		}
		return h.internal(c, "ai ask failed", err)
	}

	return c.JSON(http.StatusOK, AIAskResponse{SQL: res.SQL, Answer: res.Answer, TookMs: time.Since(start).Milliseconds()})
}

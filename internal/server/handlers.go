package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/ai"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/flags"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/registry"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

const (
	defaultTxLimit = 100
	maxTxLimit     = 500
	maxHours       = 24 * 365
	maxPriceMints  = 100
)

// WalletService is the wallet registry.
type WalletService interface {
	AddWallet(ctx context.Context, address string, name *string, groupID *int64) (*models.Wallet, error)
	RemoveWallet(ctx context.Context, address string) error
	RemoveAllWallets(ctx context.Context, groupID *int64) (int, error)
	ListActiveWallets(ctx context.Context, groupID *int64) ([]*models.Wallet, error)
	CreateGroup(ctx context.Context, name string) (*models.Group, error)
	ListGroups(ctx context.Context) ([]*models.Group, error)
}

// PriceService resolves USD quotes.
type PriceService interface {
	GetPrices(ctx context.Context, mints []string) (map[string]models.PriceQuote, error)
	NativePrice(ctx context.Context) (models.PriceQuote, error)
}

// PnLService computes cost basis snapshots.
type PnLService interface {
	ComputeTokenPnL(ctx context.Context, scope models.Scope, mint string) (*models.PnLSnapshot, error)
	ComputeAll(ctx context.Context, scope models.Scope, since *time.Time) ([]*models.PnLSnapshot, error)
}

// TransactionFeed is the subscribe side of the live broker.
type TransactionFeed interface {
	Subscribe(ctx context.Context, groupID *int64) (<-chan *models.Transaction, error)
}

// FlagStore is the runtime feature flag store.
type FlagStore interface {
	Upsert(ctx context.Context, key string, value bool) (*flags.Flag, error)
	Get(ctx context.Context, key string) (*flags.Flag, error)
	List(ctx context.Context) ([]*flags.Flag, error)
	Delete(ctx context.Context, key string) error
}

// Asker answers natural language questions about the trade archive.
type Asker interface {
	Ask(ctx context.Context, question string) (*ai.AskResult, error)
}

// Handlers contains all dependencies for API endpoint handlers
type Handlers struct {
	Wallets      WalletService
	Stats        storage.StatsStore
	Transactions storage.TransactionStore
	Feed         TransactionFeed
	Prices       PriceService
	PnL          PnLService
	Flags        FlagStore      // optional
	AI           Asker          // optional
	AIBaseConfig ai.AgentConfig // used to build one-off agents for a model override
	DevMode      bool           // Enable detailed error responses in development
	Metrics      *metrics.Metrics
	Logger       *logrus.Logger
}

// err returns a standardized JSON error response
// In dev mode, includes additional error details for debugging
func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

// internal logs cause and answers 500.
func (h *Handlers) internal(c echo.Context, msg string, cause error) error {
	h.Logger.WithError(cause).WithField("path", c.Path()).Error(msg)
	return h.err(c, http.StatusInternalServerError, msg, map[string]any{"err": cause.Error()})
}

// withTimeout creates a context with timeout, defaulting to 10 seconds if duration <= 0
func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// Health returns a simple health check endpoint
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{OK: true})
}

type paramError struct {
	name   string
	reason string
}

func (e *paramError) Error() string { return e.name + ": " + e.reason }

func (h *Handlers) badParam(c echo.Context, err error) error {
	var pe *paramError
	if errors.As(err, &pe) {
		return h.err(c, http.StatusBadRequest, "invalid "+pe.name, map[string]any{pe.name: pe.reason})
	}
	return h.err(c, http.StatusBadRequest, "invalid request", nil)
}

func parseGroupID(c echo.Context) (*int64, error) {
	v := strings.TrimSpace(c.QueryParam("groupId"))
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return nil, &paramError{"groupId", "must be a positive integer"}
	}
	return &id, nil
}

// parseSince turns ?hours=N into a lower time bound; nil when absent.
func parseSince(c echo.Context) (*time.Time, error) {
	v := strings.TrimSpace(c.QueryParam("hours"))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxHours {
		return nil, &paramError{"hours", "min 1 max 8760"}
	}
	since := time.Now().UTC().Add(-time.Duration(n) * time.Hour)
	return &since, nil
}

func parseScope(c echo.Context) (models.Scope, error) {
	groupID, err := parseGroupID(c)
	if err != nil {
		return models.Scope{}, err
	}
	wallet := strings.TrimSpace(c.QueryParam("wallet"))
	if wallet != "" && registry.ValidateAddress(wallet) != nil {
		return models.Scope{}, &paramError{"wallet", "must be a base58 address"}
	}
	return models.Scope{GroupID: groupID, WalletAddress: wallet}, nil
}

// AddWallet registers a wallet, or reactivates it when already known.
func (h *Handlers) AddWallet(c echo.Context) error {
	var req AddWalletRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	req.Address = strings.TrimSpace(req.Address)

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	w, err := h.Wallets.AddWallet(ctx, req.Address, req.Name, req.GroupID)
	switch {
	case errors.Is(err, registry.ErrInvalidAddress):
		return h.err(c, http.StatusBadRequest, "invalid address", map[string]any{"address": "must be a base58 public key"})
	case errors.Is(err, storage.ErrInvalidInput):
		return h.err(c, http.StatusBadRequest, "invalid groupId", map[string]any{"groupId": "unknown group"})
	case err != nil:
		return h.internal(c, "failed to add wallet", err)
	}
	return c.JSON(http.StatusOK, w)
}

// RemoveWallet stops monitoring one wallet.
func (h *Handlers) RemoveWallet(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	err := h.Wallets.RemoveWallet(ctx, c.Param("address"))
	switch {
	case errors.Is(err, registry.ErrInvalidAddress):
		return h.err(c, http.StatusBadRequest, "invalid address", nil)
	case errors.Is(err, storage.ErrNotFound):
		return h.err(c, http.StatusNotFound, "wallet not found", nil)
	case err != nil:
		return h.internal(c, "failed to remove wallet", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RemoveAllWallets stops monitoring every wallet, or every wallet of a group.
func (h *Handlers) RemoveAllWallets(c echo.Context) error {
	groupID, err := parseGroupID(c)
	if err != nil {
		return h.badParam(c, err)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	n, err := h.Wallets.RemoveAllWallets(ctx, groupID)
	if err != nil {
		return h.internal(c, "failed to remove wallets", err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

// ListWallets returns active wallets with their materialized stats.
func (h *Handlers) ListWallets(c echo.Context) error {
	groupID, err := parseGroupID(c)
	if err != nil {
		return h.badParam(c, err)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	wallets, err := h.Wallets.ListActiveWallets(ctx, groupID)
	if err != nil {
		return h.internal(c, "failed to list wallets", err)
	}

	if h.Stats != nil && len(wallets) > 0 {
		ids := make([]int64, 0, len(wallets))
		for _, w := range wallets {
			ids = append(ids, w.ID)
		}
		stats, err := h.Stats.GetWalletStats(ctx, ids)
		if err != nil {
			return h.internal(c, "failed to load wallet stats", err)
		}
		for _, w := range wallets {
			w.Stats = stats[w.ID]
		}
	}
	return c.JSON(http.StatusOK, ItemsResponse[*models.Wallet]{Items: wallets})
}

func (h *Handlers) CreateGroup(c echo.Context) error {
	var req CreateGroupRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	g, err := h.Wallets.CreateGroup(ctx, req.Name)
	switch {
	case errors.Is(err, registry.ErrInvalidName):
		return h.err(c, http.StatusBadRequest, "invalid name", map[string]any{"name": "1 to 100 characters"})
	case errors.Is(err, storage.ErrDuplicateKey):
		return h.err(c, http.StatusConflict, "group already exists", nil)
	case err != nil:
		return h.internal(c, "failed to create group", err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handlers) ListGroups(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	groups, err := h.Wallets.ListGroups(ctx)
	if err != nil {
		return h.internal(c, "failed to list groups", err)
	}
	return c.JSON(http.StatusOK, ItemsResponse[*models.Group]{Items: groups})
}

// ListTransactions returns transactions newest first with operations and
// token metadata inlined.
// Accepts hours, type (buy|sell), groupId and limit (default 100, max 500).
func (h *Handlers) ListTransactions(c echo.Context) error {
	f := models.TransactionFilter{Limit: defaultTxLimit}

	var err error
	if f.Since, err = parseSince(c); err != nil {
		return h.badParam(c, err)
	}
	if f.GroupID, err = parseGroupID(c); err != nil {
		return h.badParam(c, err)
	}
	if t := models.TxType(strings.TrimSpace(c.QueryParam("type"))); t != "" {
		if !t.Valid() {
			return h.err(c, http.StatusBadRequest, "invalid type", map[string]any{"type": "buy or sell"})
		}
		f.Type = t
	}
	if v := strings.TrimSpace(c.QueryParam("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTxLimit {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 500"})
		}
		f.Limit = n
	}
	if w := strings.TrimSpace(c.QueryParam("wallet")); w != "" {
		if registry.ValidateAddress(w) != nil {
			return h.err(c, http.StatusBadRequest, "invalid wallet", nil)
		}
		f.Wallet = w
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	items, err := h.Transactions.List(ctx, f)
	if err != nil {
		return h.internal(c, "failed to list transactions", err)
	}
	return c.JSON(http.StatusOK, ItemsResponse[*models.Transaction]{Items: items})
}

// StreamTransactions pushes newly persisted transactions as NDJSON, one per
// line, until the client goes away. Nothing is replayed on connect.
func (h *Handlers) StreamTransactions(c echo.Context) error {
	groupID, err := parseGroupID(c)
	if err != nil {
		return h.badParam(c, err)
	}

	ctx := c.Request().Context()
	ch, err := h.Feed.Subscribe(ctx, groupID)
	if err != nil {
		return h.internal(c, "failed to subscribe", err)
	}

	id := uuid.NewString()
	log := h.Logger.WithField("subscriber", id)
	log.Info("stream subscriber connected")
	defer log.Info("stream subscriber disconnected")

	// the server write timeout would otherwise cut long-lived streams
	_ = http.NewResponseController(c.Response().Writer).SetWriteDeadline(time.Time{})

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.Header().Set("X-Subscriber-Id", id)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	enc := json.NewEncoder(res)
	for {
		select {
		case <-ctx.Done():
			return nil
		case tx, ok := <-ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(tx); err != nil {
				log.WithError(err).Debug("stream write failed")
				return nil
			}
			res.Flush()
		}
	}
}

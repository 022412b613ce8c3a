package pnl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// PriceReader is the read side of the price resolver.
type PriceReader interface {
	GetPrices(ctx context.Context, mints []string) (map[string]models.PriceQuote, error)
	NativePrice(ctx context.Context) (models.PriceQuote, error)
}

// TokenReader attaches token identity to snapshots.
type TokenReader interface {
	GetTokenInfos(ctx context.Context, mints []string, observedDecimals map[string]int) (map[string]*models.Token, error)
}

type AggregatorConfig struct {
	Transactions storage.TransactionStore
	Prices       PriceReader
	Tokens       TokenReader // optional
	Logger       *logrus.Logger
}

// Aggregator reads raw flows from the store and prices them at read time.
type Aggregator struct {
	txs    storage.TransactionStore
	prices PriceReader
	tokens TokenReader
	logger *logrus.Logger
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Aggregator{
		txs:    cfg.Transactions,
		prices: cfg.Prices,
		tokens: cfg.Tokens,
		logger: cfg.Logger,
	}
}

// ComputeTokenPnL returns the pooled snapshot of mint over scope. A mint the
// scope never traded yields an all-zero snapshot.
func (a *Aggregator) ComputeTokenPnL(ctx context.Context, scope models.Scope, mint string) (*models.PnLSnapshot, error) {
	out, err := a.compute(ctx, scope, []string{mint})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ComputeAll returns a snapshot for every mint the scope touched since the
// given time (all time when nil), ordered by mint.
func (a *Aggregator) ComputeAll(ctx context.Context, scope models.Scope, since *time.Time) ([]*models.PnLSnapshot, error) {
	mints, err := a.txs.TouchedMints(ctx, scope, since)
	if err != nil {
		return nil, fmt.Errorf("touched mints: %w", err)
	}
	if len(mints) == 0 {
		return []*models.PnLSnapshot{}, nil
	}
	return a.compute(ctx, scope, mints)
}

func (a *Aggregator) compute(ctx context.Context, scope models.Scope, mints []string) ([]*models.PnLSnapshot, error) {
	sorted := append([]string(nil), mints...)
	sort.Strings(sorted)

	flows, err := a.txs.TokenFlows(ctx, scope, sorted)
	if err != nil {
		return nil, fmt.Errorf("token flows: %w", err)
	}
	byMint := make(map[string][]*models.TokenFlow, len(sorted))
	for _, f := range flows {
		byMint[f.Mint] = append(byMint[f.Mint], f)
	}

	native, nativeOK := a.nativeQuote(ctx)
	quotes := a.tokenQuotes(ctx, sorted)

	var tokens map[string]*models.Token
	if a.tokens != nil {
		tokens, err = a.tokens.GetTokenInfos(ctx, sorted, nil)
		if err != nil {
			a.logger.WithError(err).Warn("pnl: token metadata unavailable")
		}
	}

	now := time.Now().UTC()
	out := make([]*models.PnLSnapshot, 0, len(sorted))
	for _, mint := range sorted {
		snap := Pool(mint, byMint[mint])
		snap.ComputedAt = now
		if t, ok := tokens[mint]; ok {
			snap.Token = t
		}

		var priceNative *decimal.Decimal
		if q, ok := quotes[mint]; ok {
			q := q
			snap.TokenPrice = &q
			if nativeOK {
				p := decimal.NewFromFloat(q.Price).Div(decimal.NewFromFloat(native.Price))
				priceNative = &p
			}
		}
		Compute(&snap, priceNative)

		if nativeOK {
			n := native
			snap.NativePrice = &n
			ConvertUSD(&snap, decimal.NewFromFloat(native.Price))
		}
		out = append(out, &snap)
	}
	return out, nil
}

func (a *Aggregator) nativeQuote(ctx context.Context) (models.PriceQuote, bool) {
	q, err := a.prices.NativePrice(ctx)
	if err != nil || q.Price <= 0 {
		a.logger.WithError(err).Warn("pnl: native price unavailable")
		return models.PriceQuote{}, false
	}
	return q, true
}

func (a *Aggregator) tokenQuotes(ctx context.Context, mints []string) map[string]models.PriceQuote {
	quotes, err := a.prices.GetPrices(ctx, mints)
	if err != nil {
		a.logger.WithError(err).Warn("pnl: token prices unavailable")
	}
	if quotes == nil {
		quotes = map[string]models.PriceQuote{}
	}
	return quotes
}

package pnl

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage/memory"
)

const (
	mint    = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	walletA = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	walletB = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "%s: want %s got %s", field, want, got)
}

func TestCompute_CapsSoldAtBought(t *testing.T) {
	s := Pool(mint, []*models.TokenFlow{{
		WalletID: 1, Mint: mint,
		Bought: d("100"), SpentNative: d("10"),
		Sold: d("150"), ReceivedNative: d("30"),
	}})
	Compute(&s, dp("0.5"))

	assertDec(t, "0.1", s.AvgBuyPrice, "avg")
	assertDec(t, "100", s.SoldTokens, "sold")
	assertDec(t, "0", s.CurrentHoldings, "holdings")
	assertDec(t, "20", s.RealizedPnL, "realized")
	assertDec(t, "0", s.UnrealizedPnL, "unrealized")
	assertDec(t, "20", s.TotalPnL, "total")
}

func TestCompute_NoSalesNoRealized(t *testing.T) {
	s := Pool(mint, []*models.TokenFlow{{WalletID: 1, Mint: mint, Bought: d("10"), SpentNative: d("2")}})
	Compute(&s, dp("0.3"))

	assertDec(t, "0", s.RealizedPnL, "realized")
	assertDec(t, "1", s.UnrealizedPnL, "unrealized")

	// without a current price holdings carry no unrealized figure
	Compute(&s, nil)
	assertDec(t, "0", s.UnrealizedPnL, "unrealized without price")
	assert.Nil(t, s.CurrentPriceNative)
}

func TestCompute_SellWithoutBuys(t *testing.T) {
	s := Pool(mint, []*models.TokenFlow{{WalletID: 1, Mint: mint, Sold: d("5"), ReceivedNative: d("1")}})
	Compute(&s, dp("1"))

	assertDec(t, "0", s.AvgBuyPrice, "avg")
	assertDec(t, "0", s.SoldTokens, "sold")
	assertDec(t, "0", s.RealizedPnL, "realized")
	assertDec(t, "0", s.CurrentHoldings, "holdings")
}

func TestPool_CostBasisAcrossWallets(t *testing.T) {
	flows := []*models.TokenFlow{
		{WalletID: 1, Mint: mint, Bought: d("10"), SpentNative: d("1")},
		{WalletID: 2, Mint: mint, Bought: d("10"), SpentNative: d("3"), Sold: d("5"), ReceivedNative: d("2")},
		{WalletID: 2, Mint: "other", Bought: d("999"), SpentNative: d("999")},
	}
	s := Pool(mint, flows)
	Compute(&s, dp("0.25"))

	assert.Equal(t, 2, s.WalletCount)
	assertDec(t, "0.2", s.AvgBuyPrice, "pooled avg")
	// pooled: 2 - 5*0.2; per-wallet math would give 2 - 5*0.3
	assertDec(t, "1", s.RealizedPnL, "realized")
	assertDec(t, "15", s.CurrentHoldings, "holdings")
	assertDec(t, "0.75", s.UnrealizedPnL, "unrealized")
	assertDec(t, "1.75", s.TotalPnL, "total")

	ConvertUSD(&s, d("150"))
	require.NotNil(t, s.RealizedPnLUSD)
	assertDec(t, "150", *s.RealizedPnLUSD, "realized usd")
	assertDec(t, "262.5", *s.TotalPnLUSD, "total usd")
}

type fixedPrices struct {
	native float64
	tokens map[string]float64
}

func (f fixedPrices) GetPrices(_ context.Context, mints []string) (map[string]models.PriceQuote, error) {
	out := make(map[string]models.PriceQuote)
	for _, m := range mints {
		if p, ok := f.tokens[m]; ok {
			out[m] = models.PriceQuote{Mint: m, Price: p, Source: models.PriceSourceAggregator1}
		}
	}
	return out, nil
}

func (f fixedPrices) NativePrice(context.Context) (models.PriceQuote, error) {
	return models.PriceQuote{Price: f.native, Source: models.PriceSourcePools}, nil
}

func saveTx(t *testing.T, store *memory.Store, walletID int64, sig string, typ models.TxType, sol, amount string) {
	t.Helper()
	_, created, err := store.Save(context.Background(), &models.Transaction{
		WalletID:  walletID,
		Signature: sig,
		BlockTime: time.Now().UTC(),
		Type:      typ,
		SolAmount: d(sol),
		Operations: []models.TokenOperation{{
			Mint: mint, Amount: d(amount), OperationType: typ,
			Token: &models.Token{Mint: mint, Symbol: "BONK", Name: "Bonk", Decimals: 5},
		}},
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestAggregator_GroupScope(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	g, err := store.CreateGroup(ctx, "desk")
	require.NoError(t, err)
	a, err := store.UpsertWallet(ctx, walletA, nil, &g.ID)
	require.NoError(t, err)
	b, err := store.UpsertWallet(ctx, walletB, nil, &g.ID)
	require.NoError(t, err)

	saveTx(t, store, a.ID, "a1", models.TxTypeBuy, "1", "10")
	saveTx(t, store, b.ID, "b1", models.TxTypeBuy, "3", "10")
	saveTx(t, store, b.ID, "b2", models.TxTypeSell, "2", "5")

	agg := NewAggregator(AggregatorConfig{
		Transactions: store,
		Prices:       fixedPrices{native: 150, tokens: map[string]float64{mint: 37.5}},
		Tokens:       storeTokens{store},
	})

	snap, err := agg.ComputeTokenPnL(ctx, models.Scope{GroupID: &g.ID}, mint)
	require.NoError(t, err)
	assertDec(t, "1", snap.RealizedPnL, "realized")
	assertDec(t, "0.75", snap.UnrealizedPnL, "unrealized")
	require.NotNil(t, snap.TotalPnLUSD)
	assertDec(t, "262.5", *snap.TotalPnLUSD, "total usd")
	require.NotNil(t, snap.Token)
	assert.Equal(t, "BONK", snap.Token.Symbol)
	require.NotNil(t, snap.NativePrice)

	// single wallet scope uses only that wallet's flows
	snap, err = agg.ComputeTokenPnL(ctx, models.Scope{WalletAddress: walletB}, mint)
	require.NoError(t, err)
	assertDec(t, "0.3", snap.AvgBuyPrice, "wallet avg")
	assertDec(t, "0.5", snap.RealizedPnL, "wallet realized")

	all, err := agg.ComputeAll(ctx, models.Scope{}, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, mint, all[0].Mint)

	future := time.Now().Add(time.Hour)
	all, err = agg.ComputeAll(ctx, models.Scope{}, &future)
	require.NoError(t, err)
	assert.Empty(t, all)
}

type storeTokens struct{ s *memory.Store }

func (t storeTokens) GetTokenInfos(ctx context.Context, mints []string, _ map[string]int) (map[string]*models.Token, error) {
	return t.s.GetTokens(ctx, mints)
}

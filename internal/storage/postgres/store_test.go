package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

func buyTx(walletID int64, sig, mint string, sol, amount string, at time.Time) *models.Transaction {
	return &models.Transaction{
		WalletID:  walletID,
		Signature: sig,
		BlockTime: at,
		Type:      models.TxTypeBuy,
		SolAmount: decimal.RequireFromString(sol),
		Operations: []models.TokenOperation{{
			Mint:          mint,
			Amount:        decimal.RequireFromString(amount),
			OperationType: models.TxTypeBuy,
			Token:         &models.Token{Mint: mint, Symbol: "TKN", Name: "Token", Decimals: 6},
		}},
	}
}

func sellTx(walletID int64, sig, mint string, sol, amount string, at time.Time) *models.Transaction {
	tx := buyTx(walletID, sig, mint, sol, amount, at)
	tx.Type = models.TxTypeSell
	tx.Operations[0].OperationType = models.TxTypeSell
	return tx
}

func TestPostgresStores(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	wallets := NewWalletStore(pool)
	tokens := NewTokenStore(pool)
	txs := NewTransactionStore(pool)
	ctx := context.Background()

	t.Run("wallet lifecycle", func(t *testing.T) {
		g, err := wallets.CreateGroup(ctx, "whales")
		require.NoError(t, err)

		_, err = wallets.CreateGroup(ctx, "whales")
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)

		w, err := wallets.UpsertWallet(ctx, "WalletLifecycle1", ptr("alice"), &g.ID)
		require.NoError(t, err)
		assert.True(t, w.IsActive)
		assert.Equal(t, g.ID, *w.GroupID)

		got, err := wallets.GetGroup(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.WalletCount)

		_, err = wallets.DeactivateWallet(ctx, "WalletLifecycle1")
		require.NoError(t, err)
		_, err = wallets.DeactivateWallet(ctx, "WalletLifecycle1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		again, err := wallets.UpsertWallet(ctx, "WalletLifecycle1", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, w.ID, again.ID)
		assert.True(t, again.IsActive)
		assert.Equal(t, "alice", *again.DisplayName)

		_, err = wallets.UpsertWallet(ctx, "WalletLifecycle2", nil, ptr(int64(999999)))
		assert.ErrorIs(t, err, storage.ErrInvalidInput)
	})

	t.Run("deactivate all scoped to group", func(t *testing.T) {
		g, err := wallets.CreateGroup(ctx, "bulk")
		require.NoError(t, err)
		for _, addr := range []string{"BulkA", "BulkB"} {
			_, err := wallets.UpsertWallet(ctx, addr, nil, &g.ID)
			require.NoError(t, err)
		}
		_, err = wallets.UpsertWallet(ctx, "BulkOutside", nil, nil)
		require.NoError(t, err)

		removed, err := wallets.DeactivateAll(ctx, &g.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"BulkA", "BulkB"}, removed)

		outside, err := wallets.GetWallet(ctx, "BulkOutside")
		require.NoError(t, err)
		assert.True(t, outside.IsActive)
	})

	t.Run("token decimals are never overwritten", func(t *testing.T) {
		_, err := tokens.UpsertToken(ctx, &models.Token{Mint: "MintDec", Symbol: models.UnknownSymbol, Name: models.UnknownTokenName, Decimals: 6})
		require.NoError(t, err)

		tok, err := tokens.UpsertToken(ctx, &models.Token{Mint: "MintDec", Symbol: "DEC", Name: "Decimal Coin", Decimals: 9})
		require.NoError(t, err)
		assert.Equal(t, 6, tok.Decimals)
		assert.Equal(t, "DEC", tok.Symbol)

		tok, err = tokens.UpsertToken(ctx, &models.Token{Mint: "MintDec", Symbol: "OTHER", Name: "Other", Decimals: 6})
		require.NoError(t, err)
		assert.Equal(t, "DEC", tok.Symbol)

		got, err := tokens.GetTokens(ctx, []string{"MintDec", "MintMissing"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("save is idempotent under concurrency", func(t *testing.T) {
		w, err := wallets.UpsertWallet(ctx, "WalletIdem", nil, nil)
		require.NoError(t, err)

		tx := buyTx(w.ID, "SigIdem", "MintIdem", "1.5", "1000", time.Now())

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				saved, ok, err := txs.Save(ctx, tx)
				assert.NoError(t, err)
				assert.Equal(t, "SigIdem", saved.Signature)
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)

		list, err := txs.List(ctx, models.TransactionFilter{Wallet: "WalletIdem"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Len(t, list[0].Operations, 1)
		assert.True(t, list[0].SolAmount.Equal(decimal.RequireFromString("1.5")))
		assert.Equal(t, "TKN", list[0].Operations[0].Token.Symbol)

		exists, err := txs.ExistsBySignature(ctx, "SigIdem")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("list filters and ordering", func(t *testing.T) {
		w, err := wallets.UpsertWallet(ctx, "WalletList", nil, nil)
		require.NoError(t, err)
		base := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

		_, _, err = txs.Save(ctx, buyTx(w.ID, "SigList1", "MintList", "1", "10", base))
		require.NoError(t, err)
		_, _, err = txs.Save(ctx, sellTx(w.ID, "SigList2", "MintList", "2", "5", base.Add(time.Minute)))
		require.NoError(t, err)

		all, err := txs.List(ctx, models.TransactionFilter{Wallet: "WalletList"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "SigList2", all[0].Signature)

		sells, err := txs.List(ctx, models.TransactionFilter{Wallet: "WalletList", Type: models.TxTypeSell})
		require.NoError(t, err)
		require.Len(t, sells, 1)

		since := base.Add(30 * time.Second)
		recent, err := txs.List(ctx, models.TransactionFilter{Wallet: "WalletList", Since: &since})
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "SigList2", recent[0].Signature)
	})

	t.Run("token flows split native across operations", func(t *testing.T) {
		w, err := wallets.UpsertWallet(ctx, "WalletFlows", nil, nil)
		require.NoError(t, err)

		multi := buyTx(w.ID, "SigMulti", "MintFlowA", "2", "100", time.Now())
		multi.Operations = append(multi.Operations, models.TokenOperation{
			Mint:          "MintFlowB",
			Amount:        decimal.NewFromInt(50),
			OperationType: models.TxTypeBuy,
		})
		_, created, err := txs.Save(ctx, multi)
		require.NoError(t, err)
		require.True(t, created)

		_, _, err = txs.Save(ctx, sellTx(w.ID, "SigFlowSell", "MintFlowA", "3", "40", time.Now()))
		require.NoError(t, err)

		flows, err := txs.TokenFlows(ctx, models.Scope{WalletAddress: "WalletFlows"}, []string{"MintFlowA", "MintFlowB"})
		require.NoError(t, err)
		require.Len(t, flows, 2)

		a := flows[0]
		assert.Equal(t, "MintFlowA", a.Mint)
		assert.True(t, a.Bought.Equal(decimal.NewFromInt(100)))
		assert.True(t, a.Sold.Equal(decimal.NewFromInt(40)))
		assert.True(t, a.SpentNative.Equal(decimal.NewFromInt(1)))
		assert.True(t, a.ReceivedNative.Equal(decimal.NewFromInt(3)))
		assert.Equal(t, int64(1), a.BuyCount)
		assert.Equal(t, int64(1), a.SellCount)

		unknown, err := tokens.GetTokens(ctx, []string{"MintFlowB"})
		require.NoError(t, err)
		assert.True(t, unknown["MintFlowB"].IsUnknown())

		mints, err := txs.TouchedMints(ctx, models.Scope{WalletAddress: "WalletFlows"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"MintFlowA", "MintFlowB"}, mints)
	})

	t.Run("wallet stats recompute", func(t *testing.T) {
		w, err := wallets.UpsertWallet(ctx, "WalletStats", nil, nil)
		require.NoError(t, err)

		_, _, err = txs.Save(ctx, buyTx(w.ID, "SigStats1", "MintStats", "1.25", "10", time.Now()))
		require.NoError(t, err)
		_, _, err = txs.Save(ctx, sellTx(w.ID, "SigStats2", "MintStats", "2", "10", time.Now()))
		require.NoError(t, err)

		st, err := txs.RecomputeWalletStats(ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, st.TotalSpentSol.Equal(decimal.RequireFromString("1.25")))
		assert.True(t, st.TotalReceivedSol.Equal(decimal.NewFromInt(2)))
		assert.Equal(t, int64(1), st.TotalBuyTx)
		assert.Equal(t, int64(1), st.TotalSellTx)
		assert.Equal(t, int64(1), st.UniqueTokensBought)
		assert.NotNil(t, st.LastTransactionAt)

		byID, err := txs.GetWalletStats(ctx, []int64{w.ID})
		require.NoError(t, err)
		assert.Contains(t, byID, w.ID)
	})

	t.Run("save rejects empty operations", func(t *testing.T) {
		tx := buyTx(1, "SigEmpty", "MintEmpty", "1", "1", time.Now())
		tx.Operations = nil
		_, _, err := txs.Save(ctx, tx)
		assert.ErrorIs(t, err, storage.ErrInvalidInput)
	})
}

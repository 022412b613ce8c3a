package orca

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"
)

const (
	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	vaultA   = "ANP74VNsHwSrq9uUSjiSNyNWvf6ZPrKTmE4gHoNd13Lg"
	vaultB   = "75HgnSvXbWKZBpZHveX68ZzAhDqMzNDS29X6BGLtxMo1"
)

const poolsJSON = `[{
	"name": "SOL/USDC",
	"program_id": "9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP",
	"swap_account": "EGZ7tiLeH62TPV1gL8WwbXGzEPa9zmcpVnnkPKKnrE2U",
	"token_mint_a": "` + solMint + `",
	"token_mint_b": "` + usdcMint + `",
	"vault_a": "` + vaultA + `",
	"vault_b": "` + vaultB + `",
	"fee_numerator": 30,
	"fee_denominator": 10000
}]`

type fakeBalances map[string]*rpc.TokenAmount

func (f fakeBalances) GetTokenAccountBalance(_ context.Context, account string) (*rpc.TokenAmount, error) {
	if b, ok := f[account]; ok {
		return b, nil
	}
	return nil, errors.New("unknown account")
}

func TestParseLegacyPools(t *testing.T) {
	pools, err := ParseLegacyPools([]byte(poolsJSON))
	require.NoError(t, err)
	require.Len(t, pools, 1)

	reg := NewPoolRegistryFromPools(pools)
	assert.Len(t, reg.FindPoolsForMint(solana.MustPublicKeyFromBase58(usdcMint)), 1)
	assert.Empty(t, reg.FindPoolsForMint(solana.MustPublicKeyFromBase58(vaultA)))

	_, err = ParseLegacyPools([]byte(`[{"name":"bad","fee_denominator":1,"program_id":"nope"}]`))
	assert.Error(t, err)
}

func TestRefreshPoolStateAndSpotPrice(t *testing.T) {
	pools, err := ParseLegacyPools([]byte(poolsJSON))
	require.NoError(t, err)

	client := NewClient(fakeBalances{
		vaultA: {Amount: "1000000000000", Decimals: 9}, // 1000 SOL
		vaultB: {Amount: "150000000000", Decimals: 6},  // 150000 USDC
	})

	state, err := RefreshPoolState(context.Background(), client, &pools[0])
	require.NoError(t, err)

	price, other, err := SpotPrice(state, solana.MustPublicKeyFromBase58(solMint))
	require.NoError(t, err)
	assert.InDelta(t, 150.0, price, 1e-9)
	assert.Equal(t, usdcMint, other.String())

	assert.InDelta(t, 300000.0, LiquidityUSD(state, solana.MustPublicKeyFromBase58(solMint), 1.0), 1e-6)

	_, _, err = SpotPrice(state, solana.MustPublicKeyFromBase58(vaultA))
	assert.Error(t, err)
}

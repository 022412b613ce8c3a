package orca

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// RefreshPoolState fetches current vault balances for a pool
func RefreshPoolState(
	ctx context.Context,
	client *Client,
	pool *LegacyPool,
) (*PoolState, error) {

	balA, balB, err := client.FetchVaultBalances(ctx, pool.VaultA, pool.VaultB)
	if err != nil {
		return nil, err
	}

	return &PoolState{
		Pool:      pool,
		ReserveA:  balA.Amount,
		ReserveB:  balB.Amount,
		DecimalsA: balA.Decimals,
		DecimalsB: balB.Decimals,
		Timestamp: time.Now().Unix(),
	}, nil
}

// Sides returns the UI-scaled reserve of mint and of the opposite token, plus
// the opposite mint. ok is false when mint is not in the pool.
func (ps *PoolState) Sides(mint solana.PublicKey) (reserve, otherReserve float64, other solana.PublicKey, ok bool) {
	a := scale(ps.ReserveA, ps.DecimalsA)
	b := scale(ps.ReserveB, ps.DecimalsB)

	switch {
	case ps.Pool.TokenMintA.Equals(mint):
		return a, b, ps.Pool.TokenMintB, true
	case ps.Pool.TokenMintB.Equals(mint):
		return b, a, ps.Pool.TokenMintA, true
	default:
		return 0, 0, solana.PublicKey{}, false
	}
}

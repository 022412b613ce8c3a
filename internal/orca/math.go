package orca

import (
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
)

func scale(raw uint64, decimals uint8) float64 {
	return float64(raw) / math.Pow10(int(decimals))
}

// SpotPrice returns the marginal price of mint in units of the opposite
// token: otherReserve / reserve for a constant-product pool.
func SpotPrice(ps *PoolState, mint solana.PublicKey) (float64, solana.PublicKey, error) {
	reserve, otherReserve, other, ok := ps.Sides(mint)
	if !ok {
		return 0, solana.PublicKey{}, fmt.Errorf("mint %s not in pool %s", mint, ps.Pool.Name)
	}
	if reserve <= 0 || otherReserve <= 0 {
		return 0, solana.PublicKey{}, fmt.Errorf("pool %s has an empty side", ps.Pool.Name)
	}
	return otherReserve / reserve, other, nil
}

// LiquidityUSD values both sides of the pool given the USD price of the
// opposite token. A balanced pool holds equal value on each side.
func LiquidityUSD(ps *PoolState, mint solana.PublicKey, otherUSD float64) float64 {
	_, otherReserve, _, ok := ps.Sides(mint)
	if !ok || otherUSD <= 0 {
		return 0
	}
	return 2 * otherReserve * otherUSD
}

package orca

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"
)

// BalanceGetter is the RPC surface the pool reader needs.
type BalanceGetter interface {
	GetTokenAccountBalance(ctx context.Context, account string) (*rpc.TokenAmount, error)
}

// VaultBalance is a raw token account balance with its mint decimals.
type VaultBalance struct {
	Amount   uint64
	Decimals uint8
}

// Client provides RPC helpers for fetching Orca pool vault balances
type Client struct {
	rpcClient BalanceGetter
}

// NewClient creates an Orca client on top of the project's RPC client
func NewClient(rpcClient BalanceGetter) *Client {
	return &Client{
		rpcClient: rpcClient,
	}
}

// FetchVaultBalances fetches token account balances for pool vaults
func (c *Client) FetchVaultBalances(
	ctx context.Context,
	vaultA, vaultB solana.PublicKey,
) (balanceA, balanceB VaultBalance, err error) {

	balanceA, err = c.getTokenAccountBalance(ctx, vaultA)
	if err != nil {
		return VaultBalance{}, VaultBalance{}, fmt.Errorf("failed to fetch vault A balance: %w", err)
	}

	balanceB, err = c.getTokenAccountBalance(ctx, vaultB)
	if err != nil {
		return VaultBalance{}, VaultBalance{}, fmt.Errorf("failed to fetch vault B balance: %w", err)
	}

	return balanceA, balanceB, nil
}

func (c *Client) getTokenAccountBalance(
	ctx context.Context,
	account solana.PublicKey,
) (VaultBalance, error) {

	amt, err := c.rpcClient.GetTokenAccountBalance(ctx, account.String())
	if err != nil {
		return VaultBalance{}, fmt.Errorf("RPC call failed: %w", err)
	}

	amount, err := strconv.ParseUint(amt.Amount, 10, 64)
	if err != nil {
		return VaultBalance{}, fmt.Errorf("invalid amount format: %w", err)
	}
	if amt.Decimals < 0 || amt.Decimals > 255 {
		return VaultBalance{}, fmt.Errorf("invalid decimals %d", amt.Decimals)
	}

	return VaultBalance{Amount: amount, Decimals: uint8(amt.Decimals)}, nil
}

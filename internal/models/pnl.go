package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenFlow holds the raw quantities one wallet moved for one mint.
// Native amounts are in SOL.
type TokenFlow struct {
	WalletID       int64           `json:"walletId"`
	Mint           string          `json:"mint"`
	Bought         decimal.Decimal `json:"bought"`
	Sold           decimal.Decimal `json:"sold"`
	SpentNative    decimal.Decimal `json:"spentNative"`
	ReceivedNative decimal.Decimal `json:"receivedNative"`
	BuyCount       int64           `json:"buyCount"`
	SellCount      int64           `json:"sellCount"`
}

// PnLSnapshot is the weighted-average cost basis view of one token over a scope.
type PnLSnapshot struct {
	Mint  string `json:"mint"`
	Token *Token `json:"token,omitempty"`

	TotalBought         decimal.Decimal `json:"totalBought"`
	TotalSold           decimal.Decimal `json:"totalSold"`
	SoldTokens          decimal.Decimal `json:"soldTokens"`
	CurrentHoldings     decimal.Decimal `json:"currentHoldings"`
	TotalSpentNative    decimal.Decimal `json:"totalSpentNative"`
	TotalReceivedNative decimal.Decimal `json:"totalReceivedNative"`
	AvgBuyPrice         decimal.Decimal `json:"avgBuyPrice"`

	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	TotalPnL      decimal.Decimal `json:"totalPnl"`

	RealizedPnLUSD   *decimal.Decimal `json:"realizedPnlUsd,omitempty"`
	UnrealizedPnLUSD *decimal.Decimal `json:"unrealizedPnlUsd,omitempty"`
	TotalPnLUSD      *decimal.Decimal `json:"totalPnlUsd,omitempty"`

	CurrentPriceNative *decimal.Decimal `json:"currentPriceNative,omitempty"`
	TokenPrice         *PriceQuote      `json:"tokenPrice,omitempty"`
	NativePrice        *PriceQuote      `json:"nativePrice,omitempty"`

	WalletCount int       `json:"walletCount"`
	ComputedAt  time.Time `json:"computedAt"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the direction of a wallet transaction relative to the native asset.
type TxType string

const (
	TxTypeBuy  TxType = "buy"  // wallet spent SOL, received tokens
	TxTypeSell TxType = "sell" // wallet received SOL, sent tokens
)

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool {
	return t == TxTypeBuy || t == TxTypeSell
}

// Wallet is a monitored wallet address.
type Wallet struct {
	ID          int64       `json:"id"`
	Address     string      `json:"address"`
	DisplayName *string     `json:"displayName,omitempty"`
	GroupID     *int64      `json:"groupId,omitempty"`
	IsActive    bool        `json:"isActive"`
	CreatedAt   time.Time   `json:"createdAt"`
	Stats       *WalletStat `json:"stats,omitempty"`
}

// Group partitions wallets for scoped dashboards.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	WalletCount int       `json:"walletCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Token is the identity of a fungible token mint.
// Decimals never change once a mint has been stored.
type Token struct {
	Mint     string  `json:"mint"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Decimals int     `json:"decimals"`
	LogoURI  *string `json:"logoUri,omitempty"`
}

// IsUnknown reports whether the token only carries synthesized metadata.
func (t *Token) IsUnknown() bool {
	return t == nil || t.Symbol == UnknownSymbol
}

const (
	UnknownSymbol    = "Unknown"
	UnknownTokenName = "Unknown Token"
)

// Transaction is a normalized buy or sell detected for a monitored wallet.
type Transaction struct {
	ID            int64            `json:"id"`
	WalletID      int64            `json:"walletId"`
	WalletAddress string           `json:"walletAddress"`
	GroupID       *int64           `json:"groupId,omitempty"`
	Signature     string           `json:"signature"`
	BlockTime     time.Time        `json:"blockTime"`
	Type          TxType           `json:"type"`
	SolAmount     decimal.Decimal  `json:"solAmount"`
	USDAmount     *decimal.Decimal `json:"usdAmount,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	Operations    []TokenOperation `json:"operations"`
}

// TokenOperation is one token leg of a Transaction. Amount is always positive
// and in token units; direction is carried by OperationType.
type TokenOperation struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transactionId"`
	Mint          string          `json:"mint"`
	Amount        decimal.Decimal `json:"amount"`
	OperationType TxType          `json:"operationType"`
	Token         *Token          `json:"token,omitempty"`
}

// WalletStat is a materialized summary recomputed from a wallet's transactions.
type WalletStat struct {
	WalletID           int64           `json:"walletId"`
	TotalSpentSol      decimal.Decimal `json:"totalSpentSol"`
	TotalReceivedSol   decimal.Decimal `json:"totalReceivedSol"`
	TotalBuyTx         int64           `json:"totalBuyTx"`
	TotalSellTx        int64           `json:"totalSellTx"`
	UniqueTokensBought int64           `json:"uniqueTokensBought"`
	UniqueTokensSold   int64           `json:"uniqueTokensSold"`
	LastTransactionAt  *time.Time      `json:"lastTransactionAt,omitempty"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// PriceSource tags where a price quote came from.
type PriceSource string

const (
	PriceSourcePools       PriceSource = "pools"
	PriceSourceAggregator1 PriceSource = "aggregator1"
	PriceSourceAggregator2 PriceSource = "aggregator2"
	PriceSourceStale       PriceSource = "stale"
	PriceSourceFallback    PriceSource = "fallback"
)

// PriceQuote is a USD price for a mint. Quotes are cached, never persisted.
type PriceQuote struct {
	Mint      string      `json:"mint"`
	Price     float64     `json:"price"`
	Source    PriceSource `json:"source"`
	Liquidity *float64    `json:"liquidity,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SignatureEvent says a signature was seen for a monitored wallet.
type SignatureEvent struct {
	Signature     string `json:"signature"`
	WalletAddress string `json:"walletAddress"`
	BlockTime     int64  `json:"blockTime,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
}

// WalletAction is the kind of registry change carried by a WalletEvent.
type WalletAction string

const (
	WalletAdded   WalletAction = "added"
	WalletRemoved WalletAction = "removed"
)

// WalletEvent tells the ingestion process to start or stop watching an address.
type WalletEvent struct {
	Action  WalletAction `json:"action"`
	Address string       `json:"address"`
	GroupID *int64       `json:"groupId,omitempty"`
}

// Scope selects the wallets a query runs over. Empty means all active wallets.
type Scope struct {
	GroupID       *int64 `json:"groupId,omitempty"`
	WalletAddress string `json:"wallet,omitempty"`
}

// TransactionFilter narrows a transaction listing.
type TransactionFilter struct {
	Since   *time.Time
	Type    TxType
	GroupID *int64
	Wallet  string
	Limit   int
}

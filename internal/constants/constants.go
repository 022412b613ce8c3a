package constants

import "time"

// Well-known mints
const (
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
	USDCMint       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint       = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"

	NativeDecimals  = 9
	LamportsPerSOL  = 1_000_000_000
	USDCDecimals    = 6
	NativeSymbol    = "SOL"
	NativeTokenName = "Wrapped SOL"
)

// Redis keys
const (
	RedisKeySignatureQueue  = "sig:queue"
	RedisKeySignatureRetry  = "sig:retry"
	RedisKeySeenPrefix      = "sig:seen:"
	RedisKeyFailedPrefix    = "sig:failed:"
	RedisKeyPricePrefix     = "price:v1:"
	RedisKeyLastPricePrefix = "price:last:"
)

// Redis Pub/Sub channels
const (
	PubSubChannelTransactions      = "transactions:all"
	PubSubChannelGroupTransactions = "transactions:group:%d"
	PubSubChannelWalletControl     = "wallets:control"
)

// Queue and processing defaults
const (
	DefaultMarkerTTL        = 60 * time.Second
	FailedMarkerTTL         = 7 * 24 * time.Hour
	DefaultQueueBatchSize   = 200
	DefaultWorkerCount      = 10
	DefaultMaxAttempts      = 3
	DefaultBackfillLimit    = 25
	DefaultDustThreshold    = "0.001"
	DefaultBatchWindow      = 100 * time.Millisecond
	DefaultPriceCacheTTL    = 30 * time.Second
	DefaultMetadataTTL      = 6 * time.Hour
	DefaultSourceTimeout    = 4 * time.Second
	DefaultNativeRefresh    = 20 * time.Second
	DefaultNativeFallback   = 100.0
	DefaultMinPoolLiquidity = 1000.0
)

// WellKnownToken seeds the token snapshot so the common mints never hit the network.
type WellKnownToken struct {
	Symbol   string
	Name     string
	Decimals int
}

// WellKnownTokens maps mint addresses to their metadata
var WellKnownTokens = map[string]WellKnownToken{
	WrappedSOLMint: {Symbol: NativeSymbol, Name: NativeTokenName, Decimals: NativeDecimals},
	USDCMint:       {Symbol: "USDC", Name: "USD Coin", Decimals: 6},
	USDTMint:       {Symbol: "USDT", Name: "USDT", Decimals: 6},
	"mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So":  {Symbol: "mSOL", Name: "Marinade staked SOL", Decimals: 9},
	"7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs": {Symbol: "ETH", Name: "Ether (Portal)", Decimals: 8},
	"3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDzcqmJh": {Symbol: "WBTC", Name: "Wrapped BTC (Portal)", Decimals: 8},
	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": {Symbol: "BONK", Name: "Bonk", Decimals: 5},
	"7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr": {Symbol: "POPCAT", Name: "POPCAT", Decimals: 9},
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  {Symbol: "JUP", Name: "Jupiter", Decimals: 6},
	"4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R": {Symbol: "RAY", Name: "Raydium", Decimals: 6},
	"EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm": {Symbol: "WIF", Name: "dogwifhat", Decimals: 6},
}

// StableMints are quote assets priced at par when valuing pool liquidity.
var StableMints = map[string]bool{
	USDCMint: true,
	USDTMint: true,
}

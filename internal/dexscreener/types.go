package dexscreener

type TokensResponse struct {
	SchemaVersion string `json:"schemaVersion"`
	Pairs         []Pair `json:"pairs"`
}

type Pair struct {
	ChainID     string     `json:"chainId"`
	DexID       string     `json:"dexId"`
	URL         string     `json:"url"`
	PairAddress string     `json:"pairAddress"`
	BaseToken   PairToken  `json:"baseToken"`
	QuoteToken  PairToken  `json:"quoteToken"`
	PriceNative string     `json:"priceNative"`
	PriceUSD    string     `json:"priceUsd"`
	Volume      Volume     `json:"volume"`
	Liquidity   *Liquidity `json:"liquidity,omitempty"`
}

type PairToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type Volume struct {
	H24 float64 `json:"h24"`
	H6  float64 `json:"h6"`
	H1  float64 `json:"h1"`
	M5  float64 `json:"m5"`
}

type Liquidity struct {
	USD   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

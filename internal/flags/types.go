package flags

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("flag not found")

type Flag struct {
	Key       string    `json:"key"`
	Value     bool      `json:"value"`
	Default   bool      `json:"default"`
	IsSet     bool      `json:"isSet"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Definition documents a flag the application reads and its value when unset.
type Definition struct {
	Key         string `json:"key"`
	Default     bool   `json:"default"`
	Description string `json:"description"`
}

// ArchiveKey gates the analytics copy of persisted transactions.
const ArchiveKey = "ingest.archive"

// PriceSourceKey is the toggle for one price resolution stage.
func PriceSourceKey(source string) string {
	return "price.source." + source
}

// Known lists the flags consulted at runtime.
var Known = []Definition{
	{Key: PriceSourceKey("pools"), Default: true, Description: "Resolve prices from configured AMM pool reserves."},
	{Key: PriceSourceKey("aggregator1"), Default: true, Description: "Resolve prices from the DexScreener pair API."},
	{Key: PriceSourceKey("aggregator2"), Default: true, Description: "Resolve prices from Jupiter swap quotes."},
	{Key: ArchiveKey, Default: true, Description: "Copy persisted transactions into the ClickHouse archive."},
}

func defaultFor(key string) (bool, bool) {
	for _, d := range Known {
		if d.Key == key {
			return d.Default, true
		}
	}
	return false, false
}

package orca

// Legacy Orca constant-product pool program ID
const (
	LegacyProgramID = "9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP"
)

// PoolState represents current on-chain state (reserves)
type PoolState struct {
	Pool      *LegacyPool
	ReserveA  uint64 // Current balance in vault A
	ReserveB  uint64 // Current balance in vault B
	DecimalsA uint8
	DecimalsB uint8
	Timestamp int64 // When fetched
}

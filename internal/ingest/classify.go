package ingest

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"
)

// Discard reasons reported when a transaction is not a wallet trade.
const (
	DiscardNotInTx     = "wallet_not_in_tx"
	DiscardDust        = "dust"
	DiscardNoTokenFlow = "no_token_flow"
)

// Classification is the trade a transaction represents for one wallet.
type Classification struct {
	Type      models.TxType
	SolDelta  decimal.Decimal // signed, in SOL
	Ops       []models.TokenOperation
	Decimals  map[string]int // RPC-observed decimals per mint
	BlockTime int64
}

// Mints returns the mints of the surviving operations.
func (c *Classification) Mints() []string {
	out := make([]string, 0, len(c.Ops))
	for _, op := range c.Ops {
		out = append(out, op.Mint)
	}
	return out
}

var lamportsPerSOL = decimal.NewFromInt(constants.LamportsPerSOL)

// Classify turns a fetched transaction into a buy or sell for wallet. It
// returns a discard reason instead when the native movement is within dust or
// no token moves in the direction the native movement implies.
func Classify(res *rpc.TransactionResult, wallet string, dust decimal.Decimal) (*Classification, string) {
	idx := accountIndex(res, wallet)
	if idx < 0 || idx >= len(res.Meta.PreBalances) || idx >= len(res.Meta.PostBalances) {
		return nil, DiscardNotInTx
	}

	lamports := res.Meta.PostBalances[idx] - res.Meta.PreBalances[idx]
	solDelta := decimal.NewFromInt(lamports).Div(lamportsPerSOL)

	var txType models.TxType
	switch {
	case solDelta.LessThan(dust.Neg()):
		txType = models.TxTypeBuy
	case solDelta.GreaterThan(dust):
		txType = models.TxTypeSell
	default:
		return nil, DiscardDust
	}

	deltas, decimals := tokenDeltas(res.Meta, wallet)

	c := &Classification{Type: txType, SolDelta: solDelta, Decimals: make(map[string]int)}
	if res.BlockTime != nil {
		c.BlockTime = *res.BlockTime
	}
	for mint, d := range deltas {
		// the token must move against the native asset
		if (txType == models.TxTypeBuy && !d.IsPositive()) || (txType == models.TxTypeSell && !d.IsNegative()) {
			continue
		}
		c.Ops = append(c.Ops, models.TokenOperation{Mint: mint, Amount: d.Abs(), OperationType: txType})
		c.Decimals[mint] = decimals[mint]
	}
	if len(c.Ops) == 0 {
		return nil, DiscardNoTokenFlow
	}
	sort.Slice(c.Ops, func(i, j int) bool { return c.Ops[i].Mint < c.Ops[j].Mint })
	return c, ""
}

func accountIndex(res *rpc.TransactionResult, wallet string) int {
	if res.Transaction == nil {
		return -1
	}
	for i, k := range res.Transaction.Message.AccountKeys {
		if k.Pubkey == wallet {
			return i
		}
	}
	return -1
}

// tokenDeltas sums post minus pre balances of token accounts owned by wallet,
// per mint. A side missing from the pre or post list counts as zero. Wrapped
// SOL is excluded since it is the native leg.
func tokenDeltas(meta *rpc.TransactionMeta, wallet string) (map[string]decimal.Decimal, map[string]int) {
	deltas := make(map[string]decimal.Decimal)
	decimals := make(map[string]int)

	add := func(balances []rpc.TokenBalance, sign int64) {
		for _, b := range balances {
			if b.Owner != wallet || b.Mint == constants.WrappedSOLMint {
				continue
			}
			raw, err := decimal.NewFromString(b.UITokenAmount.Amount)
			if err != nil {
				continue
			}
			amount := raw.Shift(-int32(b.UITokenAmount.Decimals))
			deltas[b.Mint] = deltas[b.Mint].Add(amount.Mul(decimal.NewFromInt(sign)))
			decimals[b.Mint] = b.UITokenAmount.Decimals
		}
	}
	add(meta.PreTokenBalances, -1)
	add(meta.PostTokenBalances, 1)
	return deltas, decimals
}

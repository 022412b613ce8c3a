// Package pnl computes weighted-average cost basis profit and loss.
package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
)

// Pool sums raw flows of every wallet in scope for one mint. Cost basis is
// computed over the pooled totals, not averaged per wallet.
func Pool(mint string, flows []*models.TokenFlow) models.PnLSnapshot {
	s := models.PnLSnapshot{Mint: mint}
	wallets := make(map[int64]struct{})
	for _, f := range flows {
		if f.Mint != mint {
			continue
		}
		wallets[f.WalletID] = struct{}{}
		s.TotalBought = s.TotalBought.Add(f.Bought)
		s.TotalSold = s.TotalSold.Add(f.Sold)
		s.TotalSpentNative = s.TotalSpentNative.Add(f.SpentNative)
		s.TotalReceivedNative = s.TotalReceivedNative.Add(f.ReceivedNative)
	}
	s.WalletCount = len(wallets)
	return s
}

// Compute fills the cost basis and PnL fields of a pooled snapshot.
// priceNative is the current token price in SOL, nil when unknown.
func Compute(s *models.PnLSnapshot, priceNative *decimal.Decimal) {
	if s.TotalBought.IsPositive() {
		s.AvgBuyPrice = s.TotalSpentNative.Div(s.TotalBought)
	} else {
		s.AvgBuyPrice = decimal.Zero
	}

	s.SoldTokens = decimal.Min(s.TotalSold, s.TotalBought)
	s.CurrentHoldings = decimal.Max(decimal.Zero, s.TotalBought.Sub(s.TotalSold))

	s.RealizedPnL = decimal.Zero
	if s.SoldTokens.IsPositive() {
		s.RealizedPnL = s.TotalReceivedNative.Sub(s.SoldTokens.Mul(s.AvgBuyPrice))
	}

	s.UnrealizedPnL = decimal.Zero
	s.CurrentPriceNative = priceNative
	if s.CurrentHoldings.IsPositive() && priceNative != nil {
		s.UnrealizedPnL = s.CurrentHoldings.Mul(*priceNative).Sub(s.CurrentHoldings.Mul(s.AvgBuyPrice))
	}

	s.TotalPnL = s.RealizedPnL.Add(s.UnrealizedPnL)
}

// ConvertUSD sets the USD figures at the given SOL/USD price.
func ConvertUSD(s *models.PnLSnapshot, nativeUSD decimal.Decimal) {
	if !nativeUSD.IsPositive() {
		return
	}
	realized := s.RealizedPnL.Mul(nativeUSD)
	unrealized := s.UnrealizedPnL.Mul(nativeUSD)
	total := s.TotalPnL.Mul(nativeUSD)
	s.RealizedPnLUSD = &realized
	s.UnrealizedPnLUSD = &unrealized
	s.TotalPnLUSD = &total
}

package price

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/dexscreener"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/jupiter"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
)

// Source is one upstream stage of the resolution chain. Fetch returns the
// mints it could price; an error means the whole stage failed for this call.
type Source interface {
	Name() models.PriceSource
	Fetch(ctx context.Context, mints []string) (map[string]models.PriceQuote, error)
}

// DexScreenerSource prices mints from the highest-volume pair per token.
type DexScreenerSource struct {
	client *dexscreener.Client
}

func NewDexScreenerSource(client *dexscreener.Client) *DexScreenerSource {
	return &DexScreenerSource{client: client}
}

func (s *DexScreenerSource) Name() models.PriceSource { return models.PriceSourceAggregator1 }

func (s *DexScreenerSource) Fetch(ctx context.Context, mints []string) (map[string]models.PriceQuote, error) {
	prices, err := s.client.PricesUSD(ctx, mints)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[string]models.PriceQuote, len(prices))
	for mint, p := range prices {
		q := models.PriceQuote{Mint: mint, Price: p.PriceUSD, Timestamp: now}
		if p.Liquidity > 0 {
			liq := p.Liquidity
			q.Liquidity = &liq
		}
		out[mint] = q
	}
	return out, nil
}

// DecimalsFunc returns the decimals of a mint.
type DecimalsFunc func(ctx context.Context, mint string) (int, error)

// JupiterSource derives a price from a one-token swap quote into USDC.
type JupiterSource struct {
	client   *jupiter.Client
	decimals DecimalsFunc
	logger   *logrus.Logger
}

func NewJupiterSource(client *jupiter.Client, decimals DecimalsFunc, logger *logrus.Logger) *JupiterSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &JupiterSource{client: client, decimals: decimals, logger: logger}
}

func (s *JupiterSource) Name() models.PriceSource { return models.PriceSourceAggregator2 }

func (s *JupiterSource) Fetch(ctx context.Context, mints []string) (map[string]models.PriceQuote, error) {
	out := make(map[string]models.PriceQuote, len(mints))
	var lastErr error

	for _, mint := range mints {
		if ctx.Err() != nil {
			break
		}
		dec, err := s.decimals(ctx, mint)
		if err != nil {
			s.logger.WithError(err).WithField("mint", mint).Debug("jupiter: decimals unavailable")
			lastErr = err
			continue
		}
		p, err := s.client.PriceUSD(ctx, mint, dec)
		if err != nil {
			s.logger.WithError(err).WithField("mint", mint).Debug("jupiter: quote failed")
			lastErr = err
			continue
		}
		out[mint] = models.PriceQuote{Mint: mint, Price: p, Timestamp: time.Now().UTC()}
	}

	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

package price

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/orca"
)

// PoolQuote is a USD price observed in one pool with that pool's depth.
type PoolQuote struct {
	Pool      string
	Price     float64
	Liquidity float64
}

// WeightedPrice returns the liquidity-weighted mean over pools at or above
// minLiquidity. When the weights sum to zero the deepest single pool wins.
func WeightedPrice(pools []PoolQuote, minLiquidity float64) (price, liquidity float64, ok bool) {
	var (
		sumPL, sumL float64
		best        *PoolQuote
	)
	for i := range pools {
		p := &pools[i]
		if p.Price <= 0 || p.Liquidity < minLiquidity {
			continue
		}
		if best == nil || p.Liquidity > best.Liquidity {
			best = p
		}
		sumPL += p.Price * p.Liquidity
		sumL += p.Liquidity
	}

	if best == nil {
		return 0, 0, false
	}
	if sumL <= 0 {
		return best.Price, best.Liquidity, true
	}
	return sumPL / sumL, sumL, true
}

// NativeLookup returns an already known SOL/USD price without fetching.
type NativeLookup func(ctx context.Context) (float64, bool)

// PoolSource prices mints from configured constant-product pool reserves.
// Only pools quoted in a stablecoin or in SOL can be valued.
type PoolSource struct {
	registry     *orca.PoolRegistry
	client       *orca.Client
	minLiquidity float64
	logger       *logrus.Logger

	mu     sync.RWMutex
	native NativeLookup
}

func NewPoolSource(registry *orca.PoolRegistry, client *orca.Client, minLiquidity float64, logger *logrus.Logger) *PoolSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &PoolSource{registry: registry, client: client, minLiquidity: minLiquidity, logger: logger}
}

// SetNativeLookup wires the SOL/USD price used for SOL-quoted pools.
func (s *PoolSource) SetNativeLookup(fn NativeLookup) {
	s.mu.Lock()
	s.native = fn
	s.mu.Unlock()
}

func (s *PoolSource) Name() models.PriceSource { return models.PriceSourcePools }

func (s *PoolSource) quoteUSD(ctx context.Context, other solana.PublicKey) (float64, bool) {
	mint := other.String()
	if constants.StableMints[mint] {
		return 1, true
	}
	if mint == constants.WrappedSOLMint {
		s.mu.RLock()
		fn := s.native
		s.mu.RUnlock()
		if fn != nil {
			return fn(ctx)
		}
	}
	return 0, false
}

func (s *PoolSource) Fetch(ctx context.Context, mints []string) (map[string]models.PriceQuote, error) {
	out := make(map[string]models.PriceQuote)
	if s.registry == nil || s.registry.PoolCount() == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, mint := range mints {
		pk, err := solana.PublicKeyFromBase58(mint)
		if err != nil {
			continue
		}
		pools := s.registry.FindPoolsForMint(pk)
		if len(pools) == 0 {
			continue
		}

		mint := mint
		g.Go(func() error {
			quotes := s.poolQuotes(gctx, pk, pools)
			p, liq, ok := WeightedPrice(quotes, s.minLiquidity)
			if !ok {
				return nil
			}
			mu.Lock()
			out[mint] = models.PriceQuote{Mint: mint, Price: p, Liquidity: &liq, Timestamp: time.Now().UTC()}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return out, nil
}

func (s *PoolSource) poolQuotes(ctx context.Context, mint solana.PublicKey, pools []*orca.LegacyPool) []PoolQuote {
	quotes := make([]PoolQuote, 0, len(pools))
	for _, pool := range pools {
		state, err := orca.RefreshPoolState(ctx, s.client, pool)
		if err != nil {
			s.logger.WithError(err).WithField("pool", pool.Name).Debug("pool refresh failed")
			continue
		}
		spot, other, err := orca.SpotPrice(state, mint)
		if err != nil {
			continue
		}
		otherUSD, ok := s.quoteUSD(ctx, other)
		if !ok {
			continue
		}
		quotes = append(quotes, PoolQuote{
			Pool:      pool.Name,
			Price:     spot * otherUSD,
			Liquidity: orca.LiquidityUSD(state, mint, otherUSD),
		})
	}
	return quotes
}

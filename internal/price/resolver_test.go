package price

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/flags"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
)

type fakeSource struct {
	name   models.PriceSource
	prices map[string]float64
	err    error
	delay  time.Duration

	calls   atomic.Int32
	mu      sync.Mutex
	batches [][]string
}

func (f *fakeSource) Name() models.PriceSource { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, mints []string) (map[string]models.PriceQuote, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), mints...))
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]models.PriceQuote)
	for _, m := range mints {
		if p, ok := f.prices[m]; ok {
			out[m] = models.PriceQuote{Mint: m, Price: p}
		}
	}
	return out, nil
}

type staticToggles map[string]bool

func (s staticToggles) IsEnabled(_ context.Context, key string, def bool) bool {
	if v, ok := s[key]; ok {
		return v
	}
	return def
}

func newTestResolver(sources ...Source) *Resolver {
	return NewResolver(Config{
		Sources:       sources,
		CacheTTL:      time.Minute,
		BatchWindow:   50 * time.Millisecond,
		SourceTimeout: time.Second,
	})
}

func TestResolver_FallsThroughFailingSource(t *testing.T) {
	agg1 := &fakeSource{name: models.PriceSourceAggregator1, err: errors.New("upstream down")}
	agg2 := &fakeSource{name: models.PriceSourceAggregator2, prices: map[string]float64{"MintX": 2.5}}
	r := newTestResolver(agg1, agg2)

	q, err := r.GetPrice(context.Background(), "MintX")
	require.NoError(t, err)
	assert.Equal(t, 2.5, q.Price)
	assert.Equal(t, models.PriceSourceAggregator2, q.Source)
	assert.Equal(t, int32(1), agg1.calls.Load())

	// second read is served from cache
	q, err = r.GetPrice(context.Background(), "MintX")
	require.NoError(t, err)
	assert.Equal(t, models.PriceSourceAggregator2, q.Source)
	assert.Equal(t, int32(1), agg2.calls.Load())
}

func TestResolver_BatchesConcurrentRequests(t *testing.T) {
	src := &fakeSource{name: models.PriceSourceAggregator1, prices: map[string]float64{"A": 1, "B": 2}}
	r := newTestResolver(src)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := r.GetPrice(context.Background(), "A")
			assert.NoError(t, err)
			assert.Equal(t, 1.0, q.Price)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		q, err := r.GetPrice(context.Background(), "B")
		assert.NoError(t, err)
		assert.Equal(t, 2.0, q.Price)
	}()
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	require.Len(t, src.batches, 1)
	assert.ElementsMatch(t, []string{"A", "B"}, src.batches[0])
}

func TestResolver_SharesInflightFetch(t *testing.T) {
	src := &fakeSource{name: models.PriceSourceAggregator1, prices: map[string]float64{"A": 3}, delay: 50 * time.Millisecond}
	r := newTestResolver(src)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.GetPrices(context.Background(), []string{"A"})
			assert.NoError(t, err)
			assert.Equal(t, 3.0, got["A"].Price)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestResolver_NativeFallbackOnly(t *testing.T) {
	src := &fakeSource{name: models.PriceSourceAggregator1, err: errors.New("down")}
	r := newTestResolver(src)

	q, err := r.NativePrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultNativeFallback, q.Price)
	assert.Equal(t, models.PriceSourceFallback, q.Source)

	_, err = r.GetPrice(context.Background(), "MintUnpriced")
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestResolver_ServesStaleAfterExpiry(t *testing.T) {
	src := &fakeSource{name: models.PriceSourceAggregator1, prices: map[string]float64{"A": 7}}
	r := NewResolver(Config{
		Sources:       []Source{src},
		CacheTTL:      20 * time.Millisecond,
		SourceTimeout: time.Second,
	})
	ctx := context.Background()

	got, err := r.GetPrices(ctx, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, models.PriceSourceAggregator1, got["A"].Source)

	time.Sleep(40 * time.Millisecond)
	src.err = errors.New("down")

	got, err = r.GetPrices(ctx, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, 7.0, got["A"].Price)
	assert.Equal(t, models.PriceSourceStale, got["A"].Source)
}

func TestResolver_DisabledSourceIsSkipped(t *testing.T) {
	agg1 := &fakeSource{name: models.PriceSourceAggregator1, prices: map[string]float64{"A": 1}}
	agg2 := &fakeSource{name: models.PriceSourceAggregator2, prices: map[string]float64{"A": 2}}
	r := NewResolver(Config{
		Sources: []Source{agg1, agg2},
		Flags:   staticToggles{flags.PriceSourceKey("aggregator1"): false},
	})

	got, err := r.GetPrices(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, models.PriceSourceAggregator2, got["A"].Source)
	assert.Equal(t, int32(0), agg1.calls.Load())
}

func TestResolver_RefreshNativeBypassesCache(t *testing.T) {
	src := &fakeSource{name: models.PriceSourceAggregator1, prices: map[string]float64{constants.WrappedSOLMint: 150}}
	r := newTestResolver(src)

	_, ok := r.CachedNative(context.Background())
	assert.False(t, ok)

	r.RefreshNative(context.Background())
	p, ok := r.CachedNative(context.Background())
	require.True(t, ok)
	assert.Equal(t, 150.0, p)

	src.prices[constants.WrappedSOLMint] = 160
	r.RefreshNative(context.Background())
	p, _ = r.CachedNative(context.Background())
	assert.Equal(t, 160.0, p)
}

func TestWeightedPrice(t *testing.T) {
	p, liq, ok := WeightedPrice([]PoolQuote{
		{Pool: "deep", Price: 1.0, Liquidity: 3000},
		{Pool: "shallow", Price: 2.0, Liquidity: 1000},
		{Pool: "dust", Price: 100.0, Liquidity: 10},
	}, 1000)
	require.True(t, ok)
	assert.InDelta(t, 1.25, p, 1e-9)
	assert.Equal(t, 4000.0, liq)

	_, _, ok = WeightedPrice([]PoolQuote{{Price: 5, Liquidity: 10}}, 1000)
	assert.False(t, ok, "all pools under threshold")

	p, _, ok = WeightedPrice([]PoolQuote{{Price: 5, Liquidity: 0}, {Price: 6, Liquidity: 0}}, 0)
	require.True(t, ok)
	assert.Equal(t, 5.0, p, "zero weights fall back to a single pool")
}

// Package price resolves USD prices for token mints through an ordered chain
// of caches and upstream sources.
package price

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/cache"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/flags"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
)

var ErrNoPrice = errors.New("no price available")

// SharedCache is the cross-process quote cache.
type SharedCache interface {
	GetMany(ctx context.Context, mints []string) (map[string]models.PriceQuote, error)
	SetMany(ctx context.Context, quotes map[string]models.PriceQuote, ttl time.Duration) error
	LastKnown(ctx context.Context, mints []string) (map[string]models.PriceQuote, error)
}

// Toggles reports whether a runtime switch is on.
type Toggles interface {
	IsEnabled(ctx context.Context, key string, def bool) bool
}

type Config struct {
	Sources []Source // tried in order
	Shared  SharedCache
	Flags   Toggles

	CacheTTL          time.Duration
	BatchWindow       time.Duration
	SourceTimeout     time.Duration
	NativeRefresh     time.Duration
	NativeFallbackUSD float64

	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

type inflightCall struct {
	done  chan struct{}
	quote models.PriceQuote
	ok    bool
}

type batchResult struct {
	quote models.PriceQuote
	err   error
}

// Resolver implements the price chain. Safe for concurrent use.
type Resolver struct {
	cfg    Config
	logger *logrus.Logger

	local *cache.LocalCache[string, models.PriceQuote]

	lastMu sync.RWMutex
	last   map[string]models.PriceQuote

	flightMu sync.Mutex
	inflight map[string]*inflightCall

	batchMu sync.Mutex
	pending map[string][]chan batchResult
	timer   *time.Timer
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = constants.DefaultPriceCacheTTL
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = constants.DefaultBatchWindow
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = constants.DefaultSourceTimeout
	}
	if cfg.NativeRefresh <= 0 {
		cfg.NativeRefresh = constants.DefaultNativeRefresh
	}
	if cfg.NativeFallbackUSD <= 0 {
		cfg.NativeFallbackUSD = constants.DefaultNativeFallback
	}

	return &Resolver{
		cfg:      cfg,
		logger:   cfg.Logger,
		local:    cache.NewLocalCache[string, models.PriceQuote](cfg.CacheTTL, 10_000),
		last:     make(map[string]models.PriceQuote),
		inflight: make(map[string]*inflightCall),
		pending:  make(map[string][]chan batchResult),
	}
}

// GetPrices resolves every mint it can. Mints without any price are absent
// from the result; only the native mint always resolves.
func (r *Resolver) GetPrices(ctx context.Context, mints []string) (map[string]models.PriceQuote, error) {
	out := make(map[string]models.PriceQuote, len(mints))
	missing := make([]string, 0, len(mints))
	seen := make(map[string]bool, len(mints))

	for _, m := range mints {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		if q, ok := r.local.Get(m); ok {
			out[m] = q
			r.cfg.Metrics.PriceLookups.WithLabelValues("local", "hit").Inc()
			continue
		}
		missing = append(missing, m)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if r.cfg.Shared != nil {
		shared, err := r.cfg.Shared.GetMany(ctx, missing)
		if err != nil {
			r.logger.WithError(err).Warn("shared price cache unavailable")
		}
		rest := missing[:0:0]
		for _, m := range missing {
			if q, ok := shared[m]; ok {
				out[m] = q
				r.local.Set(m, q)
				r.cfg.Metrics.PriceLookups.WithLabelValues("shared", "hit").Inc()
				continue
			}
			rest = append(rest, m)
		}
		missing = rest
	}
	if len(missing) == 0 {
		return out, nil
	}

	owned, waiting := r.claim(missing)
	if len(owned) > 0 {
		resolved := r.resolve(ctx, owned)
		r.finish(owned, resolved)
		for m, q := range resolved {
			out[m] = q
		}
	}

	for m, call := range waiting {
		select {
		case <-call.done:
			if call.ok {
				out[m] = call.quote
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

// claim registers this caller as the fetcher for mints nobody is fetching yet.
func (r *Resolver) claim(mints []string) ([]string, map[string]*inflightCall) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()

	owned := make([]string, 0, len(mints))
	waiting := make(map[string]*inflightCall)
	for _, m := range mints {
		if call, ok := r.inflight[m]; ok {
			waiting[m] = call
			continue
		}
		r.inflight[m] = &inflightCall{done: make(chan struct{})}
		owned = append(owned, m)
	}
	return owned, waiting
}

func (r *Resolver) finish(owned []string, resolved map[string]models.PriceQuote) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()

	for _, m := range owned {
		call := r.inflight[m]
		delete(r.inflight, m)
		if call == nil {
			continue
		}
		call.quote, call.ok = resolved[m]
		close(call.done)
	}
}

// resolve runs the upstream part of the chain: enabled sources in order, then
// last known, then the native fallback.
func (r *Resolver) resolve(ctx context.Context, mints []string) map[string]models.PriceQuote {
	out := make(map[string]models.PriceQuote, len(mints))
	remaining := mints

	for _, src := range r.cfg.Sources {
		if len(remaining) == 0 {
			break
		}
		name := string(src.Name())
		if r.cfg.Flags != nil && !r.cfg.Flags.IsEnabled(ctx, flags.PriceSourceKey(name), true) {
			continue
		}

		found := r.fetchSource(ctx, src, remaining)

		next := remaining[:0:0]
		for _, m := range remaining {
			q, ok := found[m]
			if !ok || q.Price <= 0 {
				next = append(next, m)
				continue
			}
			q.Mint = m
			q.Source = src.Name()
			if q.Timestamp.IsZero() {
				q.Timestamp = time.Now().UTC()
			}
			out[m] = q
		}
		remaining = next
	}

	if len(out) > 0 {
		for m, q := range out {
			r.local.Set(m, q)
			r.remember(q)
		}
		if r.cfg.Shared != nil {
			if err := r.cfg.Shared.SetMany(ctx, out, r.cfg.CacheTTL); err != nil {
				r.logger.WithError(err).Warn("failed to write shared price cache")
			}
		}
	}

	if len(remaining) == 0 {
		return out
	}

	for m, q := range r.lastKnown(ctx, remaining) {
		q.Source = models.PriceSourceStale
		out[m] = q
		r.local.Set(m, q)
		r.cfg.Metrics.PriceLookups.WithLabelValues(string(models.PriceSourceStale), "hit").Inc()
	}

	for _, m := range remaining {
		if _, ok := out[m]; ok {
			continue
		}
		if m == constants.WrappedSOLMint {
			q := models.PriceQuote{
				Mint:      m,
				Price:     r.cfg.NativeFallbackUSD,
				Source:    models.PriceSourceFallback,
				Timestamp: time.Now().UTC(),
			}
			out[m] = q
			r.local.Set(m, q)
			r.logger.WithField("price", q.Price).Warn("using fallback native price")
			r.cfg.Metrics.PriceLookups.WithLabelValues(string(models.PriceSourceFallback), "hit").Inc()
			continue
		}
		r.cfg.Metrics.PriceLookups.WithLabelValues("none", "miss").Inc()
	}
	return out
}

func (r *Resolver) fetchSource(ctx context.Context, src Source, mints []string) map[string]models.PriceQuote {
	name := string(src.Name())
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SourceTimeout)
	defer cancel()

	start := time.Now()
	found, err := src.Fetch(sctx, mints)
	r.cfg.Metrics.PriceSourceLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		r.cfg.Metrics.PriceLookups.WithLabelValues(name, "error").Inc()
		r.logger.WithError(err).WithFields(logrus.Fields{
			"source": name,
			"mints":  len(mints),
		}).Warn("price source failed")
		return nil
	}
	r.cfg.Metrics.PriceLookups.WithLabelValues(name, "hit").Add(float64(len(found)))
	return found
}

func (r *Resolver) remember(q models.PriceQuote) {
	r.lastMu.Lock()
	r.last[q.Mint] = q
	r.lastMu.Unlock()
}

func (r *Resolver) lastKnown(ctx context.Context, mints []string) map[string]models.PriceQuote {
	out := make(map[string]models.PriceQuote)

	r.lastMu.RLock()
	for _, m := range mints {
		if q, ok := r.last[m]; ok {
			out[m] = q
		}
	}
	r.lastMu.RUnlock()

	if r.cfg.Shared == nil || len(out) == len(mints) {
		return out
	}

	rest := make([]string, 0, len(mints)-len(out))
	for _, m := range mints {
		if _, ok := out[m]; !ok {
			rest = append(rest, m)
		}
	}
	shared, err := r.cfg.Shared.LastKnown(ctx, rest)
	if err != nil {
		r.logger.WithError(err).Warn("failed to read last known prices")
		return out
	}
	for m, q := range shared {
		out[m] = q
	}
	return out
}

// GetPrice queues mint into the current batching window. Every mint requested
// within the window is resolved with a single GetPrices call.
func (r *Resolver) GetPrice(ctx context.Context, mint string) (models.PriceQuote, error) {
	if q, ok := r.local.Get(mint); ok {
		return q, nil
	}

	ch := make(chan batchResult, 1)

	r.batchMu.Lock()
	r.pending[mint] = append(r.pending[mint], ch)
	if r.timer == nil {
		r.timer = time.AfterFunc(r.cfg.BatchWindow, r.flush)
	}
	r.batchMu.Unlock()

	select {
	case res := <-ch:
		return res.quote, res.err
	case <-ctx.Done():
		return models.PriceQuote{}, ctx.Err()
	}
}

func (r *Resolver) flush() {
	r.batchMu.Lock()
	pending := r.pending
	r.pending = make(map[string][]chan batchResult)
	r.timer = nil
	r.batchMu.Unlock()

	if len(pending) == 0 {
		return
	}

	mints := make([]string, 0, len(pending))
	for m := range pending {
		mints = append(mints, m)
	}
	r.cfg.Metrics.PriceBatchSize.Observe(float64(len(mints)))

	timeout := r.cfg.SourceTimeout*time.Duration(len(r.cfg.Sources)+1) + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	quotes, err := r.GetPrices(ctx, mints)
	for m, waiters := range pending {
		res := batchResult{err: err}
		if q, ok := quotes[m]; ok {
			res = batchResult{quote: q}
		} else if err == nil {
			res.err = ErrNoPrice
		}
		for _, ch := range waiters {
			ch <- res
		}
	}
}

// NativePrice returns the SOL/USD quote. It never fails outright: the fixed
// fallback is the last stage.
func (r *Resolver) NativePrice(ctx context.Context) (models.PriceQuote, error) {
	return r.GetPrice(ctx, constants.WrappedSOLMint)
}

// CachedNative returns the native price if one is already known locally.
func (r *Resolver) CachedNative(_ context.Context) (float64, bool) {
	if q, ok := r.local.Get(constants.WrappedSOLMint); ok {
		return q.Price, true
	}
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	if q, ok := r.last[constants.WrappedSOLMint]; ok {
		return q.Price, true
	}
	return 0, false
}

// RefreshNative re-resolves the native price, bypassing the caches.
func (r *Resolver) RefreshNative(ctx context.Context) {
	owned, _ := r.claim([]string{constants.WrappedSOLMint})
	if len(owned) == 0 {
		return
	}
	resolved := r.resolve(ctx, owned)
	r.finish(owned, resolved)
}

// Run keeps the native price warm and evicts expired cache entries until ctx
// is done.
func (r *Resolver) Run(ctx context.Context) error {
	go r.local.Run(ctx, r.cfg.CacheTTL)

	r.RefreshNative(ctx)

	ticker := time.NewTicker(r.cfg.NativeRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RefreshNative(ctx)
		}
	}
}

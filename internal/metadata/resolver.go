// Package metadata resolves token identity (symbol, name, decimals) through a
// chain of progressively more expensive stages.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/cache"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// ErrUnavailable is returned alongside placeholders when a metadata stage
// failed rather than answered. A later lookup may resolve the mint.
var ErrUnavailable = errors.New("token metadata unavailable")

// AssetAPI is a keyed metadata service.
type AssetAPI interface {
	GetAsset(ctx context.Context, mint string) (*models.Token, error)
}

// ChainReader reads identity from chain state.
type ChainReader interface {
	MintDecimals(ctx context.Context, mint solana.PublicKey) (int, error)
	Metadata(ctx context.Context, mint solana.PublicKey) (*OnChainMetadata, error)
}

type Config struct {
	Store    storage.TokenStore
	Snapshot *Snapshot
	API      AssetAPI
	Chain    ChainReader
	TTL      time.Duration
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
}

// Resolver looks tokens up in order: in-process cache, durable store,
// snapshot, metadata API, on-chain metadata. Anything left becomes an Unknown
// placeholder.
type Resolver struct {
	store    storage.TokenStore
	snapshot *Snapshot
	api      AssetAPI
	chain    ChainReader
	local    *cache.LocalCache[string, *models.Token]
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = constants.DefaultMetadataTTL
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = NewSnapshot()
	}
	r := &Resolver{
		store:    cfg.Store,
		snapshot: cfg.Snapshot,
		chain:    cfg.Chain,
		local:    cache.NewLocalCache[string, *models.Token](cfg.TTL, 50_000),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	// a typed nil client must not be stored as a non-nil interface
	if api, ok := cfg.API.(*HeliusClient); !ok || api != nil {
		r.api = cfg.API
	}
	return r
}

// Run evicts expired cache entries until ctx is done.
func (r *Resolver) Run(ctx context.Context) {
	r.local.Run(ctx, 10*time.Minute)
}

// GetTokenInfo resolves a single mint. On ErrUnavailable the Unknown
// placeholder is returned with the error.
func (r *Resolver) GetTokenInfo(ctx context.Context, mint string) (*models.Token, error) {
	out, err := r.GetTokenInfos(ctx, []string{mint}, nil)
	return out[mint], err
}

// GetTokenInfos resolves every mint. observedDecimals carries the decimals the
// RPC reported in token balances; they win over any metadata source for new
// mints and only raise an alert when they disagree with a stored mint.
//
// Every mint gets an entry. When some mints fell back to placeholders because
// a stage failed, the error wraps ErrUnavailable.
func (r *Resolver) GetTokenInfos(ctx context.Context, mints []string, observedDecimals map[string]int) (map[string]*models.Token, error) {
	out := make(map[string]*models.Token, len(mints))
	var missing []string
	seen := make(map[string]bool, len(mints))

	for _, mint := range mints {
		if mint == "" || seen[mint] {
			continue
		}
		seen[mint] = true
		if t, ok := r.local.Get(mint); ok {
			r.observe("cache")
			out[mint] = copyToken(t)
			continue
		}
		missing = append(missing, mint)
	}

	if len(missing) > 0 && r.store != nil {
		stored, err := r.store.GetTokens(ctx, missing)
		if err != nil {
			r.logger.WithError(err).Warn("token store lookup failed")
		} else {
			remaining := missing[:0]
			for _, mint := range missing {
				t, ok := stored[mint]
				if !ok || t.IsUnknown() {
					remaining = append(remaining, mint)
					continue
				}
				r.observe("store")
				r.local.Set(mint, t)
				out[mint] = copyToken(t)
			}
			missing = remaining
		}
	}

	var unavailable []string
	if len(missing) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, mint := range missing {
			mint := mint
			var observed *int
			if d, ok := observedDecimals[mint]; ok {
				observed = &d
			}
			g.Go(func() error {
				t, failed := r.resolveRemote(gctx, mint, observed)
				mu.Lock()
				out[mint] = t
				if failed {
					unavailable = append(unavailable, mint)
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for mint, t := range out {
		if d, ok := observedDecimals[mint]; ok && d != t.Decimals {
			r.decimalsAlert(mint, t.Decimals, d)
		}
	}
	if len(unavailable) > 0 {
		sort.Strings(unavailable)
		return out, fmt.Errorf("%w: %s", ErrUnavailable, strings.Join(unavailable, ","))
	}
	return out, nil
}

// resolveRemote reports failed when the mint ended up Unknown after a stage
// errored instead of answering.
func (r *Resolver) resolveRemote(ctx context.Context, mint string, observed *int) (*models.Token, bool) {
	t, stage, failed := r.lookupRemote(ctx, mint)
	if t == nil {
		t = &models.Token{Mint: mint, Symbol: models.UnknownSymbol, Name: models.UnknownTokenName, Decimals: -1}
		stage = "unknown"
	}
	r.observe(stage)

	switch {
	case observed != nil:
		if t.Decimals >= 0 && t.Decimals != *observed {
			r.decimalsAlert(mint, t.Decimals, *observed)
		}
		t.Decimals = *observed
	case stage != "snapshot":
		// the mint account beats whatever the API said
		if d, ok := r.mintDecimals(ctx, mint); ok {
			if t.Decimals >= 0 && t.Decimals != d {
				r.decimalsAlert(mint, t.Decimals, d)
			}
			t.Decimals = d
		} else if t.Decimals < 0 {
			t.Decimals = 0
		}
	}

	if t.IsUnknown() {
		// placeholders are persisted with the transaction that needs them and
		// never cached, so the next lookup tries the remote stages again
		return copyToken(t), failed
	}

	if r.store != nil {
		stored, err := r.store.UpsertToken(ctx, t)
		if err != nil {
			r.logger.WithError(err).WithField("mint", mint).Warn("failed to persist token metadata")
		} else {
			t = stored
		}
	}
	r.local.Set(mint, t)
	return copyToken(t), false
}

// lookupRemote walks snapshot, API and chain metadata. Returned decimals are
// -1 when the stage did not know them. failed is set when a stage errored; a
// missing on-chain account is an answer, not a failure.
func (r *Resolver) lookupRemote(ctx context.Context, mint string) (*models.Token, string, bool) {
	failed := false
	if t, ok := r.snapshot.Lookup(mint); ok {
		return t, "snapshot", false
	}

	if r.api != nil {
		t, err := r.api.GetAsset(ctx, mint)
		if err != nil {
			r.logger.WithError(err).WithField("mint", mint).Debug("metadata api lookup failed")
			failed = true
		} else if t != nil {
			return t, "api", false
		}
	}

	if r.chain != nil {
		pk, err := solana.PublicKeyFromBase58(mint)
		if err != nil {
			return nil, "", failed
		}
		md, err := r.chain.Metadata(ctx, pk)
		switch {
		case errors.Is(err, ErrAccountNotFound):
		case err != nil:
			r.logger.WithError(err).WithField("mint", mint).Debug("on-chain metadata unavailable")
			failed = true
		case md.Symbol != "":
			name := md.Name
			if name == "" {
				name = md.Symbol
			}
			return &models.Token{Mint: mint, Symbol: md.Symbol, Name: name, Decimals: -1}, "chain", false
		}
	}
	return nil, "", failed
}

func (r *Resolver) mintDecimals(ctx context.Context, mint string) (int, bool) {
	if r.chain == nil {
		return 0, false
	}
	pk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, false
	}
	d, err := r.chain.MintDecimals(ctx, pk)
	if err != nil {
		r.logger.WithError(err).WithField("mint", mint).Debug("mint decimals unavailable")
		return 0, false
	}
	return d, true
}

func (r *Resolver) decimalsAlert(mint string, stored, observed int) {
	r.logger.WithFields(logrus.Fields{
		"mint":     mint,
		"stored":   stored,
		"observed": observed,
	}).Warn("token decimals mismatch")
	if r.metrics != nil {
		r.metrics.DecimalsAlerts.Inc()
	}
}

func (r *Resolver) observe(stage string) {
	if r.metrics != nil {
		r.metrics.MetadataLookups.WithLabelValues(stage).Inc()
	}
}

func copyToken(t *models.Token) *models.Token {
	c := *t
	return &c
}

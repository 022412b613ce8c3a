// Package app holds the process bootstrap shared by the binaries: environment
// loading, logger setup and construction of the price and token resolvers.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/config"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/dexscreener"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/jupiter"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metadata"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/orca"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/price"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// NewLogger returns the text logger every binary uses.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// LoadEnv reads .env from the project root. It must run before config.Load.
func LoadEnv(logger *logrus.Logger) {
	_, filename, _, _ := runtime.Caller(0)
	envPath := filepath.Join(filepath.Dir(filename), "../..", ".env")

	if err := godotenv.Load(envPath); err != nil {
		logger.Debugf("no .env file found at %s, using system environment variables", envPath)
	} else {
		logger.Infof("loaded .env from %s", envPath)
	}
}

// LoadConfig loads .env, then the configuration, and validates it.
func LoadConfig(logger *logrus.Logger) (*config.Config, error) {
	LoadEnv(logger)
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	return cfg, nil
}

// NewRPCClient builds the JSON-RPC client with the configured retry budget.
func NewRPCClient(cfg *config.Config, logger *logrus.Logger) *rpc.Client {
	return rpc.NewClient(rpc.ClientConfig{
		BaseURL:      cfg.RPCUrl,
		Timeout:      cfg.HTTPTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       logger,
	})
}

// NewTokenResolver wires the metadata chain: store, snapshot, Helius DAS and
// on-chain Metaplex accounts.
func NewTokenResolver(cfg *config.Config, store storage.TokenStore, client *rpc.Client, m *metrics.Metrics, logger *logrus.Logger) (*metadata.Resolver, error) {
	snap := metadata.NewSnapshot()
	if cfg.TokenSnapshotPath != "" {
		s, err := metadata.LoadSnapshot(cfg.TokenSnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("load token snapshot: %w", err)
		}
		snap = s
		logger.WithField("tokens", snap.Len()).Info("token snapshot loaded")
	}

	return metadata.NewResolver(metadata.Config{
		Store:    store,
		Snapshot: snap,
		API:      metadata.NewHeliusClient(client, cfg.HeliusMetadataURL, cfg.HeliusAPIKey),
		Chain:    metadata.NewOnChain(metadata.NewRPCAccounts(cfg.RPCUrl)),
		TTL:      cfg.MetadataTTL,
		Metrics:  m,
		Logger:   logger,
	}), nil
}

// NewPriceResolver wires the source chain: pool reserves, DexScreener, then
// Jupiter quotes. shared and toggles may be nil.
func NewPriceResolver(
	cfg *config.Config,
	client *rpc.Client,
	tokens *metadata.Resolver,
	shared price.SharedCache,
	toggles price.Toggles,
	m *metrics.Metrics,
	logger *logrus.Logger,
) (*price.Resolver, error) {
	pools, err := orca.NewPoolRegistry(cfg.PoolConfigPath)
	if err != nil {
		return nil, err
	}
	logger.WithField("pools", pools.PoolCount()).Info("pool registry loaded")

	poolSrc := price.NewPoolSource(pools, orca.NewClient(client), cfg.MinPoolLiquidityUSD, logger)
	decimals := func(ctx context.Context, mint string) (int, error) {
		t, err := tokens.GetTokenInfo(ctx, mint)
		if err != nil {
			return 0, err
		}
		return t.Decimals, nil
	}

	rc := price.Config{
		Sources: []price.Source{
			poolSrc,
			price.NewDexScreenerSource(dexscreener.NewClient(cfg.DexScreenerBaseURL)),
			price.NewJupiterSource(jupiter.NewClient(cfg.JupiterBaseURL, cfg.JupiterAPIKey), decimals, logger),
		},
		Shared:            shared,
		Flags:             toggles,
		CacheTTL:          cfg.PriceCacheTTL,
		BatchWindow:       cfg.PriceBatchWindow,
		SourceTimeout:     cfg.PriceSourceTimeout,
		NativeRefresh:     cfg.NativeRefreshInterval,
		NativeFallbackUSD: cfg.NativeFallbackUSD,
		Metrics:           m,
		Logger:            logger,
	}
	resolver := price.NewResolver(rc)
	poolSrc.SetNativeLookup(resolver.CachedNative)
	return resolver, nil
}

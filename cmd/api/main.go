package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/ai"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/app"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/cache"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/flags"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/pnl"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/registry"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/server"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage/migrations"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage/postgres"
)

// main is the entry point for the API server
// It initializes all dependencies and starts the HTTP server with graceful shutdown
func main() {
	logger := app.NewLogger("info")

	// Load and validate configuration from environment variables
	cfg, err := app.LoadConfig(logger)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown (Ctrl+C, SIGTERM)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	m := metrics.New(prometheus.DefaultRegisterer)

	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Postgres")
	}
	defer pool.Close()
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}
	wallets := postgres.NewWalletStore(pool)
	txs := postgres.NewTransactionStore(pool)

	// Redis carries the price cache, feature flags and the pub/sub broker
	rclient, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Redis")
	}
	defer rclient.Close()

	broker := cache.NewPubSubBroker(rclient, logger)
	flagStore, err := flags.NewStore(rclient)
	if err != nil {
		logger.WithError(err).Fatal("failed to create flags store")
	}

	rpcClient := app.NewRPCClient(cfg, logger)
	tokens, err := app.NewTokenResolver(cfg, postgres.NewTokenStore(pool), rpcClient, m, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create token resolver")
	}
	prices, err := app.NewPriceResolver(cfg, rpcClient, tokens, cache.NewPriceCache(rclient, logger), flagStore, m, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create price resolver")
	}
	go func() { _ = prices.Run(ctx) }()
	go tokens.Run(ctx)

	// Initialize AI agent for natural language queries (optional)
	aiBase := ai.AgentConfig{
		ClickHouseAddr:     cfg.ClickHouseAddr,
		ClickHouseDatabase: cfg.ClickHouseDatabase,
		ClickHouseUsername: cfg.ClickHouseUsername,
		ClickHousePassword: cfg.ClickHousePassword,
		OpenRouterAPIKey:   cfg.OpenRouterAPIKey,
		Model:              cfg.AIModel,
		Logger:             logger,
	}

	h := &server.Handlers{
		Wallets:      registry.NewService(registry.Config{Wallets: wallets, Groups: wallets, Events: broker, Logger: logger}),
		Stats:        txs,
		Transactions: txs,
		Feed:         broker,
		Prices:       prices,
		PnL:          pnl.NewAggregator(pnl.AggregatorConfig{Transactions: txs, Prices: prices, Tokens: tokens, Logger: logger}),
		Flags:        flagStore,
		AIBaseConfig: aiBase,
		DevMode:      cfg.DevMode,
		Metrics:      m,
		Logger:       logger,
	}

	// Only initialize AI if OpenRouter API key is provided; a nil *Agent must
	// not end up in the Asker interface
	if cfg.OpenRouterAPIKey != "" {
		agent, err := ai.NewAgent(ctx, aiBase)
		if err != nil {
			logger.WithError(err).Warn("failed to initialize ai agent")
		} else {
			defer func() {
				_ = agent.Close()
			}()
			h.AI = agent
		}
	}

	srv, err := server.NewServer(server.ServerDeps{
		Handlers: h,
		Config: server.ServerConfig{
			Addr:    cfg.APIAddr,
			DevMode: cfg.DevMode,
			APIKey:  cfg.APIKey,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create http server")
	}

	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		_ = srv.Shutdown(context.Background())
	}()

	logger.WithField("addr", cfg.APIAddr).Info("api server starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("api server failed")
	}

	// Wait for server to be fully shut down
	if err := srv.WaitClosed(context.Background()); err != nil {
		logger.WithError(err).Warn("shutdown incomplete")
	}
}

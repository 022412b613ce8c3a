package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/app"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/cache"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/config"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/flags"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/ingest"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/retry"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage/migrations"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage/postgres"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/stream"
)

func main() {
	logger := app.NewLogger("info")
	cfg, err := app.LoadConfig(logger)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("indexer failed")
	}
	logger.Info("indexer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return err
	}

	wallets := postgres.NewWalletStore(pool)
	txs := postgres.NewTransactionStore(pool)
	tokenStore := postgres.NewTokenStore(pool)

	rclient, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rclient.Close()

	queue := cache.NewSignatureQueue(rclient, cfg.MarkerTTL, logger)
	broker := cache.NewPubSubBroker(rclient, logger)
	flagStore, err := flags.NewStore(rclient)
	if err != nil {
		return err
	}

	// nil unless the archive is enabled and reachable
	var archive storage.TradeArchive
	if cfg.ArchiveEnabled {
		ch, err := cache.NewClickHouseArchive(ctx, cache.ClickHouseOptions{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("trade archive disabled")
		} else {
			defer ch.Close()
			if err := migrations.RunClickHouseMigrations(ctx, ch.Conn()); err != nil {
				return err
			}
			archive = ch
		}
	}

	rpcClient := app.NewRPCClient(cfg, logger)
	tokens, err := app.NewTokenResolver(cfg, tokenStore, rpcClient, m, logger)
	if err != nil {
		return err
	}
	prices, err := app.NewPriceResolver(cfg, rpcClient, tokens, cache.NewPriceCache(rclient, logger), flagStore, m, logger)
	if err != nil {
		return err
	}

	saver := ingest.NewSaver(ingest.SaverConfig{
		Store:   txs,
		Stats:   txs,
		Broker:  broker,
		Archive: archive,
		Flags:   flagStore,
		Metrics: m,
		Logger:  logger,
	})
	defer saver.Wait()

	processor := ingest.NewProcessor(ingest.ProcessorConfig{
		Transactions: txs,
		Wallets:      wallets,
		Fetcher:      rpcClient,
		Tokens:       tokens,
		Prices:       prices,
		Saver:        saver,
		Dust:         decimal.RequireFromString(cfg.DustThreshold),
		MaxAttempts:  cfg.MaxAttempts,
		Metrics:      m,
		Logger:       logger,
	})

	drainer := ingest.NewDrainer(ingest.DrainerConfig{
		Queue:   queue,
		Handler: processor,
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBackoff,
			MaxDelay:    5 * time.Minute,
			Jitter:      0.2,
		},
		BatchSize: cfg.QueueBatchSize,
		Workers:   cfg.WorkerCount,
		Timeout:   cfg.ProcessingTimeout,
		Metrics:   m,
		Logger:    logger,
	})

	poller := stream.NewRPCPoller(stream.RPCPollerConfig{
		Client:        rpcClient,
		Wallets:       wallets,
		Sink:          drainer,
		PollInterval:  cfg.PollInterval,
		BackfillLimit: cfg.BackfillLimit,
		Logger:        logger,
	})
	subscriber := stream.NewLogSubscriber(stream.LogSubscriberConfig{
		URL:        cfg.WSUrl,
		Wallets:    wallets,
		Sink:       drainer,
		MaxRetries: cfg.StreamMaxRetries,
		RetryDelay: cfg.StreamRetryDelay,
		MaxDelay:   cfg.StreamMaxDelay,
		Metrics:    m,
		Logger:     logger,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return drainer.Run(ctx) })
	g.Go(func() error { return prices.Run(ctx) })
	g.Go(func() error {
		tokens.Run(ctx)
		return nil
	})
	g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, m, logger) })
	g.Go(func() error { return watchSignatures(ctx, subscriber, poller, logger) })
	g.Go(func() error { return followRegistry(ctx, broker, subscriber, poller, logger) })

	logger.WithFields(logrus.Fields{
		"ws":      cfg.WSUrl,
		"workers": cfg.WorkerCount,
		"archive": archive != nil,
	}).Info("indexer running")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchSignatures catches up on signatures missed while the process was down,
// then follows the websocket subscription. When the subscription gives up for
// good the poller takes over.
func watchSignatures(ctx context.Context, sub *stream.LogSubscriber, poller *stream.RPCPoller, logger *logrus.Logger) error {
	poller.PollAll(ctx)

	err := sub.Run(ctx)
	if !errors.Is(err, stream.ErrRetriesExhausted) {
		return err
	}
	logger.WithError(err).Warn("log subscription unavailable, falling back to polling")
	return poller.Run(ctx)
}

// followRegistry applies wallet add/remove events from the API process.
func followRegistry(ctx context.Context, broker storage.Broker, sub *stream.LogSubscriber, poller *stream.RPCPoller, logger *logrus.Logger) error {
	events, err := broker.SubscribeWalletEvents(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			log := logger.WithFields(logrus.Fields{"wallet": ev.Address, "action": ev.Action})
			switch ev.Action {
			case models.WalletAdded:
				if err := sub.Track(ev.Address); err != nil {
					log.WithError(err).Warn("subscribe wallet failed")
				}
				n, err := poller.PollWallet(ctx, ev.Address)
				if err != nil {
					log.WithError(err).Warn("wallet backfill failed")
				}
				log.WithField("enqueued", n).Info("wallet added")
			case models.WalletRemoved:
				if err := sub.Untrack(ev.Address); err != nil {
					log.WithError(err).Warn("unsubscribe wallet failed")
				}
				poller.Forget(ev.Address)
				log.Info("wallet removed")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *logrus.Logger) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("metrics listening")
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/flags"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// Toggles reads runtime feature flags.
type Toggles interface {
	IsEnabled(ctx context.Context, key string, def bool) bool
}

type SaverConfig struct {
	Store   storage.TransactionStore
	Stats   storage.StatsStore
	Broker  storage.Broker
	Archive storage.TradeArchive // optional
	Flags   Toggles              // optional
	Metrics *metrics.Metrics
	Logger  *logrus.Logger

	// SideEffectTimeout bounds the asynchronous work after a save.
	SideEffectTimeout time.Duration
}

// Saver persists transactions and runs the post-save side effects: stats
// recompute, live publish and the analytics archive. Side effects are
// best-effort and never undo the save.
type Saver struct {
	store   storage.TransactionStore
	stats   storage.StatsStore
	broker  storage.Broker
	archive storage.TradeArchive
	flags   Toggles
	metrics *metrics.Metrics
	logger  *logrus.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func NewSaver(cfg SaverConfig) *Saver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = 10 * time.Second
	}
	return &Saver{
		store:   cfg.Store,
		stats:   cfg.Stats,
		broker:  cfg.Broker,
		archive: cfg.Archive,
		flags:   cfg.Flags,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		timeout: cfg.SideEffectTimeout,
	}
}

// Save stores tx. created is false when the signature was already stored, in
// which case no side effects run.
func (s *Saver) Save(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	saved, created, err := s.store.Save(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.wg.Add(1)
		go s.afterSave(saved)
	}
	return saved, created, nil
}

// Wait blocks until in-flight side effects have finished.
func (s *Saver) Wait() {
	s.wg.Wait()
}

func (s *Saver) afterSave(tx *models.Transaction) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	log := s.logger.WithFields(logrus.Fields{
		"signature": tx.Signature,
		"wallet":    tx.WalletAddress,
	})

	if s.stats != nil {
		if _, err := s.stats.RecomputeWalletStats(ctx, tx.WalletID); err != nil {
			log.WithError(err).Warn("wallet stats recompute failed")
			s.sideEffectError("stats")
		}
	}

	if s.broker != nil {
		if err := s.broker.Publish(ctx, tx); err != nil {
			log.WithError(err).Warn("publish failed")
			s.sideEffectError("publish")
		}
	}

	if s.archive != nil && (s.flags == nil || s.flags.IsEnabled(ctx, flags.ArchiveKey, true)) {
		if err := s.archive.InsertTrade(ctx, tx); err != nil {
			log.WithError(err).Warn("archive insert failed")
			s.sideEffectError("archive")
		}
	}
}

func (s *Saver) sideEffectError(effect string) {
	if s.metrics != nil {
		s.metrics.SideEffectErrors.WithLabelValues(effect).Inc()
	}
}

// Package ingest turns queued signatures into persisted wallet trades.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

var (
	// ErrFetchFailed means the node could not be reached or answered with an
	// error. Retryable; the signature stays deliverable once retries run out.
	ErrFetchFailed = errors.New("transaction fetch failed")

	// ErrTxNotFound means the node answered but had no transaction, or one
	// without metadata. Retryable; marked failed once retries run out.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrMetadataFailed means a token could not be identified because a
	// metadata source failed. Retryable; the last attempt saves placeholders.
	ErrMetadataFailed = errors.New("token metadata failed")

	// ErrPersistFailed means the store rejected or failed the save. Retryable.
	ErrPersistFailed = errors.New("transaction persist failed")
)

// TxFetcher fetches a jsonParsed transaction. A nil result means not found.
type TxFetcher interface {
	GetTransaction(ctx context.Context, signature string) (*rpc.TransactionResult, error)
}

// TokenResolver resolves token identity in batch.
type TokenResolver interface {
	GetTokenInfos(ctx context.Context, mints []string, observedDecimals map[string]int) (map[string]*models.Token, error)
}

// NativePricer returns the SOL/USD quote.
type NativePricer interface {
	NativePrice(ctx context.Context) (models.PriceQuote, error)
}

type ProcessorConfig struct {
	Transactions storage.TransactionStore
	Wallets      storage.WalletStore
	Fetcher      TxFetcher
	Tokens       TokenResolver
	Prices       NativePricer // optional
	Saver        *Saver
	Dust         decimal.Decimal

	// MaxAttempts matches the drainer policy. Metadata failures are retried
	// until the last attempt, which stores Unknown placeholders instead.
	MaxAttempts int

	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Processor fetches, classifies and persists one signature at a time.
type Processor struct {
	txs      storage.TransactionStore
	wallets  storage.WalletStore
	fetcher  TxFetcher
	tokens   TokenResolver
	prices   NativePricer
	saver    *Saver
	dust     decimal.Decimal
	attempts int
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Dust.IsZero() {
		cfg.Dust = decimal.RequireFromString(constants.DefaultDustThreshold)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultMaxAttempts
	}
	return &Processor{
		txs:      cfg.Transactions,
		wallets:  cfg.Wallets,
		fetcher:  cfg.Fetcher,
		tokens:   cfg.Tokens,
		prices:   cfg.Prices,
		saver:    cfg.Saver,
		dust:     cfg.Dust,
		attempts: cfg.MaxAttempts,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Process handles one signature event. It returns the newly stored
// transaction, or nil when the event was legitimately discarded or already
// stored. Errors wrap ErrFetchFailed, ErrTxNotFound, ErrMetadataFailed or
// ErrPersistFailed when a retry may help.
func (p *Processor) Process(ctx context.Context, ev models.SignatureEvent) (*models.Transaction, error) {
	log := p.logger.WithFields(logrus.Fields{
		"signature": ev.Signature,
		"wallet":    ev.WalletAddress,
	})

	exists, err := p.txs.ExistsBySignature(ctx, ev.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: existence check: %v", ErrPersistFailed, err)
	}
	if exists {
		p.result("duplicate")
		return nil, nil
	}

	wallet, err := p.wallets.GetWallet(ctx, ev.WalletAddress)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !wallet.IsActive) {
		log.Debug("wallet no longer monitored")
		p.result("unmonitored")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: wallet lookup: %v", ErrPersistFailed, err)
	}

	res, err := p.fetcher.GetTransaction(ctx, ev.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if res == nil || res.Meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, ev.Signature)
	}
	if res.Meta.Err != nil {
		log.Debug("transaction failed on chain")
		p.result("failed_on_chain")
		return nil, nil
	}

	c, reason := Classify(res, ev.WalletAddress, p.dust)
	if c == nil {
		log.WithField("reason", reason).Debug("transaction discarded")
		p.result(reason)
		return nil, nil
	}

	tokens, err := p.tokens.GetTokenInfos(ctx, c.Mints(), c.Decimals)
	if err != nil {
		if ev.Attempt+1 < p.attempts {
			return nil, fmt.Errorf("%w: %v", ErrMetadataFailed, err)
		}
		// out of attempts: store placeholders, a later lookup refines them
		log.WithError(err).Warn("token metadata resolution failed")
	}

	tx := &models.Transaction{
		WalletID:      wallet.ID,
		WalletAddress: wallet.Address,
		GroupID:       wallet.GroupID,
		Signature:     ev.Signature,
		BlockTime:     blockTime(c.BlockTime, ev.BlockTime),
		Type:          c.Type,
		SolAmount:     c.SolDelta.Abs(),
		Operations:    make([]models.TokenOperation, 0, len(c.Ops)),
	}
	for _, op := range c.Ops {
		if t, ok := tokens[op.Mint]; ok && t != nil {
			op.Token = t
		} else {
			op.Token = &models.Token{
				Mint:     op.Mint,
				Symbol:   models.UnknownSymbol,
				Name:     models.UnknownTokenName,
				Decimals: c.Decimals[op.Mint],
			}
		}
		tx.Operations = append(tx.Operations, op)
	}
	tx.USDAmount = p.usdAmount(ctx, tx.SolAmount)

	saved, created, err := p.saver.Save(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if !created {
		p.result("duplicate")
		return nil, nil
	}

	log.WithFields(logrus.Fields{
		"type": saved.Type,
		"sol":  saved.SolAmount.String(),
		"ops":  len(saved.Operations),
	}).Info("transaction saved")
	p.result("saved")
	return saved, nil
}

// usdAmount values the native leg at the current SOL price. The fixed
// fallback price is not used for stored amounts.
func (p *Processor) usdAmount(ctx context.Context, sol decimal.Decimal) *decimal.Decimal {
	if p.prices == nil {
		return nil
	}
	q, err := p.prices.NativePrice(ctx)
	if err != nil || q.Price <= 0 || q.Source == models.PriceSourceFallback {
		return nil
	}
	usd := sol.Mul(decimal.NewFromFloat(q.Price)).Round(6)
	return &usd
}

func blockTime(fromTx, fromEvent int64) time.Time {
	switch {
	case fromTx > 0:
		return time.Unix(fromTx, 0).UTC()
	case fromEvent > 0:
		return time.Unix(fromEvent, 0).UTC()
	default:
		return time.Now().UTC()
	}
}

func (p *Processor) result(r string) {
	if p.metrics != nil {
		p.metrics.TransactionsProcessed.WithLabelValues(r).Inc()
	}
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/rpc"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned when Run is called on an active source.
var ErrAlreadyRunning = errors.New("signature source already running")

// Enqueuer accepts signature events. The ingest drainer satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev models.SignatureEvent) (bool, error)
}

// WalletLister returns the wallets a source should watch.
type WalletLister interface {
	ListActive(ctx context.Context, groupID *int64) ([]*models.Wallet, error)
}

// SignatureLister is the slice of the RPC client the poller needs.
type SignatureLister interface {
	GetSignaturesForAddress(ctx context.Context, address string, opts rpc.SignatureOptions) ([]rpc.SignatureInfo, error)
}

// RPCPoller backfills signatures per wallet with getSignaturesForAddress.
// It fills gaps after stream outages and replaces the stream when the
// subscription gives up.
type RPCPoller struct {
	client        SignatureLister
	wallets       WalletLister
	sink          Enqueuer
	pollInterval  time.Duration
	backfillLimit int
	logger        *logrus.Logger

	mu      sync.Mutex
	until   map[string]string // wallet -> newest signature already seen
	running atomic.Bool
}

// RPCPollerConfig holds configuration for the RPC poller
type RPCPollerConfig struct {
	Client        SignatureLister
	Wallets       WalletLister
	Sink          Enqueuer
	PollInterval  time.Duration
	BackfillLimit int
	Logger        *logrus.Logger
}

// NewRPCPoller creates a new RPC poller
func NewRPCPoller(cfg RPCPollerConfig) *RPCPoller {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = constants.DefaultBackfillLimit
	}

	return &RPCPoller{
		client:        cfg.Client,
		wallets:       cfg.Wallets,
		sink:          cfg.Sink,
		pollInterval:  cfg.PollInterval,
		backfillLimit: cfg.BackfillLimit,
		logger:        cfg.Logger,
		until:         make(map[string]string),
	}
}

// Run polls every active wallet immediately and then on each tick until ctx
// is done.
func (r *RPCPoller) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"interval": r.pollInterval,
		"limit":    r.backfillLimit,
	}).Info("starting RPC polling")

	for {
		r.PollAll(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollAll runs one backfill pass over every active wallet.
func (r *RPCPoller) PollAll(ctx context.Context) {
	wallets, err := r.wallets.ListActive(ctx, nil)
	if err != nil {
		r.logger.WithError(err).Error("poll: list wallets")
		return
	}
	for _, w := range wallets {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.PollWallet(ctx, w.Address); err != nil {
			r.logger.WithError(err).WithField("wallet", w.Address).Warn("poll error")
		}
	}
}

// PollWallet enqueues signatures newer than the last one seen for address,
// oldest first, and returns how many the queue accepted.
func (r *RPCPoller) PollWallet(ctx context.Context, address string) (int, error) {
	r.mu.Lock()
	until := r.until[address]
	r.mu.Unlock()

	sigs, err := r.client.GetSignaturesForAddress(ctx, address, rpc.SignatureOptions{
		Limit: r.backfillLimit,
		Until: until,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get signatures: %w", err)
	}
	if len(sigs) == 0 {
		return 0, nil
	}

	accepted := 0
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Err != nil {
			continue
		}
		ev := models.SignatureEvent{Signature: sig.Signature, WalletAddress: address}
		if sig.BlockTime != nil {
			ev.BlockTime = *sig.BlockTime
		}
		ok, err := r.sink.Enqueue(ctx, ev)
		if err != nil {
			// keep the cursor so the next pass retries from here
			return accepted, fmt.Errorf("enqueue %s: %w", sig.Signature, err)
		}
		if ok {
			accepted++
		}
	}

	r.mu.Lock()
	r.until[address] = sigs[0].Signature
	r.mu.Unlock()

	if accepted > 0 {
		r.logger.WithFields(logrus.Fields{
			"wallet": address,
			"count":  accepted,
		}).Info("backfilled signatures")
	}
	return accepted, nil
}

// Forget drops the cursor for address so a re-added wallet is backfilled again.
func (r *RPCPoller) Forget(address string) {
	r.mu.Lock()
	delete(r.until, address)
	r.mu.Unlock()
}

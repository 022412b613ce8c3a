package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/metrics"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/retry"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// ErrAlreadyRunning is returned by Run when a drain loop is active.
var ErrAlreadyRunning = errors.New("drain loop already running")

// Handler processes one signature event.
type Handler interface {
	Process(ctx context.Context, ev models.SignatureEvent) (*models.Transaction, error)
}

type DrainerConfig struct {
	Queue     storage.SignatureQueue
	Handler   Handler
	Policy    retry.Policy
	BatchSize int
	Workers   int

	// Timeout bounds a single Process call.
	Timeout time.Duration

	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Drainer empties the signature queue in batches through a bounded worker
// pool, then idles until woken by an enqueue or a due retry.
type Drainer struct {
	queue     storage.SignatureQueue
	handler   Handler
	policy    retry.Policy
	batchSize int
	workers   int
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	running atomic.Bool
	wake    chan struct{}

	timerMu  sync.Mutex
	timer    *time.Timer
	timerDue time.Time
}

func NewDrainer(cfg DrainerConfig) *Drainer {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.DefaultQueueBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = constants.DefaultWorkerCount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.Default()
	}
	if cfg.Policy.Retryable == nil {
		cfg.Policy.Retryable = IsRetryable
	}
	return &Drainer{
		queue:     cfg.Queue,
		handler:   cfg.Handler,
		policy:    cfg.Policy,
		batchSize: cfg.BatchSize,
		workers:   cfg.Workers,
		timeout:   cfg.Timeout,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		wake:      make(chan struct{}, 1),
	}
}

// IsRetryable reports whether a processing error may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrFetchFailed) ||
		errors.Is(err, ErrTxNotFound) ||
		errors.Is(err, ErrMetadataFailed) ||
		errors.Is(err, ErrPersistFailed)
}

// Enqueue offers ev to the queue and wakes the drain loop when accepted.
func (d *Drainer) Enqueue(ctx context.Context, ev models.SignatureEvent) (bool, error) {
	ok, err := d.queue.Enqueue(ctx, ev)
	if err != nil {
		return false, err
	}
	if !ok {
		if d.metrics != nil {
			d.metrics.SignaturesDuplicate.Inc()
		}
		return false, nil
	}
	if d.metrics != nil {
		d.metrics.SignaturesEnqueued.Inc()
	}
	d.Notify()
	return true, nil
}

// Notify wakes the drain loop. It never blocks.
func (d *Drainer) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains until ctx is done. Only one Run may be active per Drainer.
func (d *Drainer) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)
	defer d.stopTimer()

	d.logger.WithFields(logrus.Fields{
		"batch":   d.batchSize,
		"workers": d.workers,
	}).Info("drain loop started")

	// pick up whatever a previous process left behind
	d.Notify()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drain loop stopped")
			return nil
		case <-d.wake:
			d.drain(ctx)
		}
	}
}

func (d *Drainer) drain(ctx context.Context) {
	for ctx.Err() == nil {
		batch, err := d.queue.PopBatch(ctx, d.batchSize)
		if err != nil {
			d.logger.WithError(err).Error("failed to pop signature batch")
			d.wakeAt(time.Now().Add(time.Second))
			return
		}
		if len(batch) == 0 {
			d.idle(ctx)
			return
		}

		var g errgroup.Group
		g.SetLimit(d.workers)
		for _, ev := range batch {
			ev := ev
			g.Go(func() error {
				d.handle(ctx, ev)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// idle records the depth and arms a wake-up for the earliest scheduled retry.
func (d *Drainer) idle(ctx context.Context) {
	if d.metrics != nil {
		if n, err := d.queue.Len(ctx); err == nil {
			d.metrics.QueueDepth.Set(float64(n))
		}
	}
	due, ok, err := d.queue.NextRetryAt(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("failed to read next retry time")
		return
	}
	if ok {
		d.wakeAt(due)
	}
}

func (d *Drainer) handle(ctx context.Context, ev models.SignatureEvent) {
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	_, err := d.handler.Process(pctx, ev)
	if d.metrics != nil {
		d.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return
	}

	attempt := ev.Attempt + 1
	log := d.logger.WithFields(logrus.Fields{
		"signature": ev.Signature,
		"wallet":    ev.WalletAddress,
		"attempt":   attempt,
	}).WithError(err)

	if ctx.Err() == nil && d.policy.IsRetryable(err) && !d.policy.Exhausted(attempt) {
		ev.Attempt = attempt
		delay := d.policy.Delay(attempt)
		rerr := d.queue.Retry(ctx, ev, delay)
		if rerr == nil {
			log.WithField("delay", delay).Warn("processing failed, retry scheduled")
			if d.metrics != nil {
				d.metrics.SignaturesRetried.Inc()
			}
			d.wakeAt(time.Now().Add(delay))
			return
		}
		log.WithField("retry_error", rerr.Error()).Error("failed to schedule retry")
	}

	// out of attempts: a transaction the node never returned is recorded as
	// failed, anything else is released so a redelivery is accepted
	if errors.Is(err, ErrTxNotFound) {
		if merr := d.queue.MarkFailed(context.WithoutCancel(ctx), ev.Signature); merr != nil {
			log.WithField("mark_error", merr.Error()).Error("failed to mark signature failed")
		}
		if d.metrics != nil {
			d.metrics.SignaturesFailed.Inc()
		}
		log.Error("transaction not retrievable, marked failed")
		return
	}

	if rerr := d.queue.Release(context.WithoutCancel(ctx), ev.Signature); rerr != nil {
		log.WithField("release_error", rerr.Error()).Error("failed to release signature marker")
	}
	log.Error("processing failed, marker released")
}

// wakeAt arms a single timer for t unless an earlier one is already pending.
func (d *Drainer) wakeAt(t time.Time) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()

	now := time.Now()
	if d.timer != nil && d.timerDue.After(now) && !d.timerDue.After(t) {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timerDue = t
	d.timer = time.AfterFunc(t.Sub(now), d.Notify)
}

func (d *Drainer) stopTimer() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

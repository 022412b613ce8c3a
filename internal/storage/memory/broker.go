package memory

import (
	"context"
	"sync"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

const subscriberBuffer = 64

type txSub struct {
	groupID *int64
	ch      chan *models.Transaction
}

// Broker fans out in-process. Slow subscribers lose messages instead of
// blocking publishers.
type Broker struct {
	mu         sync.RWMutex
	txSubs     map[*txSub]struct{}
	walletSubs map[chan models.WalletEvent]struct{}
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		txSubs:     make(map[*txSub]struct{}),
		walletSubs: make(map[chan models.WalletEvent]struct{}),
	}
}

var _ storage.Broker = (*Broker)(nil)

func (b *Broker) Publish(_ context.Context, tx *models.Transaction) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.txSubs {
		if sub.groupID != nil && (tx.GroupID == nil || *tx.GroupID != *sub.groupID) {
			continue
		}
		select {
		case sub.ch <- tx:
		default:
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, groupID *int64) (<-chan *models.Transaction, error) {
	sub := &txSub{groupID: groupID, ch: make(chan *models.Transaction, subscriberBuffer)}

	b.mu.Lock()
	b.txSubs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.txSubs, sub)
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

func (b *Broker) PublishWalletEvent(_ context.Context, ev models.WalletEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.walletSubs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *Broker) SubscribeWalletEvents(ctx context.Context) (<-chan models.WalletEvent, error) {
	ch := make(chan models.WalletEvent, subscriberBuffer)

	b.mu.Lock()
	b.walletSubs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.walletSubs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

const subscriberBuffer = 256

// PubSubBroker fans out transactions and wallet control events over Redis Pub/Sub.
type PubSubBroker struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPubSubBroker(client *redis.Client, logger *logrus.Logger) *PubSubBroker {
	return &PubSubBroker{client: client, logger: logger}
}

var _ storage.Broker = (*PubSubBroker)(nil)

func groupChannel(id int64) string {
	return fmt.Sprintf(constants.PubSubChannelGroupTransactions, id)
}

// Publish sends the transaction to the global channel and its group channel.
func (p *PubSubBroker) Publish(ctx context.Context, tx *models.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	channels := []string{constants.PubSubChannelTransactions}
	if tx.GroupID != nil {
		channels = append(channels, groupChannel(*tx.GroupID))
	}

	pipe := p.client.Pipeline()
	for _, channel := range channels {
		pipe.Publish(ctx, channel, data)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe streams transactions until ctx is done. A slow reader loses
// messages rather than stalling the Redis connection.
func (p *PubSubBroker) Subscribe(ctx context.Context, groupID *int64) (<-chan *models.Transaction, error) {
	channel := constants.PubSubChannelTransactions
	if groupID != nil {
		channel = groupChannel(*groupID)
	}

	pubsub := p.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	p.logger.WithField("channel", channel).Info("subscribed to channel")

	out := make(chan *models.Transaction, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var tx models.Transaction
				if err := json.Unmarshal([]byte(msg.Payload), &tx); err != nil {
					p.logger.WithError(err).Warn("error unmarshaling transaction")
					continue
				}
				select {
				case out <- &tx:
				default:
					p.logger.WithField("signature", tx.Signature).Warn("subscriber buffer full, dropping transaction")
				}
			}
		}
	}()
	return out, nil
}

func (p *PubSubBroker) PublishWalletEvent(ctx context.Context, ev models.WalletEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, constants.PubSubChannelWalletControl, data).Err()
}

func (p *PubSubBroker) SubscribeWalletEvents(ctx context.Context) (<-chan models.WalletEvent, error) {
	pubsub := p.client.Subscribe(ctx, constants.PubSubChannelWalletControl)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe wallet control: %w", err)
	}

	out := make(chan models.WalletEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.WalletEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.logger.WithError(err).Warn("error unmarshaling wallet event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

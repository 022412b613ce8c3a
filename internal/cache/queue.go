package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/storage"
)

// enqueueScript sets the idempotency marker and pushes the event in one step.
// KEYS: marker, failed marker, queue. ARGV: payload, marker ttl in ms.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[2]) then
	redis.call('LPUSH', KEYS[3], ARGV[1])
	return 1
end
return 0
`)

// SignatureQueue is a Redis list of pending signature events plus a sorted
// set of delayed retries scored by due time in unix milliseconds.
type SignatureQueue struct {
	client    *redis.Client
	logger    *logrus.Logger
	markerTTL time.Duration
}

// NewSignatureQueue creates a queue. A non-positive markerTTL uses the default.
func NewSignatureQueue(client *redis.Client, markerTTL time.Duration, logger *logrus.Logger) *SignatureQueue {
	if markerTTL <= 0 {
		markerTTL = constants.DefaultMarkerTTL
	}
	return &SignatureQueue{client: client, logger: logger, markerTTL: markerTTL}
}

var _ storage.SignatureQueue = (*SignatureQueue)(nil)

func (q *SignatureQueue) Enqueue(ctx context.Context, ev models.SignatureEvent) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{
			constants.RedisKeySeenPrefix + ev.Signature,
			constants.RedisKeyFailedPrefix + ev.Signature,
			constants.RedisKeySignatureQueue,
		},
		data, q.markerTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", ev.Signature, err)
	}
	return res == 1, nil
}

func (q *SignatureQueue) PopBatch(ctx context.Context, n int) ([]models.SignatureEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := q.promoteDue(ctx, n); err != nil {
		return nil, err
	}

	raw, err := q.client.RPopCount(ctx, constants.RedisKeySignatureQueue, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop batch: %w", err)
	}

	out := make([]models.SignatureEvent, 0, len(raw))
	for _, s := range raw {
		var ev models.SignatureEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			q.logger.WithError(err).Warn("dropping undecodable queue entry")
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// promoteDue moves retries whose due time has passed onto the ready list.
// ZRem decides ownership so concurrent poppers never promote twice.
func (q *SignatureQueue) promoteDue(ctx context.Context, n int) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, constants.RedisKeySignatureRetry, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: int64(n),
	}).Result()
	if err != nil {
		return fmt.Errorf("read due retries: %w", err)
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, constants.RedisKeySignatureRetry, member).Result()
		if err != nil {
			return fmt.Errorf("claim retry: %w", err)
		}
		if removed != 1 {
			continue
		}
		if err := q.client.LPush(ctx, constants.RedisKeySignatureQueue, member).Err(); err != nil {
			return fmt.Errorf("promote retry: %w", err)
		}
	}
	return nil
}

func (q *SignatureQueue) Retry(ctx context.Context, ev models.SignatureEvent, delay time.Duration) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, constants.RedisKeySignatureRetry, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(data),
	})
	pipe.Set(ctx, constants.RedisKeySeenPrefix+ev.Signature, "1", delay+q.markerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry %s: %w", ev.Signature, err)
	}
	return nil
}

func (q *SignatureQueue) Release(ctx context.Context, signature string) error {
	return q.client.Del(ctx, constants.RedisKeySeenPrefix+signature).Err()
}

func (q *SignatureQueue) MarkFailed(ctx context.Context, signature string) error {
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, constants.RedisKeyFailedPrefix+signature, time.Now().Unix(), constants.FailedMarkerTTL)
	pipe.Del(ctx, constants.RedisKeySeenPrefix+signature)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *SignatureQueue) Len(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, constants.RedisKeySignatureQueue)
	delayed := pipe.ZCard(ctx, constants.RedisKeySignatureRetry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

func (q *SignatureQueue) NextRetryAt(ctx context.Context) (time.Time, bool, error) {
	zs, err := q.client.ZRangeWithScores(ctx, constants.RedisKeySignatureRetry, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next retry: %w", err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/constants"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
)

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// PriceCache is the cross-process price cache. Fresh quotes expire with the
// configured TTL; a last-known copy is kept without expiry for stale serving.
type PriceCache struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewPriceCache wraps an existing client.
func NewPriceCache(client *redis.Client, logger *logrus.Logger) *PriceCache {
	return &PriceCache{client: client, logger: logger}
}

// GetMany returns fresh cached quotes. Missing or undecodable entries are absent.
func (c *PriceCache) GetMany(ctx context.Context, mints []string) (map[string]models.PriceQuote, error) {
	return c.mget(ctx, constants.RedisKeyPricePrefix, mints)
}

// LastKnown returns the most recent quote ever stored, regardless of age.
func (c *PriceCache) LastKnown(ctx context.Context, mints []string) (map[string]models.PriceQuote, error) {
	return c.mget(ctx, constants.RedisKeyLastPricePrefix, mints)
}

func (c *PriceCache) mget(ctx context.Context, prefix string, mints []string) (map[string]models.PriceQuote, error) {
	out := make(map[string]models.PriceQuote, len(mints))
	if len(mints) == 0 {
		return out, nil
	}

	keys := make([]string, len(mints))
	for i, m := range mints {
		keys[i] = prefix + m
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget prices: %w", err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var q models.PriceQuote
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			c.logger.WithError(err).WithField("mint", mints[i]).Warn("dropping undecodable cached price")
			continue
		}
		out[mints[i]] = q
	}
	return out, nil
}

// SetMany stores quotes with ttl and refreshes their last-known copies.
func (c *PriceCache) SetMany(ctx context.Context, quotes map[string]models.PriceQuote, ttl time.Duration) error {
	if len(quotes) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for mint, q := range quotes {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("marshal price %s: %w", mint, err)
		}
		pipe.Set(ctx, constants.RedisKeyPricePrefix+mint, data, ttl)
		pipe.Set(ctx, constants.RedisKeyLastPricePrefix+mint, data, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set prices: %w", err)
	}
	return nil
}

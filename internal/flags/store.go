package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/cache"
)

const (
	indexKey    = "flags:index"
	valuePrefix = "flags:"

	// readCacheTTL bounds how stale a hot-path IsEnabled read can be.
	readCacheTTL = 2 * time.Second
)

var keyRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

type Store struct {
	client redis.Cmdable
	reads  *cache.LocalCache[string, bool]
}

func NewStore(client redis.Cmdable) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &Store{
		client: client,
		reads:  cache.NewLocalCache[string, bool](readCacheTTL, 256),
	}, nil
}

func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("invalid flag key")
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, key string, value bool) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	def, _ := defaultFor(key)
	flag := &Flag{Key: key, Value: value, Default: def, IsSet: true, UpdatedAt: time.Now().UTC()}
	b, err := json.Marshal(flag)
	if err != nil {
		return nil, fmt.Errorf("marshal flag: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, flagKey(key), b, 0)
	pipe.SAdd(ctx, indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("upsert flag: %w", err)
	}

	s.reads.Delete(key)
	return flag, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	val, err := s.client.Get(ctx, flagKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		if def, known := defaultFor(key); known {
			return &Flag{Key: key, Value: def, Default: def}, nil
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flag: %w", err)
	}

	var f Flag
	if err := json.Unmarshal([]byte(val), &f); err != nil {
		return nil, fmt.Errorf("unmarshal flag: %w", err)
	}
	return &f, nil
}

// IsEnabled returns the flag value, or def when the flag is unset or Redis
// cannot be read. Results are cached briefly for hot paths.
func (s *Store) IsEnabled(ctx context.Context, key string, def bool) bool {
	if v, ok := s.reads.Get(key); ok {
		return v
	}

	v := def
	f, err := s.Get(ctx, key)
	if err == nil && f.IsSet {
		v = f.Value
	}
	if err == nil || errors.Is(err, ErrNotFound) {
		s.reads.Set(key, v)
	}
	return v
}

// List returns stored flags plus known flags that are still at their default.
func (s *Store) List(ctx context.Context) ([]*Flag, error) {
	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list flags index: %w", err)
	}

	out := make([]*Flag, 0, len(keys)+len(Known))
	seen := make(map[string]bool, len(keys))

	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := ValidateKey(k); err != nil {
			continue
		}
		redisKeys = append(redisKeys, flagKey(k))
	}

	if len(redisKeys) > 0 {
		vals, err := s.client.MGet(ctx, redisKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget flags: %w", err)
		}
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var f Flag
			if err := json.Unmarshal([]byte(raw), &f); err != nil {
				continue
			}
			seen[f.Key] = true
			out = append(out, &f)
		}
	}

	for _, d := range Known {
		if !seen[d.Key] {
			out = append(out, &Flag{Key: d.Key, Value: d.Default, Default: d.Default})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, flagKey(key))
	pipe.SRem(ctx, indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}

	s.reads.Delete(key)
	return nil
}

func flagKey(key string) string {
	return valuePrefix + key
}

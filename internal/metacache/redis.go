package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tier is an optional second cache level shared between processes.
type Tier interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type redisEntry struct {
	Value    string    `json:"value"`
	CachedAt time.Time `json:"cachedAt"`
}

// RedisTier stores entries as JSON under user:<field>:<userId>.
type RedisTier struct {
	rdb *redis.Client
}

func NewRedisTier(rdb *redis.Client) *RedisTier {
	return &RedisTier{rdb: rdb}
}

func (t *RedisTier) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := t.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var e redisEntry
	if err := json.Unmarshal(res, &e); err != nil {
		return "", false, err
	}
	return e.Value, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b, err := json.Marshal(redisEntry{Value: value, CachedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return t.rdb.Set(ctx, key, b, ttl).Err()
}

func (t *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return t.rdb.Del(ctx, keys...).Err()
}

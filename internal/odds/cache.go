package odds

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/IHB1-Foundation/KAS-Racing-sub002/internal/domain"
)

// RedisCache mirrors the latest accepted tick per market into Redis so
// the out-of-process read path can serve current odds without touching
// Postgres.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func currentKey(marketID string) string { return "odds:current:" + marketID }

// SetCurrent stores the tick under odds:current:{market} with the cache TTL.
func (c *RedisCache) SetCurrent(ctx context.Context, marketID string, tick domain.OddsTick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, currentKey(marketID), payload, c.ttl).Err()
}

// GetCurrent returns the cached tick, or domain.ErrNotFound on a miss.
func (c *RedisCache) GetCurrent(ctx context.Context, marketID string) (domain.OddsTick, error) {
	raw, err := c.client.Get(ctx, currentKey(marketID)).Bytes()
	if err == redis.Nil {
		return domain.OddsTick{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OddsTick{}, err
	}
	var tick domain.OddsTick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return domain.OddsTick{}, err
	}
	return tick, nil
}

package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantarc/execd/internal/entity"
	"github.com/redis/go-redis/v9"
)

const cacheKey = "execd:positions"

// Cache holds the latest broker-confirmed position snapshot with a
// staleness bound. A miss or expired entry forces a broker refresh.
type Cache interface {
	Load(ctx context.Context) ([]entity.Position, bool, error)
	Save(ctx context.Context, positions []entity.Position) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(cacheDSN string, ttl time.Duration) (*RedisCache, error) {
	if cacheDSN == "" {
		return nil, fmt.Errorf("redis cache_dsn is required")
	}

	options, err := redis.ParseURL(cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis cache_dsn: %w", err)
	}

	return &RedisCache{client: redis.NewClient(options), ttl: ttl}, nil
}

func (c *RedisCache) Load(ctx context.Context) ([]entity.Position, bool, error) {
	rawSnapshot, err := c.client.Get(ctx, cacheKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}

	var positions []entity.Position
	if err := json.Unmarshal([]byte(rawSnapshot), &positions); err != nil {
		return nil, false, err
	}

	return positions, true, nil
}

func (c *RedisCache) Save(ctx context.Context, positions []entity.Position) error {
	payload, err := json.Marshal(positions)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, cacheKey, payload, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NopCache disables position caching; every read goes to the broker.
type NopCache struct{}

func (NopCache) Load(ctx context.Context) ([]entity.Position, bool, error) {
	return nil, false, nil
}

func (NopCache) Save(ctx context.Context, positions []entity.Position) error {
	return nil
}

package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache stores computed leaderboards between progress changes.
type Cache interface {
	Get(ctx context.Context, challengeID string) ([]Standing, bool, error)
	Set(ctx context.Context, challengeID string, standings []Standing) error
	Invalidate(ctx context.Context, challengeID string) error
}

// NoopCache never holds anything.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) ([]Standing, bool, error) { return nil, false, nil }
func (NoopCache) Set(context.Context, string, []Standing) error         { return nil }
func (NoopCache) Invalidate(context.Context, string) error              { return nil }

// RedisConfig describes the redis connection used for caching.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// RedisCache keeps leaderboards as JSON values with a TTL.
type RedisCache struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCacheFromClient(rdb, cfg.TTL, cfg.KeyPrefix), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb *goredis.Client, ttl time.Duration, prefix string) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "leaderboard"
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) key(challengeID string) string {
	return c.prefix + ":" + challengeID
}

func (c *RedisCache) Get(ctx context.Context, challengeID string) ([]Standing, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(challengeID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var standings []Standing
	if err := json.Unmarshal(raw, &standings); err != nil {
		return nil, false, fmt.Errorf("decode cached leaderboard: %w", err)
	}
	return standings, true, nil
}

func (c *RedisCache) Set(ctx context.Context, challengeID string, standings []Standing) error {
	raw, err := json.Marshal(standings)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(challengeID), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, challengeID string) error {
	return c.rdb.Del(ctx, c.key(challengeID)).Err()
}

// Close releases the redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

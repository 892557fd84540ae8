package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/remit-analytics/internal/config"
)

const storeRedis = "redis"

// RedisCache is the key-value cache behind the price service. Keys are
// namespaced with the configured prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to the configured Redis server
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}

	return &RedisCache{client: client, prefix: cfg.KeyPrefix}, nil
}

// NewRedisCacheFromClient wraps an existing client without a key prefix
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client for callers that manage their
// own keys, such as the shared request budget
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Set stores value under key. A zero TTL keeps the key until overwritten.
func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	defer observe(storeRedis, "set", time.Now())
	err := r.client.Set(ctx, r.prefix+key, value, ttl).Err()
	countError(storeRedis, "set", err)
	return err
}

// Get returns the value of key. A missing key returns redis.Nil.
func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	defer observe(storeRedis, "get", time.Now())
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if !errors.Is(err, redis.Nil) {
		countError(storeRedis, "get", err)
	}
	return val, err
}

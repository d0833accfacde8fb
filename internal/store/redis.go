package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/config"
	apperrors "github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

const serviceName = "redis"

// RedisClient wraps the Redis client shared by the cache and the task queue.
// redis.Nil surfaces as a not_found error; every other failure is
// remote_unavailable so callers can fall back or retry.
type RedisClient struct {
	client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient creates a new Redis client and verifies the connection
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*RedisClient, error) {
	if cfg == nil {
		return nil, apperrors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// The cache breaker decides when to stop trying; keep client retries short
		MaxRetries:      1,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 128 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, unavailable("failed to connect to Redis", err)
	}

	return &RedisClient{
		client: client,
		config: cfg,
	}, nil
}

// NewRedisClientFrom wraps an existing go-redis client without pinging it
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

func unavailable(message string, cause error) error {
	return apperrors.NewRemoteUnavailableError(serviceName, message).WithCause(cause)
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisClient) Health(ctx context.Context) error {
	if r.client == nil {
		return apperrors.NewInternalError("Redis client is nil")
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("Redis health check failed", err)
	}

	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Stats returns Redis connection statistics
func (r *RedisClient) Stats() *redis.PoolStats {
	return r.client.PoolStats()
}

// SetEX sets a key with an expiration
func (r *RedisClient) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("failed to set Redis key", err)
	}
	return nil
}

// Get gets a value by key
func (r *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NewNotFoundError("key")
		}
		return nil, unavailable("failed to get Redis key", err)
	}
	return val, nil
}

// Keys returns all keys matching the pattern
func (r *RedisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, unavailable("failed to get Redis keys", err)
	}
	return keys, nil
}

// Exists checks if keys exist
func (r *RedisClient) Exists(ctx context.Context, keys ...string) (int64, error) {
	count, err := r.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("failed to check key existence", err)
	}
	return count, nil
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	count, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("failed to delete keys", err)
	}
	return count, nil
}

// HIncrBy increments a hash field
func (r *RedisClient) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	if err := r.client.HIncrBy(ctx, key, field, incr).Err(); err != nil {
		return unavailable("failed to increment Redis hash field", err)
	}
	return nil
}

// HGetAll gets all hash fields
func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("failed to get Redis hash", err)
	}
	return val, nil
}

// LPush pushes elements to the left of a list
func (r *RedisClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	if err := r.client.LPush(ctx, key, values...).Err(); err != nil {
		return unavailable("failed to push to Redis list", err)
	}
	return nil
}

// RPop pops an element from the right of a list
func (r *RedisClient) RPop(ctx context.Context, key string) (string, error) {
	val, err := r.client.RPop(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", apperrors.NewNotFoundError("list element")
		}
		return "", unavailable("failed to pop from Redis list", err)
	}
	return val, nil
}

// LLen returns the length of a list
func (r *RedisClient) LLen(ctx context.Context, key string) (int64, error) {
	length, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, unavailable("failed to get Redis list length", err)
	}
	return length, nil
}

// LRange returns a slice of a list
func (r *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("failed to read Redis list", err)
	}
	return vals, nil
}

// ZAdd adds elements to a sorted set
func (r *RedisClient) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	if err := r.client.ZAdd(ctx, key, members...).Err(); err != nil {
		return unavailable("failed to add to Redis sorted set", err)
	}
	return nil
}

// ZRangeByScore returns up to count members with a score in [min, max]
func (r *RedisClient) ZRangeByScore(ctx context.Context, key, min, max string, count int64) ([]string, error) {
	vals, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: count,
	}).Result()
	if err != nil {
		return nil, unavailable("failed to range Redis sorted set", err)
	}
	return vals, nil
}

// ZRem removes members from a sorted set and returns how many were removed
func (r *RedisClient) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	n, err := r.client.ZRem(ctx, key, members...).Result()
	if err != nil {
		return 0, unavailable("failed to remove from Redis sorted set", err)
	}
	return n, nil
}

// ZCard returns the cardinality of a sorted set
func (r *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	count, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("failed to get Redis sorted set cardinality", err)
	}
	return count, nil
}

// TTL returns the time to live of a key
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("failed to get Redis key TTL", err)
	}
	return ttl, nil
}

// TxPipelined runs fn inside MULTI/EXEC
func (r *RedisClient) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	if _, err := r.client.TxPipelined(ctx, fn); err != nil {
		return unavailable("Redis transaction failed", err)
	}
	return nil
}

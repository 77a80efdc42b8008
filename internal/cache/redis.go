package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// KeyPrefix namespaces every key substrate writes.
const KeyPrefix = "substrate:"

// RedisCache is a Cache backed by a redigo connection pool.
type RedisCache struct {
	pool *redis.Pool
}

// NewRedisCache dials url (redis://...) and verifies the connection with PING.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	pool := &redis.Pool{
		MaxIdle:     4,
		MaxActive:   16,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(2*time.Second),
				redis.DialWriteTimeout(2*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{pool: pool}, nil
}

// Get reads key. Connection failures are logged and reported as misses.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis unavailable, cache miss")
		return nil, false
	}
	defer conn.Close()

	val, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", KeyPrefix+key))
	if err != nil {
		if !errors.Is(err, redis.ErrNil) {
			log.Warn().Err(err).Str("key", key).Msg("Redis GET failed")
		}
		return nil, false
	}
	return val, true
}

// Set writes key with a millisecond expiry. A non-positive ttl deletes it.
func (c *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis unavailable, value not cached")
		return
	}
	defer conn.Close()

	if ttl <= 0 {
		_, err = redis.DoContext(conn, ctx, "DEL", KeyPrefix+key)
	} else {
		_, err = redis.DoContext(conn, ctx, "SET", KeyPrefix+key, val, "PX", ttl.Milliseconds())
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis write failed")
	}
}

// Close releases the pool.
func (c *RedisCache) Close() error {
	return c.pool.Close()
}

// Open returns a RedisCache when url is set and a MemoryCache otherwise.
func Open(ctx context.Context, url string) (Cache, error) {
	if url == "" {
		return NewMemoryCache(), nil
	}
	return NewRedisCache(ctx, url)
}

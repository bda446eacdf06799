// Package rediscache stores scrape results in Redis with a TTL.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// Config holds connection details.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// ErrEmptyAddress is returned when the address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// NewClient dials Redis and verifies the connection with PING.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddress
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Cache implements crawler.ResultCache on a redis client.
type Cache struct {
	client redis.Cmdable
	logger *zap.Logger
}

// New wraps an existing client.
func New(client redis.Cmdable, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, logger: logger}
}

// Get loads a cached result; a missing key yields crawler.ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, normalizedURL string) (crawler.Result, error) {
	key := crawler.CacheKey(normalizedURL)
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return crawler.Result{}, crawler.ErrCacheMiss
	}
	if err != nil {
		return crawler.Result{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var result crawler.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		_ = c.client.Del(ctx, key).Err()
		return crawler.Result{}, crawler.ErrCacheMiss
	}
	return result, nil
}

// Set writes result with ttl.
func (c *Cache) Set(ctx context.Context, normalizedURL string, result crawler.Result, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	key := crawler.CacheKey(normalizedURL)
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Healthy pings the server.
func (c *Cache) Healthy(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

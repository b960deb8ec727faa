/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-backed read cache for hot scheduler
// lookups. Every operation degrades to a miss when Redis is down; callers
// treat the cache as advisory and always keep the database path working.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "muninn:cache:"

// Default TTLs. Resolved hours invalidate on clock edits, so they can sit
// for a while; the snapshot TTL stays short because play history moves.
const (
	DefaultResolvedHourTTL = time.Hour
	DefaultSnapshotTTL     = time.Minute
)

// Config carries cache settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	ResolvedHourTTL time.Duration
	DisableOnError  bool
}

// DefaultConfig returns cache defaults for the given Redis address.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:            addr,
		ResolvedHourTTL: DefaultResolvedHourTTL,
		DisableOnError:  true,
	}
}

// Cache is a JSON value cache over Redis with a trip-once circuit breaker.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
}

// New connects to Redis. An unreachable Redis yields a disabled cache,
// not an error; the process runs uncached.
func New(cfg Config, logger zerolog.Logger) *Cache {
	log := logger.With().Str("component", "cache").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running uncached")
		return &Cache{logger: log, config: cfg, disabled: true}
	}

	log.Info().Str("addr", cfg.Addr).Msg("cache connected")
	return &Cache{client: client, logger: log, config: cfg}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Available reports whether the cache is operational.
func (c *Cache) Available() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}
	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")
	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache after redis error")
	}
}

// Get fetches key into dest, reporting whether it was present. Errors and
// undecodable values read as misses.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if !c.Available() {
		return false
	}
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.handleError(err, "get")
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("stale cache encoding, treating as miss")
		return false
	}
	return true
}

// Set stores value under key for ttl. Failures are absorbed.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.Available() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("unencodable cache value")
		return
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
	}
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if !c.Available() {
		return
	}
	if err := c.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		c.handleError(err, "delete")
	}
}

// DeletePrefix removes every key under the given prefix using SCAN.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	if !c.Available() {
		return nil
	}
	pattern := keyPrefix + prefix + "*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return fmt.Errorf("delete under %s: %w", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ResolvedHourTTL exposes the configured template resolution TTL.
func (c *Cache) ResolvedHourTTL() time.Duration {
	if c == nil || c.config.ResolvedHourTTL <= 0 {
		return DefaultResolvedHourTTL
	}
	return c.config.ResolvedHourTTL
}

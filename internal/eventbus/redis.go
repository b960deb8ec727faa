/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/muninn_playout/internal/events"
)

// channelPrefix roots every Redis pub/sub channel, e.g. muninn:events:segue_started.
const channelPrefix = "muninn:events"

// RedisConfig carries Redis forwarder settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Circuit breaker: after MaxFailures consecutive publish errors the
	// forwarder stops trying Redis until RetryInterval has passed.
	MaxFailures   int
	RetryInterval time.Duration
}

// DefaultRedisConfig returns forwarder defaults for a local Redis.
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:          addr,
		MaxFailures:   5,
		RetryInterval: 30 * time.Second,
	}
}

// RedisForwarder relays bus events onto Redis pub/sub channels so
// off-process consumers (dashboards, loggers) can follow playout.
type RedisForwarder struct {
	client *redis.Client
	bus    *events.Bus
	sub    events.Subscriber
	logger zerolog.Logger
	nodeID string

	mu        sync.Mutex
	failures  int
	maxFails  int
	retryWait time.Duration
	brokenAt  time.Time
}

// NewRedisForwarder connects to Redis and subscribes to the full event
// stream. A failed initial ping is not fatal; the circuit breaker opens
// immediately and publishing resumes once Redis comes back.
func NewRedisForwarder(cfg RedisConfig, bus *events.Bus, logger zerolog.Logger) *RedisForwarder {
	log := logger.With().Str("component", "eventbus").Str("broker", "redis").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	f := &RedisForwarder{
		client:    client,
		bus:       bus,
		sub:       bus.SubscribeAll(),
		logger:    log,
		nodeID:    nodeID(),
		maxFails:  cfg.MaxFailures,
		retryWait: cfg.RetryInterval,
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, forwarding suspended until it returns")
		f.failures = cfg.MaxFailures
		f.brokenAt = time.Now()
	} else {
		log.Info().Str("addr", cfg.Addr).Msg("redis forwarder connected")
	}
	return f
}

// Run drains the bus until the context is cancelled.
func (f *RedisForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-f.sub:
			if !ok {
				return
			}
			f.forward(ctx, payload)
		}
	}
}

func (f *RedisForwarder) forward(ctx context.Context, payload events.Payload) {
	if !f.healthy() {
		return
	}

	event, _ := payload["event"].(string)
	data, err := marshalEnvelope(event, payload, f.nodeID)
	if err != nil {
		f.logger.Error().Err(err).Str("event", event).Msg("marshal event")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	channel := channelPrefix + ":" + event
	if err := f.client.Publish(pubCtx, channel, data).Err(); err != nil {
		f.logger.Warn().Err(err).Str("channel", channel).Msg("publish dropped")
		f.recordFailure()
		return
	}
	f.recordSuccess()
}

// healthy reports whether the circuit allows publishing, half-opening it
// after the retry interval so a recovered Redis gets probed.
func (f *RedisForwarder) healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures < f.maxFails {
		return true
	}
	if time.Since(f.brokenAt) < f.retryWait {
		return false
	}
	f.failures = f.maxFails - 1
	return true
}

func (f *RedisForwarder) recordFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	if f.failures == f.maxFails {
		f.brokenAt = time.Now()
		f.logger.Warn().Int("failures", f.failures).Dur("retry_in", f.retryWait).Msg("redis circuit opened")
	}
}

func (f *RedisForwarder) recordSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures >= f.maxFails {
		f.logger.Info().Msg("redis circuit closed")
	}
	f.failures = 0
}

// Close unsubscribes from the bus and closes the Redis client.
func (f *RedisForwarder) Close() error {
	f.bus.UnsubscribeAll(f.sub)
	if err := f.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects a single schedule builder across replicas
// using a Redis lease. Only the leader runs the lookahead build loop, so
// two nodes never materialize the same window.
package leadership

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	electionKey = "muninn:leader:builder"

	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
	defaultRetryInterval   = 2 * time.Second
)

// renewScript extends the lease only while we still hold it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript drops the lease only while we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config tunes the election.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LeaseDuration   time.Duration
	RenewalInterval time.Duration
	RetryInterval   time.Duration
}

// DefaultConfig returns election defaults for the given Redis address.
func DefaultConfig(addr string) Config {
	return Config{
		RedisAddr:       addr,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
		RetryInterval:   defaultRetryInterval,
	}
}

// Election competes for the builder lease.
type Election struct {
	client     *redis.Client
	logger     zerolog.Logger
	config     Config
	instanceID string

	mu       sync.RWMutex
	isLeader bool
}

// New creates an election participant.
func New(cfg Config, logger zerolog.Logger) *Election {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = defaultRenewalInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Election{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		logger:     logger.With().Str("component", "leadership").Logger(),
		config:     cfg,
		instanceID: uuid.NewString(),
	}
}

// IsLeader reports whether this node currently holds the lease.
func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Run competes for the lease until the context ends, releasing it on the
// way out. Losing Redis demotes this node; building stops until the lease
// is re-acquired.
func (e *Election) Run(ctx context.Context) {
	defer e.release()
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if e.acquire(ctx) {
			e.lead(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

func (e *Election) acquire(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, electionKey, e.instanceID, e.config.LeaseDuration).Result()
	if err != nil {
		e.logger.Warn().Err(err).Msg("lease acquire failed")
		return false
	}
	if ok {
		e.setLeader(true)
		e.logger.Info().Str("instance", e.instanceID).Msg("became builder leader")
	}
	return ok
}

// lead renews the lease until renewal fails or the context ends.
func (e *Election) lead(ctx context.Context) {
	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()
	defer e.setLeader(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := renewScript.Run(ctx, e.client,
				[]string{electionKey}, e.instanceID, e.config.LeaseDuration.Milliseconds()).Int()
			if err != nil || held == 0 {
				e.logger.Warn().Err(err).Msg("lost builder leadership")
				return
			}
		}
	}
}

func (e *Election) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := releaseScript.Run(ctx, e.client, []string{electionKey}, e.instanceID).Result(); err != nil && err != redis.Nil {
		e.logger.Debug().Err(err).Msg("lease release failed")
	}
	e.setLeader(false)
	_ = e.client.Close()
}

func (e *Election) setLeader(leader bool) {
	e.mu.Lock()
	e.isLeader = leader
	e.mu.Unlock()
}

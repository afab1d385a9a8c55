// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrNegative is returned by a [Loader] to record "this key has no value".
// The miss itself is cached so hot lookups for absent rows do not hammer the
// durable store.
var ErrNegative = errors.New("cache: negative entry")

// Loader fetches the authoritative value on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// remote value framing: one marker byte ahead of the payload so a cached
// miss is distinguishable from an empty value.
const (
	markerNegative byte = 0x00
	markerPositive byte = 0x01
)

// localEntry is the in-process tier's slot.
type localEntry struct {
	value    []byte
	negative bool
}

// # Cache

// Config tunes one [Cache] instance.
type Config struct {
	// Prefix namespaces this cache's keys in the shared Redis keyspace.
	Prefix string

	// LocalSize caps the in-process LRU entry count.
	LocalSize int

	// LocalTTL bounds staleness of the in-process tier. This is the window
	// during which a value updated by another instance may still be served
	// stale here.
	LocalTTL time.Duration

	// RemoteTTL is the Redis expiry for both positive and negative entries.
	RemoteTTL time.Duration
}

// Cache is a read-through cache with an in-process tier, a Redis tier behind
// a circuit breaker, and singleflight load deduplication.
type Cache struct {
	cfg     Config
	local   *expirable.LRU[string, localEntry]
	client  redis.UniversalClient
	breaker *Breaker
	group   singleflight.Group
	logger  *slog.Logger
}

// New creates a [Cache]. The breaker is shared by reference so several caches
// can ride one circuit per Redis deployment.
func New(cfg Config, client redis.UniversalClient, breaker *Breaker, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		local:   expirable.NewLRU[string, localEntry](cfg.LocalSize, nil, cfg.LocalTTL),
		client:  client,
		breaker: breaker,
		logger:  logger.With(slog.String("component", "cache"), slog.String("prefix", cfg.Prefix)),
	}
}

/*
Get returns the cached value for key, loading it on a full miss.

Description: Checks the local tier, then the distributed tier, then runs the
loader (deduplicated per key with singleflight) and back-fills both tiers.
A loader returning [ErrNegative] is cached as a miss; later Gets return
ErrNegative without invoking the loader again. When the circuit is open the
distributed tier is skipped entirely and the result is NOT written back to
Redis, only to the local tier.

Parameters:
  - ctx: context.Context
  - key: string (unprefixed)
  - loader: Loader (authoritative fetch)

Returns:
  - []byte: Cached or loaded value
  - error: ErrNegative, or the loader's error
*/
func (c *Cache) Get(ctx context.Context, key string, loader Loader) ([]byte, error) {
	if entry, ok := c.local.Get(key); ok {
		if entry.negative {
			return nil, ErrNegative
		}
		return entry.value, nil
	}

	// Collapse concurrent misses for the same key into one load.
	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.load(ctx, key, loader)
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// load resolves a local-tier miss: distributed tier first, then the loader.
func (c *Cache) load(ctx context.Context, key string, loader Loader) ([]byte, error) {
	// Distributed tier.
	var framed []byte
	err := c.breaker.Do(func() error {
		var redisErr error
		framed, redisErr = c.client.Get(ctx, c.cfg.Prefix+key).Bytes()
		return redisErr
	})
	switch {
	case err == nil && len(framed) > 0:
		entry := localEntry{negative: framed[0] == markerNegative}
		if !entry.negative {
			entry.value = framed[1:]
		}
		c.local.Add(key, entry)
		if entry.negative {
			return nil, ErrNegative
		}
		return entry.value, nil
	case errors.Is(err, redis.Nil):
		// clean miss, fall through to the loader
	case errors.Is(err, ErrOpen):
		// degraded: serve from the loader without touching Redis
	case err != nil:
		c.logger.WarnContext(ctx, "distributed tier read failed", slog.String("error", err.Error()))
	}

	// Authoritative load.
	value, loadErr := loader(ctx)
	if loadErr != nil && !errors.Is(loadErr, ErrNegative) {
		return nil, loadErr
	}

	entry := localEntry{value: value, negative: errors.Is(loadErr, ErrNegative)}
	c.local.Add(key, entry)
	c.backfillRemote(ctx, key, entry)

	if entry.negative {
		return nil, ErrNegative
	}
	return value, nil
}

// backfillRemote writes a loaded entry to the distributed tier, best effort.
func (c *Cache) backfillRemote(ctx context.Context, key string, entry localEntry) {
	framed := make([]byte, 0, len(entry.value)+1)
	if entry.negative {
		framed = append(framed, markerNegative)
	} else {
		framed = append(framed, markerPositive)
		framed = append(framed, entry.value...)
	}

	err := c.breaker.Do(func() error {
		return c.client.Set(ctx, c.cfg.Prefix+key, framed, c.cfg.RemoteTTL).Err()
	})
	if err != nil && !errors.Is(err, ErrOpen) {
		c.logger.WarnContext(ctx, "distributed tier backfill failed", slog.String("error", err.Error()))
	}
}

/*
Set stores a value in both tiers.

Parameters:
  - ctx: context.Context
  - key: string
  - value: []byte

Returns:
  - error: Distributed-tier write failures (the local tier always succeeds)
*/
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	entry := localEntry{value: value}
	c.local.Add(key, entry)
	c.backfillRemote(ctx, key, entry)
	return nil
}

/*
Invalidate removes a key from both tiers.

Description: Called after every durable-store write that changes the cached
projection. A failed distributed-tier delete is surfaced so the caller can
decide whether the write path may proceed; the local tier is always cleared.

Parameters:
  - ctx: context.Context
  - key: string

Returns:
  - error: Distributed-tier delete failures
*/
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.local.Remove(key)

	err := c.breaker.Do(func() error {
		return c.client.Del(ctx, c.cfg.Prefix+key).Err()
	})
	if err != nil && !errors.Is(err, ErrOpen) {
		return fmt.Errorf("cache_invalidate_failed: %w", err)
	}
	return nil
}

// IsExpectedRedisError marks Redis results that are business outcomes, not
// health signals. Wire this as the breaker's IsExpected predicate.
func IsExpectedRedisError(err error) bool {
	return errors.Is(err, redis.Nil)
}

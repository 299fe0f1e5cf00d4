/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache implements the Redis-backed Cache component (C2):
// get/set with TTL, atomic increment, and a single-flight
// get-or-compute that collapses concurrent callers for the same key
// into one upstream compute, both within a process and, best-effort,
// across processes sharing the same Redis.
package cache

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/codeguard-dev/codeguard/internal/apierr"
	"github.com/codeguard-dev/codeguard/pkg/metrics"
)

// lockTTL bounds how long a cross-process SETNX compute-lock is held,
// so a crashed holder can't wedge every other process's get_or_set
// forever.
const lockTTL = 10 * time.Second

// Cache wraps a redis.Client with the spec's get/set/incr/get_or_set
// surface.
type Cache struct {
	rdb     redis.UniversalClient
	logger  logr.Logger
	metrics *metrics.Registry
	group   singleflight.Group
}

// New constructs a Cache around an existing client so callers can
// share a connection pool with other Redis-backed components (e.g.
// pkg/queue).
func New(rdb redis.UniversalClient, logger logr.Logger, reg *metrics.Registry) *Cache {
	return &Cache{rdb: rdb, logger: logger, metrics: reg}
}

// Get fetches a value, reporting found=false on a cache miss (not an
// error).
func (c *Cache) Get(ctx context.Context, key string) (value string, found bool, err error) {
	v, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		c.observe(false)
		return "", false, nil
	case err != nil:
		return "", false, apierr.Transient("cache_unavailable", "get "+key, err)
	}
	c.observe(true)
	return v, true, nil
}

// Set stores value under key with a TTL; ttl<=0 means no expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return apierr.Transient("cache_unavailable", "set "+key, err)
	}
	return nil
}

// Del removes a key, e.g. to end monitoring early once a fix's outcome
// is finalized. Deleting an absent key is not an error.
func (c *Cache) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return apierr.Transient("cache_unavailable", "del "+key, err)
	}
	return nil
}

// releaseScript deletes key only if it still holds the caller's
// fencing token, so a holder whose lease already expired — and was
// reclaimed by someone else — can't release a lock it no longer owns.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// renewScript extends key's TTL under the same fencing-token
// condition as releaseScript.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

// Acquire takes a named advisory lock (e.g. the crawler's
// per-(project, path) lock) for ttl, returning a random fencing token
// the caller must present to Renew or Release. acquired=false means
// someone else already holds it.
func (c *Cache) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error) {
	token = uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, apierr.Transient("cache_unavailable", "acquire lock "+key, err)
	}
	return token, ok, nil
}

// Renew extends an already-held lock's TTL, e.g. alongside a queue
// job's visibility-timeout renewal during a long-running crawl task.
// renewed=false means the token no longer matches: the lock expired
// and was claimed by another holder, so the caller must stop treating
// the key as exclusively its own.
func (c *Cache) Renew(ctx context.Context, key, token string, ttl time.Duration) (renewed bool, err error) {
	res, err := c.rdb.Eval(ctx, renewScript, []string{key}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, apierr.Transient("cache_unavailable", "renew lock "+key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release gives up a held lock, but only if token still matches —
// releasing a lock this caller no longer owns would drop protection
// for whoever holds it now.
func (c *Cache) Release(ctx context.Context, key, token string) (released bool, err error) {
	res, err := c.rdb.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil {
		return false, apierr.Transient("cache_unavailable", "release lock "+key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Incr atomically increments an integer counter and returns its new
// value, setting expiry on first creation only.
func (c *Cache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, apierr.Transient("cache_unavailable", "incr "+key, err)
	}
	return incr.Val(), nil
}

// Compute produces the value to cache on a miss; the bool return
// reports whether the result should actually be cached (a transient
// upstream failure can return false to avoid caching a placeholder).
type Compute func(ctx context.Context) (value string, cacheable bool, err error)

// GetOrSet returns the cached value for key, computing and storing it
// on a miss. Concurrent callers in this process for the same key
// collapse into a single compute via singleflight; concurrent callers
// across processes additionally race for a short-lived Redis lock so
// at most one process typically computes at a time (best-effort: a
// lock holder that dies still lets other processes fall through to
// their own compute after lockTTL).
func (c *Cache) GetOrSet(ctx context.Context, key string, ttl time.Duration, compute Compute) (string, error) {
	if v, found, err := c.Get(ctx, key); err != nil {
		return "", err
	} else if found {
		return v, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check after winning the in-process race: another
		// goroutine may have populated the cache between our miss
		// above and acquiring the singleflight slot.
		if v, found, err := c.Get(ctx, key); err == nil && found {
			return v, nil
		}

		acquired, lockErr := c.rdb.SetNX(ctx, lockKey(key), "1", lockTTL).Result()
		if lockErr != nil {
			c.logger.V(1).Info("cache compute lock unavailable, computing anyway", "key", key, "error", lockErr)
			acquired = true
		}
		if !acquired {
			// Another process is computing; wait briefly for it to
			// populate the cache rather than stampede the same work.
			return c.waitForPeerCompute(ctx, key, compute)
		}
		defer c.rdb.Del(ctx, lockKey(key))

		value, cacheable, err := compute(ctx)
		if err != nil {
			return "", err
		}
		if cacheable {
			if err := c.Set(ctx, key, value, ttl); err != nil {
				c.logger.V(1).Info("failed to populate cache after compute", "key", key, "error", err)
			}
		}
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Cache) waitForPeerCompute(ctx context.Context, key string, compute Compute) (interface{}, error) {
	deadline := time.Now().Add(lockTTL)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", apierr.Transient("cache_unavailable", "wait for peer compute", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
		if v, found, err := c.Get(ctx, key); err == nil && found {
			return v, nil
		}
	}
	// The peer never finished (or its lock expired without a result);
	// fall back to computing ourselves rather than blocking forever.
	value, cacheable, err := compute(ctx)
	if err != nil {
		return "", err
	}
	if cacheable {
		_ = c.Set(ctx, key, value, 0)
	}
	return value, nil
}

func (c *Cache) observe(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHits.Inc()
	} else {
		c.metrics.CacheMisses.Inc()
	}
}

func lockKey(key string) string { return "lock:" + key }

// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package auth

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// revokedSetKey is the Redis set holding revoked token ids. Shadow keys
// revoked:{jti} carry the token's remaining validity as TTL; a periodic
// sweep drops expired members from the set.
const revokedSetKey = "revoked_tokens"

// sweepEvery is the number of refresh ticks between sweeps of expired
// set members. At the default 2s interval the set is swept about once a
// minute.
const sweepEvery = 30

// RevocationCache mirrors the shared revoked-token set into the process
// so the per-request check never performs network I/O. A background
// refresher pulls the full set on a fixed cadence and swaps it
// atomically into the read path.
//
// Trade-off: a just-revoked token may be honored for up to one refresh
// interval.
type RevocationCache struct {
	rdb      *redis.Client
	interval time.Duration

	// failClosed rejects everything once the cached set is stale beyond
	// staleLimit intervals. Default is fail-open on last-known data.
	failClosed bool
	staleLimit int

	set         atomic.Value // map[string]struct{}
	lastSuccess atomic.Int64 // unix nanos of last successful refresh

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRevocationCache creates a cache backed by the given Redis client.
// Call Start to begin refreshing and Stop on shutdown.
func NewRevocationCache(rdb *redis.Client, interval time.Duration, failClosed bool, staleLimit int) *RevocationCache {
	c := &RevocationCache{
		rdb:        rdb,
		interval:   interval,
		failClosed: failClosed,
		staleLimit: staleLimit,
	}
	c.set.Store(map[string]struct{}{})
	return c
}

// Start performs one synchronous refresh and launches the periodic
// refresher. The refresher owns its own cancellation handle and is
// independent of any request lifecycle.
func (c *RevocationCache) Start(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		// Startup tolerates an unavailable store; the cache begins
		// empty and catches up on the next tick.
		log.Printf("[Revocation] Initial refresh failed, starting with empty set: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		ticks := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := c.refresh(runCtx); err != nil {
					log.Printf("[Revocation] Refresh failed, serving last-known set: %v", err)
				}
				ticks++
				if ticks%sweepEvery == 0 {
					if err := c.Sweep(runCtx); err != nil {
						log.Printf("[Revocation] Sweep failed: %v", err)
					}
				}
			}
		}
	}()

	return nil
}

// Stop cancels the refresher and waits for it to exit.
func (c *RevocationCache) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// refresh pulls the full revoked set and swaps it into the read path.
func (c *RevocationCache) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	members, err := c.rdb.SMembers(ctx, revokedSetKey).Result()
	if err != nil {
		return fmt.Errorf("failed to fetch revoked set: %w", err)
	}

	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	c.set.Store(set)
	c.lastSuccess.Store(time.Now().UnixNano())
	return nil
}

// IsRevoked reports whether the token id is in the cached revoked set.
// In fail-closed mode a stale cache revokes everything.
func (c *RevocationCache) IsRevoked(tokenID string) bool {
	if c.failClosed && c.Stale() {
		return true
	}
	set := c.set.Load().(map[string]struct{})
	_, revoked := set[tokenID]
	return revoked
}

// Stale reports whether the cache has missed more than staleLimit
// consecutive refreshes.
func (c *RevocationCache) Stale() bool {
	last := c.lastSuccess.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > time.Duration(c.staleLimit)*c.interval
}

// Revoke inserts a token id into the shared store. The set entry is
// paired with a shadow key whose TTL matches the token's remaining
// validity so expired entries can be swept.
func (c *RevocationCache) Revoke(ctx context.Context, tokenID string, remaining time.Duration) error {
	if tokenID == "" {
		return fmt.Errorf("token id required")
	}
	if remaining <= 0 {
		// Already expired; nothing to revoke.
		return nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, revokedSetKey, tokenID)
	pipe.Set(ctx, "revoked:"+tokenID, "1", remaining)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}

	// Make the revocation visible locally without waiting a full interval.
	old := c.set.Load().(map[string]struct{})
	next := make(map[string]struct{}, len(old)+1)
	for k := range old {
		next[k] = struct{}{}
	}
	next[tokenID] = struct{}{}
	c.set.Store(next)

	return nil
}

// Sweep removes set members whose shadow keys have expired. The
// refresher runs it every sweepEvery ticks; never on the request path.
func (c *RevocationCache) Sweep(ctx context.Context) error {
	members, err := c.rdb.SMembers(ctx, revokedSetKey).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		n, err := c.rdb.Exists(ctx, "revoked:"+m).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			if err := c.rdb.SRem(ctx, revokedSetKey, m).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

package capacity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// mintCountEntry is one cached on-chain mintCount reading.
type mintCountEntry struct {
	value     uint64
	fetchedAt time.Time
}

func (e mintCountEntry) fresh(ttl time.Duration) bool {
	return time.Since(e.fetchedAt) < ttl
}

// MintCountCache caches the mutable on-chain mintCount per token for a
// short TTL. Concurrent misses for the same token collapse into a single
// chain read via singleflight, and a failed refresh falls back to serving
// the last known value rather than failing the request.
type MintCountCache struct {
	chain ChainReader
	ttl   time.Duration
	log   *zap.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]mintCountEntry
}

// NewMintCountCache constructs a cache with the given refresh TTL.
func NewMintCountCache(chain ChainReader, ttl time.Duration, log *zap.Logger) *MintCountCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &MintCountCache{
		chain:   chain,
		ttl:     ttl,
		log:     log,
		entries: make(map[string]mintCountEntry),
	}
}

// Get returns the current mintCount, refreshing from chain if the cached
// entry is stale. If the refresh fails and a stale entry exists, the stale
// value is returned rather than propagating the error.
func (c *MintCountCache) Get(ctx context.Context, tokenKey string) (uint64, error) {
	c.mu.RLock()
	entry, ok := c.entries[tokenKey]
	c.mu.RUnlock()

	if ok && entry.fresh(c.ttl) {
		return entry.value, nil
	}

	v, err, _ := c.group.Do(tokenKey, func() (any, error) {
		fresh, err := c.chain.MintCount(ctx, tokenKey)
		if err != nil {
			return uint64(0), err
		}
		c.mu.Lock()
		c.entries[tokenKey] = mintCountEntry{value: fresh, fetchedAt: time.Now()}
		c.mu.Unlock()
		return fresh, nil
	})

	if err != nil {
		if ok {
			c.log.Warn("capacity: mintCount refresh failed, serving stale value",
				zap.String("token", tokenKey), zap.Error(err))
			return entry.value, nil
		}
		return 0, err
	}
	return v.(uint64), nil
}

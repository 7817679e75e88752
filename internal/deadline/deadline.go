// Package deadline caches each token's on-chain deployment deadline
// permanently, the same way capacity.MaxMintCountCache treats maxMintCount:
// once minted, a token's deadline is immutable, so a cache entry never
// expires or gets invalidated.
package deadline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChainReader is the subset of the chain RPC client the deadline cache
// depends on.
type ChainReader interface {
	DeploymentDeadline(ctx context.Context, tokenAddress string) (time.Time, error)
}

// Cache is a permanent per-token deployment-deadline cache.
type Cache struct {
	chain ChainReader
	log   *zap.Logger

	mu    sync.RWMutex
	byKey map[string]time.Time
}

// New constructs an empty deadline cache.
func New(chain ChainReader, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{chain: chain, log: log, byKey: make(map[string]time.Time)}
}

// Get returns the cached deployment deadline, reading through to the chain
// on a miss and caching the result permanently.
func (c *Cache) Get(ctx context.Context, tokenKey string) (time.Time, error) {
	c.mu.RLock()
	v, ok := c.byKey[tokenKey]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err := c.chain.DeploymentDeadline(ctx, tokenKey)
	if err != nil {
		return time.Time{}, err
	}

	c.mu.Lock()
	c.byKey[tokenKey] = v
	c.mu.Unlock()
	return v, nil
}

// IsExpired reports whether the token's deployment deadline has passed.
func (c *Cache) IsExpired(ctx context.Context, tokenKey string) (bool, error) {
	deadline, err := c.Get(ctx, tokenKey)
	if err != nil {
		return false, err
	}
	return time.Now().After(deadline), nil
}

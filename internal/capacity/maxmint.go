// Package capacity implements the gateway's three-tier mint-capacity
// caching described in the component design: a permanent per-token cache
// for the immutable maxMintCount, a short-TTL cache with stale-read
// fallback for the mutable on-chain mintCount, and a Redis-backed pending
// counter that tracks in-flight settlements between reservation and
// confirmation.
package capacity

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ChainReader is the subset of the chain RPC client the capacity caches
// depend on. Implemented by internal/chain.Client.
type ChainReader interface {
	MaxMintCount(ctx context.Context, tokenAddress string) (uint64, error)
	MintCount(ctx context.Context, tokenAddress string) (uint64, error)
}

// MaxMintCountCache caches the immutable maxMintCount value per token
// forever: once minted, a token's cap never changes, so a cache entry is
// never invalidated or expired.
type MaxMintCountCache struct {
	chain ChainReader
	log   *zap.Logger

	mu    sync.RWMutex
	byKey map[string]uint64
}

// NewMaxMintCountCache constructs an empty permanent cache.
func NewMaxMintCountCache(chain ChainReader, log *zap.Logger) *MaxMintCountCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &MaxMintCountCache{chain: chain, log: log, byKey: make(map[string]uint64)}
}

// Get returns the cached maxMintCount, reading through to the chain on a
// miss and caching the result permanently.
func (c *MaxMintCountCache) Get(ctx context.Context, tokenKey string) (uint64, error) {
	c.mu.RLock()
	v, ok := c.byKey[tokenKey]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err := c.chain.MaxMintCount(ctx, tokenKey)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.byKey[tokenKey] = v
	c.mu.Unlock()
	return v, nil
}

// Peek returns the cached value without touching the chain, for
// introspection endpoints.
func (c *MaxMintCountCache) Peek(tokenKey string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byKey[tokenKey]
	return v, ok
}

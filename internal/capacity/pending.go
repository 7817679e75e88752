package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/x402-foundation/mint-gateway/internal/kvpool"
)

// PendingMintCounter tracks, per token, the number of mint slots reserved
// but not yet confirmed settled. It is backed by Redis so the count is
// shared across gateway instances, with a leak-safety TTL: any increment
// refreshes a one-hour expiry so a crashed instance's reservation cannot
// hold a slot forever.
type PendingMintCounter struct {
	pool *kvpool.Pool
	ttl  time.Duration
}

// NewPendingMintCounter constructs a counter backed by the given pool.
func NewPendingMintCounter(pool *kvpool.Pool, ttl time.Duration) *PendingMintCounter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PendingMintCounter{pool: pool, ttl: ttl}
}

func (p *PendingMintCounter) key(tokenKey string) string {
	return fmt.Sprintf("pending_mint:%s", tokenKey)
}

// Increment reserves n additional pending slots for the token and refreshes
// the leak-safety TTL, returning the new total.
func (p *PendingMintCounter) Increment(ctx context.Context, tokenKey string, n uint64) (uint64, error) {
	key := p.key(tokenKey)
	return kvpool.Execute(ctx, p.pool, func(ctx context.Context, rc *redis.Conn) (uint64, error) {
		total, err := rc.IncrBy(ctx, key, int64(n)).Result()
		if err != nil {
			return 0, err
		}
		if err := rc.Expire(ctx, key, p.ttl).Err(); err != nil {
			return 0, err
		}
		return uint64(total), nil
	})
}

// Decrement releases n previously reserved pending slots. If the counter
// would drop to zero or below, the key is deleted rather than left at a
// non-positive value.
func (p *PendingMintCounter) Decrement(ctx context.Context, tokenKey string, n uint64) error {
	key := p.key(tokenKey)
	_, err := kvpool.Execute(ctx, p.pool, func(ctx context.Context, rc *redis.Conn) (struct{}, error) {
		total, err := rc.DecrBy(ctx, key, int64(n)).Result()
		if err != nil {
			return struct{}{}, err
		}
		if total <= 0 {
			if err := rc.Del(ctx, key).Err(); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Get returns the current pending count for the token, or zero if no key
// exists.
func (p *PendingMintCounter) Get(ctx context.Context, tokenKey string) (uint64, error) {
	key := p.key(tokenKey)
	return kvpool.Execute(ctx, p.pool, func(ctx context.Context, rc *redis.Conn) (uint64, error) {
		v, err := rc.Get(ctx, key).Uint64()
		if err == redis.Nil {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return v, nil
	})
}

// Clear removes the pending counter for the token entirely.
func (p *PendingMintCounter) Clear(ctx context.Context, tokenKey string) error {
	key := p.key(tokenKey)
	_, err := kvpool.Execute(ctx, p.pool, func(ctx context.Context, rc *redis.Conn) (struct{}, error) {
		return struct{}{}, rc.Del(ctx, key).Err()
	})
	return err
}

// Package abuse implements the gateway's sliding-window rate abuse
// detector: per-identifier request counters, auto-bans on threshold
// breach, an admin-manageable ban list and whitelist, all backed by the
// pooled Redis client. Detection fails open (an unreachable store never
// blocks a paying request) while administrative mutations fail closed (an
// unreachable store must never silently no-op a ban or unban).
package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402-foundation/mint-gateway/internal/kvpool"
)

// Stats reports the current counters and ban state for one identifier.
type Stats struct {
	Identifier string
	Count      int64
	Banned     bool
	BanReason  string
	Whitelisted bool
}

// Detector implements sliding-window abuse detection over the pooled
// Redis client.
type Detector struct {
	pool        *kvpool.Pool
	window      time.Duration
	maxRequests int
	banDuration time.Duration
	log         *zap.Logger
}

// New constructs a Detector with the given window, threshold and ban
// duration.
func New(pool *kvpool.Pool, window time.Duration, maxRequests int, banDuration time.Duration, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{pool: pool, window: window, maxRequests: maxRequests, banDuration: banDuration, log: log}
}

func countKey(id string) string     { return fmt.Sprintf("abuse:count:%s", id) }
func banKey(id string) string       { return fmt.Sprintf("abuse:ban:%s", id) }
func whitelistKey(id string) string { return fmt.Sprintf("abuse:whitelist:%s", id) }

// RecordRequest checks whitelist, then the ban key, then increments the
// identifier's sliding-window counter and, if the threshold is breached,
// applies an auto-ban. It returns whether the identifier is (now or still)
// banned and, if so, the number of seconds until the ban expires. On Redis
// unavailability it logs and fails open, treating the request as
// not-banned.
func (d *Detector) RecordRequest(ctx context.Context, identifier string) (banned bool, retryAfterSeconds int, err error) {
	whitelisted, wErr := d.isWhitelisted(ctx, identifier)
	if wErr == nil && whitelisted {
		return false, 0, nil
	}

	if bannedNow, ttl, err := d.banTTL(ctx, identifier); err != nil {
		d.log.Warn("abuse: ban check failed open", zap.String("identifier", identifier), zap.Error(err))
	} else if bannedNow {
		return true, ttl, nil
	}

	count, err := kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (int64, error) {
		key := countKey(identifier)
		n, err := rc.Incr(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		if n == 1 {
			if err := rc.Expire(ctx, key, d.window).Err(); err != nil {
				return 0, err
			}
		}
		return n, nil
	})
	if err != nil {
		d.log.Warn("abuse: recordRequest failed open", zap.String("identifier", identifier), zap.Error(err))
		return false, 0, nil
	}

	if int(count) <= d.maxRequests {
		return false, 0, nil
	}

	if err := d.autoBan(ctx, identifier); err != nil {
		d.log.Warn("abuse: failed to persist auto-ban, failing open", zap.String("identifier", identifier), zap.Error(err))
		return false, 0, nil
	}
	return true, int(d.banDuration.Seconds()), nil
}

// banTTL reports whether identifier currently carries a ban key and, if so,
// the ban key's remaining TTL in whole seconds plus one.
func (d *Detector) banTTL(ctx context.Context, identifier string) (bool, int, error) {
	ttl, err := kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (time.Duration, error) {
		return rc.TTL(ctx, banKey(identifier)).Result()
	})
	if err != nil {
		return false, 0, err
	}
	// go-redis reports -2 (key absent) and -1 (no expiry) as negative
	// durations; neither represents an active, expiring ban.
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, int(ttl.Seconds()) + 1, nil
}

func (d *Detector) autoBan(ctx context.Context, identifier string) error {
	_, err := kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (struct{}, error) {
		return struct{}{}, rc.Set(ctx, banKey(identifier), "rate_limit_exceeded", d.banDuration).Err()
	})
	return err
}

// IsBanned reports whether the identifier is currently banned, checking
// the whitelist first. On Redis unavailability it fails open (not banned).
func (d *Detector) IsBanned(ctx context.Context, identifier string) (bool, error) {
	whitelisted, err := d.isWhitelisted(ctx, identifier)
	if err == nil && whitelisted {
		return false, nil
	}

	banned, err := kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (bool, error) {
		exists, err := rc.Exists(ctx, banKey(identifier)).Result()
		if err != nil {
			return false, err
		}
		return exists > 0, nil
	})
	if err != nil {
		d.log.Warn("abuse: isBanned check failed open", zap.String("identifier", identifier), zap.Error(err))
		return false, nil
	}
	return banned, nil
}

func (d *Detector) isWhitelisted(ctx context.Context, identifier string) (bool, error) {
	return kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (bool, error) {
		exists, err := rc.Exists(ctx, whitelistKey(identifier)).Result()
		if err != nil {
			return false, err
		}
		return exists > 0, nil
	})
}

// GetStats returns the current counter, ban and whitelist state for an
// identifier, for the admin stats endpoint.
func (d *Detector) GetStats(ctx context.Context, identifier string) (Stats, error) {
	return kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (Stats, error) {
		stats := Stats{Identifier: identifier}

		count, err := rc.Get(ctx, countKey(identifier)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return stats, err
		}
		stats.Count = count

		reason, err := rc.Get(ctx, banKey(identifier)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return stats, err
		}
		if reason != "" {
			stats.Banned = true
			stats.BanReason = reason
		}

		wl, err := rc.Exists(ctx, whitelistKey(identifier)).Result()
		if err != nil {
			return stats, err
		}
		stats.Whitelisted = wl > 0

		return stats, nil
	})
}

// ManualBan applies an administrator-issued ban. This is a fail-closed
// operation: any Redis error propagates to the caller rather than being
// swallowed.
func (d *Detector) ManualBan(ctx context.Context, identifier, reason string, duration time.Duration) error {
	if duration <= 0 {
		duration = d.banDuration
	}
	_, err := kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (struct{}, error) {
		return struct{}{}, rc.Set(ctx, banKey(identifier), reason, duration).Err()
	})
	return err
}

// Unban removes an identifier's ban. Fail-closed: errors propagate.
func (d *Detector) Unban(ctx context.Context, identifier string) error {
	_, err := kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (struct{}, error) {
		return struct{}{}, rc.Del(ctx, banKey(identifier)).Err()
	})
	return err
}

// AddToWhitelist marks an identifier as exempt from abuse detection with
// no expiry. Fail-closed.
func (d *Detector) AddToWhitelist(ctx context.Context, identifier string) error {
	_, err := kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (struct{}, error) {
		return struct{}{}, rc.Set(ctx, whitelistKey(identifier), "1", 0).Err()
	})
	return err
}

// RemoveFromWhitelist removes an identifier's whitelist exemption.
// Fail-closed.
func (d *Detector) RemoveFromWhitelist(ctx context.Context, identifier string) error {
	_, err := kvpool.Execute(ctx, d.pool, func(ctx context.Context, rc *redis.Conn) (struct{}, error) {
		return struct{}{}, rc.Del(ctx, whitelistKey(identifier)).Err()
	})
	return err
}

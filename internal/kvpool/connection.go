package kvpool

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// connState tracks whether a pooled connection is safe to hand out.
type connState int32

const (
	stateReady connState = iota
	stateUnhealthy
)

// conn wraps a single dedicated go-redis connection with the bookkeeping
// the pool's LIFO free list and idle-eviction sweep need. Every conn is
// backed by exactly one *redis.Conn so a caller building a transaction is
// guaranteed all of its commands land on the same underlying connection.
type conn struct {
	rc        *redis.Conn
	createdAt time.Time
	lastUsed  time.Time
	state     atomic.Int32
}

func newConn(rc *redis.Conn) *conn {
	c := &conn{rc: rc, createdAt: time.Now(), lastUsed: time.Now()}
	c.state.Store(int32(stateReady))
	return c
}

func (c *conn) markUnhealthy() { c.state.Store(int32(stateUnhealthy)) }
func (c *conn) healthy() bool  { return connState(c.state.Load()) == stateReady }
func (c *conn) touch()         { c.lastUsed = time.Now() }
func (c *conn) idleFor() time.Duration { return time.Since(c.lastUsed) }

// ping performs a bounded liveness check, matching the ~500ms budget the
// acquisition policy allows before a popped connection is discarded.
func (c *conn) ping(parent context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return c.rc.Ping(ctx).Err()
}

func (c *conn) close() error {
	return c.rc.Close()
}

// classify buckets a command error into the destroy/reconnect/leave-alone
// classes the retry policy uses. It never returns an error class for a nil
// error.
func classify(err error) errClass {
	if err == nil {
		return errClassNone
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "econnreset"),
		strings.Contains(msg, "econnrefused"):
		return errClassDestroy
	case strings.Contains(msg, "readonly"):
		return errClassReconnect
	default:
		return errClassOther
	}
}

type errClass int

const (
	errClassNone errClass = iota
	errClassDestroy
	errClassReconnect
	errClassOther
)

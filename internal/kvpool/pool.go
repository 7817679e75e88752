// Package kvpool implements the gateway's dynamic connection pool to the
// Redis-backed key-value store: LIFO free-list acquisition, FIFO waiters,
// a periodic health-check loop, exponential-backoff connection creation,
// and a single-connection transaction-replay contract for pipelined
// commands. Every other component in the gateway (capacity caches, the
// pending counter, the abuse detector) executes through this pool rather
// than holding its own Redis client.
package kvpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures pool sizing and the timeout budget for every stage of
// the connection lifecycle.
type Options struct {
	Min               int
	Max               int
	AcquireTimeout    time.Duration
	IdleTimeout       time.Duration
	CommandTimeout    time.Duration
	PingTimeout       time.Duration
	HealthCheckPeriod time.Duration
	MaxCreateAttempts int
}

func (o Options) withDefaults() Options {
	if o.Min < 0 {
		o.Min = 0
	}
	if o.Max <= 0 {
		o.Max = 10
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 500 * time.Millisecond
	}
	if o.HealthCheckPeriod <= 0 {
		o.HealthCheckPeriod = 30 * time.Second
	}
	if o.MaxCreateAttempts <= 0 {
		o.MaxCreateAttempts = 5
	}
	return o
}

// waiter is a caller parked behind a full pool, resolved FIFO as
// connections are released.
type waiter struct {
	result chan acquireResult
}

type acquireResult struct {
	c   *conn
	err error
}

// Status reports pool occupancy for health/introspection endpoints.
type Status struct {
	Total     int
	Free      int
	InUse     int
	Waiting   int
	Healthy   int
	ShuttingDown bool
}

// Pool is the gateway's Redis connection pool.
type Pool struct {
	opts   Options
	client *redis.Client
	log    *zap.Logger

	mu         sync.Mutex
	free       []*conn // LIFO: append/pop at the tail
	waiters    []*waiter
	total      int
	shutdown   bool

	healthStop chan struct{}
	healthDone chan struct{}
}

// New creates a pool against the given Redis URL. Connections are dialed
// lazily; New does not block on establishing the pool floor.
func New(redisURL string, opts Options, log *zap.Logger) (*Pool, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kvpool: parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{
		opts:       opts.withDefaults(),
		client:     client,
		log:        log,
		healthStop: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	go p.healthCheckLoop()
	return p, nil
}

// Execute acquires a connection, runs fn, and always releases it — even if
// fn panics or returns an error.
func Execute[T any](ctx context.Context, p *Pool, fn func(context.Context, *redis.Conn) (T, error)) (T, error) {
	var zero T
	c, err := p.acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer p.release(c)

	cmdCtx, cancel := context.WithTimeout(ctx, p.opts.CommandTimeout)
	defer cancel()

	result, err := fn(cmdCtx, c.rc)
	if err != nil {
		switch classify(err) {
		case errClassDestroy:
			c.markUnhealthy()
		case errClassReconnect:
			c.markUnhealthy()
		}
		return zero, err
	}
	c.touch()
	return result, nil
}

// Op is one recorded command in a transaction-replay sequence.
type Op struct {
	Name string
	Args []any
}

// ExecuteTransaction replays a sequence of commands on a single acquired
// connection inside a MULTI/EXEC block, releasing the connection whether or
// not the transaction succeeds. This is the pool's "one connection per
// pipeline" guarantee; the pending counter and abuse detector issue their
// commands through Execute instead.
func (p *Pool) ExecuteTransaction(ctx context.Context, ops []Op) ([]redis.Cmder, error) {
	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(c)

	cmdCtx, cancel := context.WithTimeout(ctx, p.opts.CommandTimeout)
	defer cancel()

	cmders, err := c.rc.TxPipelined(cmdCtx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if err := pipe.Do(cmdCtx, buildArgs(op)...).Err(); err != nil && err != redis.Nil {
				return err
			}
		}
		return nil
	})
	if err != nil && classify(err) == errClassDestroy {
		c.markUnhealthy()
	}
	return cmders, err
}

func buildArgs(op Op) []any {
	args := make([]any, 0, len(op.Args)+1)
	args = append(args, op.Name)
	args = append(args, op.Args...)
	return args
}

// acquire pops a connection LIFO, verifying liveness, creating a new one
// under the max, or parking the caller FIFO behind an acquire timeout.
func (p *Pool) acquire(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}

	for len(p.free) > 0 {
		c := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.mu.Unlock()

		if c.healthy() && c.ping(ctx, p.opts.PingTimeout) == nil {
			return c, nil
		}
		p.discard(c)
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrPoolShutdown
		}
	}

	if p.total < p.opts.Max {
		p.total++
		p.mu.Unlock()

		c, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}
		return c, nil
	}

	w := &waiter{result: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	select {
	case res := <-w.result:
		return res.c, res.err
	case <-acquireCtx.Done():
		p.removeWaiter(w)
		return nil, ErrAcquireTimeout
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// release hands a connection to the next waiter, returns it to the free
// list, or destroys it if the pool is shutting down or it went unhealthy.
func (p *Pool) release(c *conn) {
	p.mu.Lock()

	if p.shutdown || !c.healthy() {
		p.mu.Unlock()
		p.discard(c)
		p.maybeReplace()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.result <- acquireResult{c: c}
		return
	}

	p.free = append(p.free, c)
	p.mu.Unlock()
}

// discard closes a connection and decrements the pool's total count.
func (p *Pool) discard(c *conn) {
	_ = c.close()
	p.mu.Lock()
	if p.total > 0 {
		p.total--
	}
	p.mu.Unlock()
}

// maybeReplace tops up the pool to its floor after discarding a connection,
// mirroring the release-time replacement the acquisition policy requires.
func (p *Pool) maybeReplace() {
	p.mu.Lock()
	shouldCreate := !p.shutdown && p.total < p.opts.Min
	if shouldCreate {
		p.total++
	}
	p.mu.Unlock()

	if !shouldCreate {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
	defer cancel()
	c, err := p.create(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.log.Warn("kvpool: failed to replace connection to maintain floor", zap.Error(err))
		return
	}
	p.release(c)
}

// create dials a new connection with bounded-timeout retries and
// exponential backoff capped at 30s, per the creation policy.
func (p *Pool) create(ctx context.Context) (*conn, error) {
	var lastErr error
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; attempt < p.opts.MaxCreateAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
		rc := p.client.Conn()
		err := rc.Ping(dialCtx).Err()
		cancel()
		if err == nil {
			return newConn(rc), nil
		}
		_ = rc.Close()
		lastErr = err

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("kvpool: failed to create connection after %d attempts: %w", p.opts.MaxCreateAttempts, lastErr)
}

// healthCheckLoop runs every HealthCheckPeriod: pings one ready connection,
// evicts idle connections beyond IdleTimeout while respecting the floor,
// and tops up by at most one connection per tick.
func (p *Pool) healthCheckLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.opts.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.healthStop:
			return
		case <-ticker.C:
			p.runHealthCheck()
		}
	}
}

func (p *Pool) runHealthCheck() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	status := p.statusLocked()
	p.mu.Unlock()

	if status.Healthy == 0 && status.Total > 0 {
		p.log.Warn("kvpool: no healthy connections in pool", zap.Int("total", status.Total))
	}

	p.pingOne()
	p.evictIdle()
	p.topUpOne()
}

func (p *Pool) pingOne() {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		return
	}
	c := p.free[len(p.free)-1]
	p.mu.Unlock()

	start := time.Now()
	err := c.ping(context.Background(), p.opts.PingTimeout)
	elapsed := time.Since(start)
	if err != nil {
		c.markUnhealthy()
		return
	}
	if elapsed > 100*time.Millisecond {
		p.log.Warn("kvpool: slow ping", zap.Duration("elapsed", elapsed))
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	kept := p.free[:0]
	var evicted []*conn
	for _, c := range p.free {
		if p.total-len(evicted) > p.opts.Min && c.idleFor() > p.opts.IdleTimeout {
			evicted = append(evicted, c)
			continue
		}
		kept = append(kept, c)
	}
	p.free = kept
	p.mu.Unlock()

	for _, c := range evicted {
		p.discard(c)
	}
}

func (p *Pool) topUpOne() {
	p.mu.Lock()
	shouldCreate := !p.shutdown && p.total < p.opts.Min
	if shouldCreate {
		p.total++
	}
	p.mu.Unlock()

	if !shouldCreate {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
	defer cancel()
	c, err := p.create(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.log.Warn("kvpool: top-up failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// Status reports current pool occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pool) statusLocked() Status {
	healthy := 0
	for _, c := range p.free {
		if c.healthy() {
			healthy++
		}
	}
	return Status{
		Total:        p.total,
		Free:         len(p.free),
		InUse:        p.total - len(p.free),
		Waiting:      len(p.waiters),
		Healthy:      healthy,
		ShuttingDown: p.shutdown,
	}
}

// Shutdown stops the health-check loop and drains every idle connection.
// In-flight acquisitions and waiters are failed with ErrPoolShutdown.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	free := p.free
	p.free = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.healthStop)

	for _, w := range waiters {
		w.result <- acquireResult{err: ErrPoolShutdown}
	}
	for _, c := range free {
		p.discard(c)
	}

	select {
	case <-p.healthDone:
	case <-ctx.Done():
	}
	return p.client.Close()
}

// Package coalescer implements the batch settlement coalescer: an
// insertion-ordered queue of pending settlements flushed either when it
// reaches a target size or after a bounded time window, whichever comes
// first. A flush re-verifies every item in parallel (an authorization can
// go stale between admission and flush) before submitting the survivors as
// a single batched settle call, then demultiplexes the facilitator's
// positional results back to each caller's SettleItem.
package coalescer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

// Verifier re-checks a single authorization immediately before settlement.
type Verifier interface {
	Verify(ctx context.Context, auth *gwtypes.PaymentAuthorization, challenge gwtypes.PaymentChallenge) (gwtypes.VerifyResult, error)
}

// Settler submits a batch of re-verified items for settlement.
type Settler interface {
	SettleBatch(ctx context.Context, items []*gwtypes.SettleItem) ([]gwtypes.SettleResult, error)
}

// Options configures batch sizing, flush timing and the stale-item sweep.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	StaleAge      time.Duration
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.StaleAge <= 0 {
		o.StaleAge = 2 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	return o
}

// Coalescer batches settlement requests behind a size/time-triggered
// flush.
type Coalescer struct {
	verifier Verifier
	settler  Settler
	opts     Options
	log      *zap.Logger

	mu       sync.Mutex
	queue    []*gwtypes.SettleItem
	timer    *time.Timer
	shutdown bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New constructs a coalescer against the given verifier and settler.
func New(verifier Verifier, settler Settler, opts Options, log *zap.Logger) *Coalescer {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coalescer{
		verifier:  verifier,
		settler:   settler,
		opts:      opts.withDefaults(),
		log:       log,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Enqueue adds an item to the queue, triggering an immediate flush if the
// batch size is reached, and arming the flush timer on the first item of a
// new batch. It returns the item's settlement outcome once the flush that
// includes it resolves.
func (c *Coalescer) Enqueue(ctx context.Context, item *gwtypes.SettleItem) (gwtypes.SettleResult, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return gwtypes.SettleResult{}, ErrShutdown
	}

	c.queue = append(c.queue, item)
	shouldFlush := len(c.queue) >= c.opts.BatchSize
	if len(c.queue) == 1 && !shouldFlush {
		c.timer = time.AfterFunc(c.opts.FlushInterval, c.flushDue)
	}
	c.mu.Unlock()

	if shouldFlush {
		go c.flushDue()
	}

	return item.Wait(ctx)
}

// takeBatch pops at most BatchSize items off the head of the queue,
// insertion order preserved, and cancels any pending flush timer. Items
// beyond the cap stay queued for the next flush.
func (c *Coalescer) takeBatch() (batch []*gwtypes.SettleItem, remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	n := len(c.queue)
	if n > c.opts.BatchSize {
		n = c.opts.BatchSize
	}
	batch = make([]*gwtypes.SettleItem, n)
	copy(batch, c.queue[:n])
	c.queue = c.queue[n:]
	return batch, len(c.queue)
}

// flushDue takes one batchSize-capped batch off the queue and settles it.
// If the queue still holds a full batch's worth of items afterward it
// re-triggers immediately; otherwise, if anything is left, it re-arms the
// flush timer so the remainder isn't stranded until the next Enqueue.
func (c *Coalescer) flushDue() {
	batch, remaining := c.takeBatch()

	if remaining >= c.opts.BatchSize {
		go c.flushDue()
	} else if remaining > 0 {
		c.mu.Lock()
		c.timer = time.AfterFunc(c.opts.FlushInterval, c.flushDue)
		c.mu.Unlock()
	}

	if len(batch) == 0 {
		return
	}
	c.settleBatch(batch)
}

// drainAll repeatedly takes and settles batchSize-capped batches until the
// queue is empty, used only at shutdown once Enqueue is refusing new work.
// Once ctx is done, every item still queued is failed with ErrShutdown.
func (c *Coalescer) drainAll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.mu.Lock()
			left := c.queue
			c.queue = nil
			c.mu.Unlock()
			for _, item := range left {
				item.Fail(ErrShutdown)
			}
			return
		}
		batch, remaining := c.takeBatch()
		if len(batch) > 0 {
			c.settleBatch(batch)
		}
		if remaining == 0 {
			return
		}
	}
}

// settleBatch re-verifies every item in parallel, drops the ones that fail
// re-verification (failing them individually), and submits the survivors
// as one batched settle call.
func (c *Coalescer) settleBatch(batch []*gwtypes.SettleItem) {
	ctx := context.Background()

	verified := make([]*gwtypes.SettleItem, len(batch))
	var g errgroup.Group
	for i, item := range batch {
		i, item := i, item
		g.Go(func() error {
			result, err := c.verifier.Verify(ctx, item.Authorization, item.Challenge)
			if err != nil {
				item.Fail(err)
				return nil
			}
			if !result.IsValid {
				item.Complete(gwtypes.SettleResult{Success: false, Reason: fmt.Sprintf("Verification failed: %s", result.InvalidReason)})
				return nil
			}
			verified[i] = item
			return nil
		})
	}
	_ = g.Wait()

	survivors := make([]*gwtypes.SettleItem, 0, len(verified))
	for _, item := range verified {
		if item != nil {
			survivors = append(survivors, item)
		}
	}
	if len(survivors) == 0 {
		return
	}

	results, err := c.settler.SettleBatch(ctx, survivors)
	if err != nil {
		c.log.Error("coalescer: batch settle failed", zap.Int("size", len(survivors)), zap.Error(err))
		for _, item := range survivors {
			item.Fail(err)
		}
		return
	}

	for i, item := range survivors {
		item.Complete(results[i])
	}
}

// sweepLoop periodically flushes items that have sat in the queue longer
// than StaleAge, guarding against a stuck timer or a batch that never
// reaches size under low traffic.
func (c *Coalescer) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweepStale()
		}
	}
}

func (c *Coalescer) sweepStale() {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	oldest := c.queue[0]
	if time.Since(oldest.EnqueuedAt) < c.opts.StaleAge {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Warn("coalescer: sweeping stale batch")
	c.flushDue()
}

// Shutdown stops the sweep loop and settles whatever remains queued, one
// batchSize-capped batch at a time. ctx is checked between batches: once it
// is done, the items still queued are failed with ErrShutdown. A batch
// already being settled is not interrupted.
func (c *Coalescer) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()

	close(c.sweepStop)
	<-c.sweepDone

	c.drainAll(ctx)
}

// ErrShutdown is returned by Enqueue once the coalescer has begun shutting
// down.
var ErrShutdown = shutdownErr{}

type shutdownErr struct{}

func (shutdownErr) Error() string { return "coalescer: shutting down" }

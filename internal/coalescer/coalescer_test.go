package coalescer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

type fakeVerifier struct {
	mu      sync.Mutex
	invalid map[string]bool
}

func (f *fakeVerifier) Verify(ctx context.Context, auth *gwtypes.PaymentAuthorization, challenge gwtypes.PaymentChallenge) (gwtypes.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalid[auth.Nonce] {
		return gwtypes.VerifyResult{IsValid: false, InvalidReason: "stale"}, nil
	}
	return gwtypes.VerifyResult{IsValid: true}, nil
}

type fakeSettler struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeSettler) SettleBatch(ctx context.Context, items []*gwtypes.SettleItem) ([]gwtypes.SettleResult, error) {
	f.mu.Lock()
	var ids []string
	for _, it := range items {
		ids = append(ids, it.RequestID)
	}
	f.calls = append(f.calls, ids)
	f.mu.Unlock()

	results := make([]gwtypes.SettleResult, len(items))
	for i, it := range items {
		results[i] = gwtypes.SettleResult{Success: true, TransactionHash: "0xhash-" + it.RequestID}
	}
	return results, nil
}

func newItem(id string) *gwtypes.SettleItem {
	return gwtypes.NewSettleItem(id, &gwtypes.PaymentAuthorization{Nonce: id}, gwtypes.PaymentChallenge{})
}

func TestFlushesOnBatchSize(t *testing.T) {
	verifier := &fakeVerifier{invalid: map[string]bool{}}
	settler := &fakeSettler{}
	c := New(verifier, settler, Options{BatchSize: 2, FlushInterval: time.Hour, SweepInterval: time.Hour}, nil)

	var wg sync.WaitGroup
	results := make([]gwtypes.SettleResult, 2)
	for i, id := range []string{"a", "b"} {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Enqueue(context.Background(), newItem(id))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = r
		}()
	}
	wg.Wait()

	for _, r := range results {
		if !r.Success {
			t.Fatalf("expected success, got %+v", r)
		}
	}
}

func TestFlushesOnTimerWhenBatchNeverFills(t *testing.T) {
	verifier := &fakeVerifier{invalid: map[string]bool{}}
	settler := &fakeSettler{}
	c := New(verifier, settler, Options{BatchSize: 10, FlushInterval: 20 * time.Millisecond, SweepInterval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := c.Enqueue(ctx, newItem("solo"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestInvalidReVerificationFailsWithoutSettling(t *testing.T) {
	verifier := &fakeVerifier{invalid: map[string]bool{"stale-item": true}}
	settler := &fakeSettler{}
	c := New(verifier, settler, Options{BatchSize: 1, FlushInterval: time.Hour, SweepInterval: time.Hour}, nil)

	result, err := c.Enqueue(context.Background(), newItem("stale-item"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected settlement to be rejected after failed re-verification")
	}
	settler.mu.Lock()
	defer settler.mu.Unlock()
	if len(settler.calls) != 0 {
		t.Fatalf("expected settler not to be called for an invalid item, got %d calls", len(settler.calls))
	}
	if result.Reason != "Verification failed: stale" {
		t.Fatalf("expected formatted verification-failed reason, got %q", result.Reason)
	}
}

func TestFlushCapsAtBatchSizeAndSettlesRemainderNextFlush(t *testing.T) {
	verifier := &fakeVerifier{invalid: map[string]bool{}}
	settler := &fakeSettler{}
	c := New(verifier, settler, Options{BatchSize: 10, FlushInterval: 20 * time.Millisecond, SweepInterval: time.Hour}, nil)

	var wg sync.WaitGroup
	results := make([]gwtypes.SettleResult, 12)
	for i := 0; i < 12; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Enqueue(context.Background(), newItem(string(rune('a'+i))))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = r
		}()
	}
	wg.Wait()

	for i, r := range results {
		if !r.Success {
			t.Fatalf("expected item %d to succeed, got %+v", i, r)
		}
	}

	settler.mu.Lock()
	defer settler.mu.Unlock()
	if len(settler.calls) != 2 {
		t.Fatalf("expected 2 settle calls (one capped at batch size, one for the remainder), got %d", len(settler.calls))
	}
	sizes := []int{len(settler.calls[0]), len(settler.calls[1])}
	if !((sizes[0] == 10 && sizes[1] == 2) || (sizes[0] == 2 && sizes[1] == 10)) {
		t.Fatalf("expected batch sizes {10, 2}, got %v", sizes)
	}
}

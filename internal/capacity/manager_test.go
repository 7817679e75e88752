package capacity

import (
	"context"
	"errors"
	"testing"

	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

type fakeChain struct {
	maxByToken   map[string]uint64
	countByToken map[string]uint64
	maxCalls     int
	countErr     error
}

func (f *fakeChain) MaxMintCount(ctx context.Context, tokenAddress string) (uint64, error) {
	f.maxCalls++
	return f.maxByToken[tokenAddress], nil
}

func (f *fakeChain) MintCount(ctx context.Context, tokenAddress string) (uint64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.countByToken[tokenAddress], nil
}

func TestMaxMintCountCacheNeverRefetches(t *testing.T) {
	chain := &fakeChain{maxByToken: map[string]uint64{"tok": 100}}
	c := NewMaxMintCountCache(chain, nil)

	for i := 0; i < 5; i++ {
		v, err := c.Get(context.Background(), "tok")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 100 {
			t.Fatalf("expected 100, got %d", v)
		}
	}
	if chain.maxCalls != 1 {
		t.Fatalf("expected exactly 1 chain read, got %d", chain.maxCalls)
	}
}

func TestMintCountCacheServesStaleOnRefreshFailure(t *testing.T) {
	chain := &fakeChain{countByToken: map[string]uint64{"tok": 5}}
	c := NewMintCountCache(chain, 0, nil) // ttl 0 forces a refresh on every Get

	v, err := c.Get(context.Background(), "tok")
	if err != nil || v != 5 {
		t.Fatalf("expected 5, nil; got %d, %v", v, err)
	}

	chain.countErr = errors.New("rpc down")
	v, err = c.Get(context.Background(), "tok")
	if err != nil {
		t.Fatalf("expected stale value served without error, got %v", err)
	}
	if v != 5 {
		t.Fatalf("expected stale value 5, got %d", v)
	}
}

func TestMintCountCachePropagatesErrorWithNoStaleEntry(t *testing.T) {
	chain := &fakeChain{countErr: errors.New("rpc down")}
	c := NewMintCountCache(chain, 0, nil)

	_, err := c.Get(context.Background(), "tok")
	if err == nil {
		t.Fatal("expected error with no cached entry to fall back to")
	}
}

func TestCapacityInfoAvailableSlots(t *testing.T) {
	info := gwtypes.CapacityInfo{MaxMintCount: 100, CurrentMintCount: 90, PendingCount: 5}
	if got := info.AvailableSlots(); got != 5 {
		t.Fatalf("expected 5 available, got %d", got)
	}

	exhausted := gwtypes.CapacityInfo{MaxMintCount: 100, CurrentMintCount: 100, PendingCount: 5}
	if got := exhausted.AvailableSlots(); got != 0 {
		t.Fatalf("expected 0 available when exhausted, got %d", got)
	}
}

package capacity

import (
	"context"

	"go.uber.org/zap"

	"github.com/x402-foundation/mint-gateway/internal/gwtypes"
)

// Manager composes the three capacity tiers into the check/reserve/release
// operations the admission pipeline calls at steps 8, 9 and the
// compensating-release paths.
type Manager struct {
	maxCache *MaxMintCountCache
	countCache *MintCountCache
	pending  *PendingMintCounter
	log      *zap.Logger
}

// NewManager wires the three tiers into a single capacity manager.
func NewManager(maxCache *MaxMintCountCache, countCache *MintCountCache, pending *PendingMintCounter, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{maxCache: maxCache, countCache: countCache, pending: pending, log: log}
}

// Check builds a CapacityInfo snapshot for the token without reserving
// anything, reading maxMintCount (permanent), mintCount (TTL-cached) and
// the pending counter (Redis).
func (m *Manager) Check(ctx context.Context, tokenKey string) (gwtypes.CapacityInfo, error) {
	maxCount, err := m.maxCache.Get(ctx, tokenKey)
	if err != nil {
		return gwtypes.CapacityInfo{}, err
	}
	current, err := m.countCache.Get(ctx, tokenKey)
	if err != nil {
		return gwtypes.CapacityInfo{}, err
	}
	pending, err := m.pending.Get(ctx, tokenKey)
	if err != nil {
		return gwtypes.CapacityInfo{}, err
	}
	return gwtypes.CapacityInfo{
		MaxMintCount:     maxCount,
		CurrentMintCount: current,
		PendingCount:     pending,
	}, nil
}

// Reserve checks capacity and, if the requested slots are available,
// increments the pending counter. The read and the increment are separate
// operations, not one atomic step; if the post-increment total exceeds
// maxMintCount the increment is backed out. It returns the
// post-reservation snapshot and whether the reservation succeeded.
func (m *Manager) Reserve(ctx context.Context, tokenKey string, slots uint64) (gwtypes.CapacityInfo, bool, error) {
	info, err := m.Check(ctx, tokenKey)
	if err != nil {
		return gwtypes.CapacityInfo{}, false, err
	}
	if info.AvailableSlots() < slots {
		return info, false, nil
	}

	newPending, err := m.pending.Increment(ctx, tokenKey, slots)
	if err != nil {
		return info, false, err
	}
	info.PendingCount = newPending

	if info.AvailableSlots() == 0 && info.CurrentMintCount+info.PendingCount > info.MaxMintCount {
		// Lost a race against another reservation; back out immediately.
		_ = m.pending.Decrement(ctx, tokenKey, slots)
		info.PendingCount = newPending - slots
		return info, false, nil
	}

	return info, true, nil
}

// Release backs out a previously successful reservation. It is the
// compensating action for every admission-pipeline failure path once
// CapacityReserved has been reached.
func (m *Manager) Release(ctx context.Context, tokenKey string, slots uint64) error {
	if err := m.pending.Decrement(ctx, tokenKey, slots); err != nil {
		m.log.Error("capacity: failed to release reservation", zap.String("token", tokenKey), zap.Error(err))
		return err
	}
	return nil
}

package escrow

import (
	"context"
	"sync"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/swap"
)

// MemoryStore 在进程内存中保存 escrow。
type MemoryStore struct {
	mu   sync.RWMutex
	legs map[swap.Principal]*Leg
}

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{legs: make(map[swap.Principal]*Leg)}
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, leg *Leg) error {
	if leg == nil || leg.Address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "leg address is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.legs[leg.Address]; ok {
		return ErrLegExists
	}
	now := time.Now().Unix()
	if leg.CreatedAt == 0 {
		leg.CreatedAt = now
	}
	leg.UpdatedAt = now
	m.legs[leg.Address] = leg.clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, address swap.Principal) (*Leg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	leg, ok := m.legs[address]
	if !ok {
		return nil, swap.ErrEscrowNotFound
	}
	return leg.clone(), nil
}

// Finalize 实现 Store。
func (m *MemoryStore) Finalize(_ context.Context, address swap.Principal, state swap.EscrowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	leg, ok := m.legs[address]
	if !ok {
		return swap.ErrEscrowNotFound
	}
	if leg.State.IsTerminal() {
		return ErrLegNotActive
	}
	leg.State = state.Clone()
	leg.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordPayoutError 实现 Store。
func (m *MemoryStore) RecordPayoutError(_ context.Context, address swap.Principal, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	leg, ok := m.legs[address]
	if !ok {
		return swap.ErrEscrowNotFound
	}
	if leg.State.Payout == nil {
		return xerrors.New(xerrors.CodeConflict, "leg has no payout to annotate")
	}
	leg.State.Payout.Error = message
	leg.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }

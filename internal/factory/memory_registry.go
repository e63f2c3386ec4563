package factory

import (
	"context"
	"sort"
	"sync"
	"time"

	"CrossChain-Escrow/internal/swap"
)

// MemoryRegistry 在进程内存中保存登记表。
type MemoryRegistry struct {
	mu      sync.RWMutex
	counter uint64
	records map[swap.EscrowID]*Record
}

// NewMemoryRegistry 创建空的登记表。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[swap.EscrowID]*Record)}
}

// Append 实现 Registry。
func (m *MemoryRegistry) Append(_ context.Context, build func(id swap.EscrowID) Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := swap.EscrowID(m.counter)
	rec := build(id)
	rec.ID = id
	now := time.Now().Unix()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[id] = &rec
	m.counter++
	return rec.Clone(), nil
}

// Get 实现 Registry。
func (m *MemoryRegistry) Get(_ context.Context, id swap.EscrowID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, swap.ErrEscrowNotFound
	}
	return rec.Clone(), nil
}

// Confirm 实现 Registry。
func (m *MemoryRegistry) Confirm(_ context.Context, id swap.EscrowID, address swap.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return swap.ErrEscrowNotFound
	}
	rec.Status = StatusConfirmed
	rec.Address = address
	rec.LastError = ""
	rec.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordFailure 实现 Registry。
func (m *MemoryRegistry) RecordFailure(_ context.Context, id swap.EscrowID, message string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, swap.ErrEscrowNotFound
	}
	rec.Attempts++
	rec.LastError = message
	rec.UpdatedAt = time.Now().Unix()
	return rec.Clone(), nil
}

// ListPending 实现 Registry，按时间从旧到新返回。
func (m *MemoryRegistry) ListPending(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range m.records {
		if rec.Status == StatusPending {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counter 实现 Registry。
func (m *MemoryRegistry) Counter(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counter, nil
}

// Close 实现 Registry。
func (m *MemoryRegistry) Close() error { return nil }

// ABOUTME: In-memory Keystore for tests and ephemeral runs
// ABOUTME: Same contract as the SQLite store, no persistence, no sealing

package keystore

import (
	"context"
	"sync"
)

// Memory is a map-backed Keystore. Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory returns an empty in-memory keystore.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) SetItem(_ context.Context, agentID string, blob []byte) error {
	cp := make([]byte, len(blob))
	copy(cp, blob)

	m.mu.Lock()
	m.items[agentID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetItem(_ context.Context, agentID string) ([]byte, error) {
	m.mu.RLock()
	blob, ok := m.items[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (m *Memory) RemoveItem(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.items, agentID)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

var _ Keystore = (*Memory)(nil)

package codecache

import (
	"context"
	"sync"

	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

// Store persists code entries by hash. Implementations must be safe for
// concurrent use and must never replace an entry once stored.
type Store interface {
	Get(ctx context.Context, hash string) (bridge.CodeEntry, bool, error)
	Has(ctx context.Context, hashes []string) (map[string]bool, error)
	// PutIfAbsent stores e unless its hash is taken, in which case the
	// existing entry is returned with stored=false.
	PutIfAbsent(ctx context.Context, e bridge.CodeEntry) (existing bridge.CodeEntry, stored bool, err error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]bridge.CodeEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]bridge.CodeEntry)}
}

func (m *MemoryStore) Get(_ context.Context, hash string) (bridge.CodeEntry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[hash]
	m.mu.RUnlock()
	return e, ok, nil
}

func (m *MemoryStore) Has(_ context.Context, hashes []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		_, res[h] = m.entries[h]
	}
	return res, nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, e bridge.CodeEntry) (bridge.CodeEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[e.Hash]; ok {
		return cur, false, nil
	}
	m.entries[e.Hash] = e
	return e, true, nil
}

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and runs that do not need
// durability. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]map[int][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[int][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, runID string, iteration int, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("store is closed")
	}
	run, ok := m.runs[runID]
	if !ok {
		run = make(map[int][]byte)
		m.runs[runID] = run
	}
	cp := make([]byte, len(state))
	copy(cp, state)
	run[iteration] = cp
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, runID string, iteration int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("store is closed")
	}
	state, ok := m.runs[runID][iteration]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(state))
	copy(cp, state)
	return cp, nil
}

func (m *MemoryStore) Latest(ctx context.Context, runID string) ([]byte, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, errors.New("store is closed")
	}
	run, ok := m.runs[runID]
	if !ok || len(run) == 0 {
		return nil, 0, ErrNotFound
	}
	best := -1
	for n := range run {
		if n > best {
			best = n
		}
	}
	cp := make([]byte, len(run[best]))
	copy(cp, run[best])
	return cp, best, nil
}

func (m *MemoryStore) Iterations(ctx context.Context, runID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("store is closed")
	}
	var out []int
	for n := range m.runs[runID] {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Close marks the store closed. Double-close is a no-op.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

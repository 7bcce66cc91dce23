package statestore

import (
	"context"
	"sync"
)

// MemoryStore keeps states in process. It stores and returns copies.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*FlowState
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*FlowState)}
}

func (m *MemoryStore) Save(_ context.Context, s *FlowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	touch(s)
	m.states[s.FlowID] = s.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, flowID string) (*FlowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	s, ok := m.states[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*FlowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*FlowState, 0, len(m.states))
	for _, s := range m.states {
		if f.matches(s) {
			out = append(out, s.Clone())
		}
	}
	sortNewestFirst(out)
	return applyLimit(out, f.Limit), nil
}

func (m *MemoryStore) Delete(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.states[flowID]; !ok {
		return ErrNotFound
	}
	delete(m.states, flowID)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

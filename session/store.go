package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists sessions.
type Store interface {
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Session, error)
	// Save persists s if its Version matches the stored one (0 for a new
	// session) and increments s.Version. It returns ErrConflict otherwise.
	Save(ctx context.Context, s *Session) error
	// Delete returns ErrNotFound for unknown ids.
	Delete(ctx context.Context, id string) error
	// List returns all sessions, most recently updated first.
	List(ctx context.Context) ([]*Session, error)
}

// MemoryStore is a volatile Store. Returned sessions are clones.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if prev, ok := m.sessions[s.ID]; ok {
		current = prev.Version
	}
	if s.Version != current {
		return ErrConflict
	}
	s.mu.Lock()
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(ss []*Session) {
	sort.SliceStable(ss, func(i, j int) bool { return ss[i].UpdatedAt.After(ss[j].UpdatedAt) })
}

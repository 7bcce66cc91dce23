package session

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/logging"
)

// DefaultMaxRetries bounds the retries of Update on version conflicts.
const DefaultMaxRetries = 3

// Manager loads, creates and persists sessions on top of a Store.
type Manager struct {
	store      Store
	logger     logging.Logger
	maxRetries int

	locks sync.Map // id -> *sync.Mutex
}

// NewManager creates a manager. A nil store selects a MemoryStore.
func NewManager(store Store, logger logging.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{store: store, logger: logging.OrNoOp(logger), maxRetries: DefaultMaxRetries}
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Load returns the session id, or a new unsaved session when it does not
// exist. An empty id creates a session with a fresh id.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return New(core.NewID()), nil
	}
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		m.logger.Debug("session.created", "session_id", id)
		return New(id), nil
	}
	if err != nil {
		return nil, core.WrapError(core.StatusUnavailable, err, "load session %s", id)
	}
	return s, nil
}

// Save persists s. A version conflict is reported as ABORTED.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	err := m.store.Save(ctx, s)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict):
		return core.WrapError(core.StatusAborted, err, "session %s was modified concurrently", s.ID)
	default:
		return core.WrapError(core.StatusUnavailable, err, "save session %s", s.ID)
	}
}

// Update loads the session, applies fn and saves it, retrying from a fresh
// copy when another writer saved in between.
func (m *Manager) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	for attempt := 0; ; attempt++ {
		s, err := m.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(s); err != nil {
			return nil, err
		}
		err = m.store.Save(ctx, s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, core.WrapError(core.StatusUnavailable, err, "save session %s", s.ID)
		}
		if attempt >= m.maxRetries {
			return nil, core.WrapError(core.StatusAborted, err, "session %s was modified concurrently", s.ID)
		}
		m.logger.Debug("session.update.retry", "session_id", id, "attempt", attempt+1)
	}
}

// Lock serializes work on one session inside this process and returns the
// unlock function.
func (m *Manager) Lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

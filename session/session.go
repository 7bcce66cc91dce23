package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/hupe1980/flowkit/core"
)

// DefaultThread is the thread used when none is named.
const DefaultThread = "main"

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session: not found")
	// ErrConflict is returned by Save when the stored version moved on.
	ErrConflict = errors.New("session: version conflict")
)

// Session is a conversation container. It is safe for concurrent use.
type Session struct {
	ID      string                    `json:"id"`
	State   map[string]any            `json:"state"`
	Threads map[string][]core.Content `json:"threads"`
	// Version is the stored version this copy was loaded at; 0 means never
	// saved.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	mu sync.RWMutex
}

// New creates an empty session.
func New(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		State:     map[string]any{},
		Threads:   map[string][]core.Content{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func threadName(thread string) string {
	if thread == "" {
		return DefaultThread
	}
	return thread
}

// AppendMessages adds msgs to thread.
func (s *Session) AppendMessages(thread string, msgs ...core.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := threadName(thread)
	s.Threads[t] = append(s.Threads[t], msgs...)
	s.UpdatedAt = time.Now().UTC()
}

// Messages returns a copy of the history of thread.
func (s *Session) Messages(thread string) []core.Content {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Content(nil), s.Threads[threadName(thread)]...)
}

// ThreadNames lists the threads with at least one message.
func (s *Session) ThreadNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.Threads))
	for k := range s.Threads {
		out = append(out, k)
	}
	return out
}

// GetState returns the value stored under key.
func (s *Session) GetState(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.State[key]
	return v, ok
}

// StateSnapshot returns a shallow copy of the state.
func (s *Session) StateSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.State))
	for k, v := range s.State {
		out[k] = v
	}
	return out
}

// UpdateState merges delta into the state.
func (s *Session) UpdateState(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.State[k] = v
	}
	s.UpdatedAt = time.Now().UTC()
}

// PatchState applies an RFC 7386 JSON merge patch to the state.
func (s *Session) PatchState(mergePatch []byte) error {
	return s.transformState(func(doc []byte) ([]byte, error) {
		return jsonpatch.MergePatch(doc, mergePatch)
	})
}

// ApplyJSONPatch applies RFC 6902 patch operations to the state.
func (s *Session) ApplyJSONPatch(ops []byte) error {
	patch, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return core.WrapError(core.StatusInvalidArgument, err, "decode json patch")
	}
	return s.transformState(patch.Apply)
}

func (s *Session) transformState(fn func(doc []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(s.State)
	if err != nil {
		return core.WrapError(core.StatusInternal, err, "encode session state")
	}
	patched, err := fn(doc)
	if err != nil {
		return core.WrapError(core.StatusInvalidArgument, err, "patch session state")
	}
	next := map[string]any{}
	if err := json.Unmarshal(patched, &next); err != nil {
		return core.WrapError(core.StatusInvalidArgument, err, "patched state is not an object")
	}
	s.State = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy. State values are copied through JSON.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &Session{
		ID:        s.ID,
		State:     cloneState(s.State),
		Threads:   make(map[string][]core.Content, len(s.Threads)),
		Version:   s.Version,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	for k, msgs := range s.Threads {
		c.Threads[k] = append([]core.Content(nil), msgs...)
	}
	return c
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	b, err := json.Marshal(state)
	if err == nil && json.Unmarshal(b, &out) == nil {
		return out
	}
	for k, v := range state {
		out[k] = v
	}
	return out
}

// encode and decode are used by the persistent stores.
func encode(s *Session) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("session: encode %s: %w", s.ID, err)
	}
	return b, nil
}

func decode(data []byte) (*Session, error) {
	s := &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	if s.State == nil {
		s.State = map[string]any{}
	}
	if s.Threads == nil {
		s.Threads = map[string][]core.Content{}
	}
	return s, nil
}

package testutil

import (
	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/session"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1").State("k", "v").Messages("main", msgs...).Build()
type SessionBuilder struct {
	id      string
	state   map[string]any
	threads map[string][]core.Content
}

// NewSessionBuilder creates a new builder for a session with the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id, state: map[string]any{}, threads: map[string][]core.Content{}}
}

// State sets or overwrites a state key/value pair (chainable).
func (b *SessionBuilder) State(key string, val any) *SessionBuilder {
	b.state[key] = val
	return b
}

// Messages appends messages to thread (chainable).
func (b *SessionBuilder) Messages(thread string, msgs ...core.Content) *SessionBuilder {
	b.threads[thread] = append(b.threads[thread], msgs...)
	return b
}

// Build returns the unsaved session.
func (b *SessionBuilder) Build() *session.Session {
	s := session.New(b.id)
	s.UpdateState(b.state)
	for thread, msgs := range b.threads {
		s.AppendMessages(thread, msgs...)
	}
	return s
}

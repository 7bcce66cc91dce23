package core

import "github.com/google/uuid"

// NewID returns a random identifier for runs, flows and sessions.
func NewID() string { return uuid.NewString() }

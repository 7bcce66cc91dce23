package ai

import (
	"sync"

	"github.com/hupe1980/flowkit/core"
)

// TurnLimiter enforces a maximum number of model turns per generate call.
type TurnLimiter struct {
	mu    sync.Mutex
	max   int
	count int
}

// NewTurnLimiter creates a limiter. max == 0 allows unlimited turns.
func NewTurnLimiter(max int) *TurnLimiter {
	return &TurnLimiter{max: max}
}

// Increment counts one turn and fails with RESOURCE_EXHAUSTED once the
// limit is exceeded.
func (l *TurnLimiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.max > 0 && l.count > l.max {
		return core.NewError(core.StatusResourceExhausted, "exceeded max turns: %d", l.max)
	}
	return nil
}

// Count returns the number of turns taken.
func (l *TurnLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Remaining returns how many turns are left, or -1 when unlimited.
func (l *TurnLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max == 0 {
		return -1
	}
	return l.max - l.count
}

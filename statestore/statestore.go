// Package statestore persists the durable state of flow runs: input,
// memoized step outputs, interrupts and the final outcome.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Status is the lifecycle state of a flow run.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether no further execution happens without a resume.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

var (
	// ErrNotFound is returned by Load and Delete for unknown flow ids.
	ErrNotFound = errors.New("statestore: flow state not found")
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("statestore: store closed")
)

// InterruptRecord describes why a flow is waiting for outside input.
type InterruptRecord struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FlowState is the persisted record of one flow run.
type FlowState struct {
	FlowID   string          `json:"flowId"`
	FlowName string          `json:"flowName"`
	Input    json.RawMessage `json:"input,omitempty"`
	Status   Status          `json:"status"`
	// Steps maps step names to their JSON output.
	Steps     map[string]json.RawMessage `json:"steps,omitempty"`
	Interrupt *InterruptRecord           `json:"interrupt,omitempty"`
	// Resumes maps interrupt names to the value supplied on resume.
	Resumes   map[string]json.RawMessage `json:"resumes,omitempty"`
	Output    json.RawMessage            `json:"output,omitempty"`
	Error     string                     `json:"error,omitempty"`
	TraceIDs  []string                   `json:"traceIds,omitempty"`
	CreatedAt time.Time                  `json:"createdAt"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// NewFlowState creates a pending state.
func NewFlowState(flowID, flowName string, input json.RawMessage) *FlowState {
	now := time.Now().UTC()
	return &FlowState{
		FlowID:    flowID,
		FlowName:  flowName,
		Input:     input,
		Status:    StatusPending,
		Steps:     map[string]json.RawMessage{},
		Resumes:   map[string]json.RawMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (s *FlowState) Clone() *FlowState {
	if s == nil {
		return nil
	}
	c := *s
	c.Input = cloneRaw(s.Input)
	c.Output = cloneRaw(s.Output)
	c.Steps = cloneRawMap(s.Steps)
	c.Resumes = cloneRawMap(s.Resumes)
	c.TraceIDs = append([]string(nil), s.TraceIDs...)
	if s.Interrupt != nil {
		ir := *s.Interrupt
		ir.Payload = cloneRaw(s.Interrupt.Payload)
		c.Interrupt = &ir
	}
	return &c
}

// AddTraceID records a trace id once.
func (s *FlowState) AddTraceID(id string) {
	if id == "" {
		return
	}
	for _, t := range s.TraceIDs {
		if t == id {
			return
		}
	}
	s.TraceIDs = append(s.TraceIDs, id)
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneRawMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = cloneRaw(v)
	}
	return out
}

// Filter narrows List results. Zero fields match everything; Limit 0 means
// no limit.
type Filter struct {
	FlowName string
	Status   Status
	Limit    int
}

func (f Filter) matches(s *FlowState) bool {
	if f.FlowName != "" && s.FlowName != f.FlowName {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// Store persists flow states.
type Store interface {
	// Save inserts or replaces the state and stamps UpdatedAt.
	Save(ctx context.Context, s *FlowState) error
	// Load returns ErrNotFound for unknown ids.
	Load(ctx context.Context, flowID string) (*FlowState, error)
	// List returns matching states, most recently updated first.
	List(ctx context.Context, f Filter) ([]*FlowState, error)
	// Delete returns ErrNotFound for unknown ids.
	Delete(ctx context.Context, flowID string) error
	Close() error
}

func touch(s *FlowState) {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}

func encodeState(s *FlowState) ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(data []byte) (*FlowState, error) {
	var s FlowState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Steps == nil {
		s.Steps = map[string]json.RawMessage{}
	}
	if s.Resumes == nil {
		s.Resumes = map[string]json.RawMessage{}
	}
	return &s, nil
}

func sortNewestFirst(states []*FlowState) {
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
}

func applyLimit(states []*FlowState, limit int) []*FlowState {
	if limit > 0 && len(states) > limit {
		return states[:limit]
	}
	return states
}

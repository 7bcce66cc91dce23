package tracing

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/hupe1980/flowkit/core"
)

// DefaultListLimit applies when a Query sets no limit.
const DefaultListLimit = 20

// ErrTraceNotFound is returned by Load for unknown trace ids.
var ErrTraceNotFound = errors.New("tracing: trace not found")

// Query selects a page of traces, newest first.
type Query struct {
	Limit int
	// ContinuationToken is the token of the previous page.
	ContinuationToken string
	// Filter is an expression accepted by CompileFilter.
	Filter string
}

// ListResult is one page of traces.
type ListResult struct {
	Traces []*TraceData `json:"traces"`
	// ContinuationToken is empty on the last page.
	ContinuationToken string `json:"continuationToken,omitempty"`
}

// TraceStore persists traces.
type TraceStore interface {
	// Save merges the spans of t into the stored trace with the same id.
	Save(ctx context.Context, t *TraceData) error
	Load(ctx context.Context, traceID string) (*TraceData, error)
	List(ctx context.Context, q Query) (*ListResult, error)
}

// MemoryTraceStore keeps traces in process.
type MemoryTraceStore struct {
	mu     sync.RWMutex
	traces map[string]*TraceData
}

var _ TraceStore = (*MemoryTraceStore)(nil)

// NewMemoryTraceStore creates an empty store.
func NewMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{traces: map[string]*TraceData{}}
}

func (m *MemoryTraceStore) Save(_ context.Context, t *TraceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.traces[t.TraceID]
	if !ok {
		existing = &TraceData{TraceID: t.TraceID, Spans: map[string]*SpanData{}}
		m.traces[t.TraceID] = existing
	}
	existing.Merge(t)
	return nil
}

func (m *MemoryTraceStore) Load(_ context.Context, traceID string) (*TraceData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.traces[traceID]
	if !ok {
		return nil, ErrTraceNotFound
	}
	return copyTrace(t), nil
}

func (m *MemoryTraceStore) List(_ context.Context, q Query) (*ListResult, error) {
	m.mu.RLock()
	all := make([]*TraceData, 0, len(m.traces))
	for _, t := range m.traces {
		all = append(all, copyTrace(t))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartTime != all[j].StartTime {
			return all[i].StartTime > all[j].StartTime
		}
		return all[i].TraceID < all[j].TraceID
	})
	return page(all, q)
}

// page applies filter, offset token and limit to traces sorted newest first.
func page(traces []*TraceData, q Query) (*ListResult, error) {
	f, err := CompileFilter(q.Filter)
	if err != nil {
		return nil, core.WrapError(core.StatusInvalidArgument, err, "invalid trace filter")
	}
	offset := 0
	if q.ContinuationToken != "" {
		offset, err = strconv.Atoi(q.ContinuationToken)
		if err != nil || offset < 0 {
			return nil, core.NewError(core.StatusInvalidArgument, "invalid continuation token %q", q.ContinuationToken)
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var matched []*TraceData
	for _, t := range traces {
		ok, err := f.Match(t)
		if err != nil {
			return nil, core.WrapError(core.StatusInvalidArgument, err, "invalid trace filter")
		}
		if ok {
			matched = append(matched, t)
		}
	}

	res := &ListResult{Traces: []*TraceData{}}
	if offset >= len(matched) {
		return res, nil
	}
	end := offset + limit
	if end < len(matched) {
		res.ContinuationToken = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	res.Traces = matched[offset:end]
	return res, nil
}

func copyTrace(t *TraceData) *TraceData {
	c := *t
	c.Spans = make(map[string]*SpanData, len(t.Spans))
	for k, v := range t.Spans {
		c.Spans[k] = v
	}
	return &c
}

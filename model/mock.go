package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/flowkit/core"
)

// MockModel is a lightweight in-memory Model useful for tests and examples.
// Scripted responses (Enqueue) are consumed first in FIFO order; afterwards it
// answers canned prompts (AddResponse) or echoes the last user message.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	script    []Response
	errs      []error
	requests  []Request
}

var _ Model = (*MockModel)(nil)

// NewMockModel constructs a MockModel with tool and streaming support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:              name,
			Provider:          provider,
			SupportsTools:     true,
			SupportsStreaming: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends scripted final responses.
func (m *MockModel) Enqueue(resps ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, resps...)
}

// EnqueueError makes the next call without a scripted response fail with err.
func (m *MockModel) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Requests returns the requests received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockModel) next(req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.script) > 0 {
		resp := m.script[0]
		m.script = m.script[1:]
		if resp.FinishReason == "" {
			resp.FinishReason = FinishReasonStop
		}
		if resp.Message.Role == "" {
			resp.Message.Role = core.RoleModel
		}
		return resp, nil
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return Response{}, err
	}

	if len(req.Messages) == 0 {
		return Response{}, errNoMessages(m.info.Name)
	}
	input := lastUserText(req.Messages)
	full, ok := m.responses[input]
	if !ok {
		full = fmt.Sprintf("Mock response to: %s", input)
	}
	return Response{Message: core.NewModelText(full), FinishReason: FinishReasonStop}, nil
}

// Generate implements Model; emits optional streaming text chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		final, err := m.next(req)
		if err != nil {
			errCh <- err
			return
		}

		if req.Stream {
			for _, chunk := range chunkText(final.Message.Text()) {
				if chunk == "" {
					continue
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Message: core.NewModelText(chunk)}:
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- final:
		}
	}()
	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/flowkit/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// InputSchema is a JSON Schema object.
type ToolDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
}

// ToolChoice constrains whether the model may or must call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// GenerationConfig holds provider-neutral sampling parameters. Zero values
// leave the provider default in place.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

// Request captures the normalized model input produced by generate, flows
// and agents.
type Request struct {
	System     string           `json:"system,omitempty"`
	Messages   []core.Content   `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice ToolChoice       `json:"toolChoice,omitempty"`
	Config     GenerationConfig `json:"config,omitempty"`
	Stream     bool             `json:"stream,omitempty"`
}

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishReasonStop        FinishReason = "stop"
	FinishReasonLength      FinishReason = "length"
	FinishReasonBlocked     FinishReason = "blocked"
	FinishReasonInterrupted FinishReason = "interrupted"
	FinishReasonOther       FinishReason = "other"
	FinishReasonUnknown     FinishReason = "unknown"
)

// Usage captures token usage statistics for a response.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o *Usage) {
	if o == nil {
		return
	}
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	Partial      bool         `json:"partial,omitempty"`
	Message      core.Content `json:"message"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// Text returns the text of the response message.
func (r Response) Text() string { return r.Message.Text() }

// Info contains metadata about a model implementation.
type Info struct {
	Name              string `json:"name"`
	Provider          string `json:"provider"`
	SupportsTools     bool   `json:"supportsTools"`
	SupportsStreaming bool   `json:"supportsStreaming"`
}

// Model is the minimal interface required by generate, flows and agents.
// Implementations emit zero or more partial responses followed by exactly one
// final response, or an error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a model call. Partial responses are passed to onChunk when
// it is non-nil; the final response is returned.
func Collect(ctx context.Context, m Model, req Request, onChunk func(Response) error) (*Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var final *Response
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				if onChunk != nil {
					if err := onChunk(resp); err != nil {
						return nil, err
					}
				}
				continue
			}
			r := resp
			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}

	if final == nil {
		return nil, core.NewError(core.StatusInternal, "model %s produced no final response", m.Info().Name)
	}
	return final, nil
}

// QualifiedName returns "provider/name" for i.
func (i Info) QualifiedName() string {
	if i.Provider == "" {
		return i.Name
	}
	return i.Provider + "/" + i.Name
}

func lastUserText(msgs []core.Content) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleUser {
			return msgs[i].Text()
		}
	}
	return ""
}

func chunkText(s string) []string {
	return strings.SplitAfter(s, " ")
}

func errNoMessages(name string) error {
	return fmt.Errorf("model %s: no messages provided", name)
}

package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/logging"
)

// ToolContext is handed to every tool call.
type ToolContext struct {
	ctx    context.Context
	ref    string
	name   string
	input  map[string]any
	logger logging.Logger
}

// NewToolContext builds the context for one tool request.
func NewToolContext(ctx context.Context, req core.ToolRequest, logger logging.Logger) *ToolContext {
	return &ToolContext{
		ctx:    ctx,
		ref:    req.Ref,
		name:   req.Name,
		input:  req.Input,
		logger: logging.OrNoOp(logger),
	}
}

// Context returns the context of the surrounding run.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// Ref returns the model assigned id of the tool request.
func (tc *ToolContext) Ref() string { return tc.ref }

// Logger returns the run scoped logger.
func (tc *ToolContext) Logger() logging.Logger { return tc.logger }

// ActionContext returns the auth/context map of the surrounding run.
func (tc *ToolContext) ActionContext() core.ActionContext { return core.ActionContextFrom(tc.ctx) }

// Interrupt pauses the tool loop. The tool returns the error as is:
//
//	return nil, tc.Interrupt(map[string]any{"question": "approve transfer?"})
//
// The pending request is kept on the model message so that the caller can
// answer it later with a tool response.
func (tc *ToolContext) Interrupt(metadata map[string]any) *InterruptError {
	return &InterruptError{
		Request:  core.ToolRequest{Ref: tc.ref, Name: tc.name, Input: tc.input},
		Metadata: metadata,
	}
}

// InterruptError signals that a tool needs outside input before it can
// produce a result.
type InterruptError struct {
	Request  core.ToolRequest `json:"request"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("tool %s interrupted", e.Request.Name)
}

// AsInterrupt reports whether err carries an InterruptError.
func AsInterrupt(err error) (*InterruptError, bool) {
	var ie *InterruptError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
